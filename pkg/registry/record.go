package registry

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/vango-dev/sigsync/pkg/patch"
	"github.com/vango-dev/sigsync/pkg/protocol"
)

// Change describes one accepted change of a stateful signal.
type Change struct {
	Signal   string
	Version  uint64
	Snapshot json.RawMessage
	Patch    patch.Patch

	// Origin is the ID of the subscriber whose patch caused the change,
	// or empty for a local mutation.
	Origin string
}

// WatchFunc is called for every accepted change.
type WatchFunc func(Change)

// ChannelMessage is a message received on a channel signal.
type ChannelMessage struct {
	Signal  string
	Payload json.RawMessage
	Origin  string
}

// ChannelHandler handles client-originated channel messages.
type ChannelHandler func(ChannelMessage)

type record struct {
	name string
	kind protocol.Kind

	mu       sync.Mutex
	snapshot []byte
	version  uint64
	subs     map[string]Subscriber
	watchers map[uint64]WatchFunc
	handlers map[uint64]ChannelHandler
	nextID   uint64

	// notified is the last version whose watchers have returned. A change
	// waits on notifyCond for its predecessor, so watchers run in version
	// order with no record lock held.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	notified   uint64
}

func newRecord(name string, kind protocol.Kind, snapshot []byte) *record {
	rec := &record{
		name:     name,
		kind:     kind,
		snapshot: snapshot,
		subs:     make(map[string]Subscriber),
		watchers: make(map[uint64]WatchFunc),
		handlers: make(map[uint64]ChannelHandler),
	}
	rec.notifyCond = sync.NewCond(&rec.notifyMu)
	return rec
}

func (rec *record) read() (json.RawMessage, uint64) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return clone(rec.snapshot), rec.version
}

func (rec *record) info() Info {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Info{
		Name:        rec.name,
		Kind:        rec.kind,
		Version:     rec.version,
		Snapshot:    clone(rec.snapshot),
		Subscribers: len(rec.subs),
	}
}

// mutate runs updater under the record lock. When base is not nil the
// change is accepted only if base matches the current version. The new
// patch goes to every subscriber except origin.
func (rec *record) mutate(updater UpdateFunc, origin string, base *uint64, obs Observer) (uint64, bool, error) {
	rec.mu.Lock()

	if base != nil && *base != rec.version {
		current := rec.version
		rec.mu.Unlock()
		return current, false, &ConflictError{Signal: rec.name, Current: current, Claimed: *base}
	}

	next, err := updater(clone(rec.snapshot))
	if err != nil {
		version := rec.version
		rec.mu.Unlock()
		return version, false, err
	}
	next, err = patch.Canonicalize(next)
	if err != nil {
		version := rec.version
		rec.mu.Unlock()
		return version, false, fmt.Errorf("registry: signal %q: %w", rec.name, err)
	}
	p, err := patch.Diff(rec.snapshot, next)
	if err != nil {
		version := rec.version
		rec.mu.Unlock()
		return version, false, fmt.Errorf("registry: signal %q: %w", rec.name, err)
	}
	if p.Empty() {
		version := rec.version
		rec.mu.Unlock()
		return version, false, nil
	}

	rec.version++
	rec.snapshot = next
	version := rec.version

	for id, sub := range rec.subs {
		if id == origin {
			continue
		}
		sub.Deliver(protocol.NewPatch(rec.name, version, p))
	}
	obs.Mutated(rec.name, version, origin != "")

	watchers := rec.watcherList()
	rec.mu.Unlock()

	rec.notify(version, watchers, Change{Signal: rec.name, Version: version, Snapshot: clone(next), Patch: p, Origin: origin})
	return version, true, nil
}

// notify runs watchers for version once every earlier version has been
// notified. Neither mu nor notifyMu is held while a watcher runs.
func (rec *record) notify(version uint64, watchers []WatchFunc, change Change) {
	rec.notifyMu.Lock()
	for rec.notified+1 != version {
		rec.notifyCond.Wait()
	}
	rec.notifyMu.Unlock()

	defer func() {
		rec.notifyMu.Lock()
		rec.notified = version
		rec.notifyMu.Unlock()
		rec.notifyCond.Broadcast()
	}()
	for _, fn := range watchers {
		fn(change)
	}
}

func (rec *record) publish(payload json.RawMessage, origin string) (int, []ChannelHandler) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	n := 0
	for id, sub := range rec.subs {
		if id == origin {
			continue
		}
		sub.Deliver(protocol.NewChannel(rec.name, payload))
		n++
	}

	handlers := make([]ChannelHandler, 0, len(rec.handlers))
	for _, h := range rec.handlers {
		handlers = append(handlers, h)
	}
	return n, handlers
}

func (rec *record) subscribe(sub Subscriber) (json.RawMessage, uint64) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.subs[sub.ID()] = sub
	if !rec.kind.Stateful() {
		return nil, 0
	}
	sub.Deliver(protocol.NewHydrate(rec.name, rec.kind, rec.version, clone(rec.snapshot)))
	return clone(rec.snapshot), rec.version
}

func (rec *record) unsubscribe(id string) {
	rec.mu.Lock()
	delete(rec.subs, id)
	rec.mu.Unlock()
}

func (rec *record) watch(fn WatchFunc) func() {
	rec.mu.Lock()
	id := rec.nextID
	rec.nextID++
	rec.watchers[id] = fn
	rec.mu.Unlock()

	return func() {
		rec.mu.Lock()
		delete(rec.watchers, id)
		rec.mu.Unlock()
	}
}

func (rec *record) onMessage(fn ChannelHandler) func() {
	rec.mu.Lock()
	id := rec.nextID
	rec.nextID++
	rec.handlers[id] = fn
	rec.mu.Unlock()

	return func() {
		rec.mu.Lock()
		delete(rec.handlers, id)
		rec.mu.Unlock()
	}
}

// watcherList returns watchers in registration order. Must hold mu.
func (rec *record) watcherList() []WatchFunc {
	if len(rec.watchers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(rec.watchers))
	for id := range rec.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]WatchFunc, len(ids))
	for i, id := range ids {
		out[i] = rec.watchers[id]
	}
	return out
}

func clone(b []byte) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
