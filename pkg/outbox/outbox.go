// Package outbox implements the bounded per-connection queue that sits
// between the registry and a session's write loop.
//
// An Outbox never blocks its producers. When it is full the overflow
// policy depends on what is being dropped:
//
//   - Hydrate and Patch messages are never dropped individually. Instead
//     the signal is marked stale: its queued messages are discarded, a
//     ResyncRequired is queued ahead of everything else, and further
//     patches for it are discarded until the next Hydrate arrives.
//   - Channel and control messages evict the oldest queued channel
//     message. If none is queued the incoming message is dropped.
//
// A ResyncRequired is queued at most once per signal and is always
// accepted, so the queue may briefly exceed its capacity by the number of
// stale signals.
package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/vango-dev/sigsync/pkg/protocol"
)

// DefaultCapacity is used when Config.Capacity is not positive.
const DefaultCapacity = 256

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("outbox: closed")

// Config configures an Outbox.
type Config struct {
	// Capacity is the maximum number of queued messages.
	Capacity int

	// OnResync is called when a signal is marked stale, either by
	// overflow or by Resync.
	OnResync func(signal string)

	// OnDrop is called for every discarded message.
	OnDrop func(m *protocol.Message)
}

// Outbox is a bounded FIFO of outbound messages.
// It is safe for concurrent use.
type Outbox struct {
	mu       sync.Mutex
	items    []*protocol.Message
	capacity int
	stale    map[string]bool
	closed   bool
	notify   chan struct{}
	done     chan struct{}

	onResync func(string)
	onDrop   func(*protocol.Message)
}

// New creates an empty outbox.
func New(cfg Config) *Outbox {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Outbox{
		items:    make([]*protocol.Message, 0, cfg.Capacity),
		capacity: cfg.Capacity,
		stale:    make(map[string]bool),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		onResync: cfg.OnResync,
		onDrop:   cfg.OnDrop,
	}
}

// Push enqueues m and reports whether it was queued. Push never blocks.
func (o *Outbox) Push(m *protocol.Message) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}

	var (
		queued  bool
		dropped []*protocol.Message
		resync  bool
	)
	switch m.Type {
	case protocol.MsgHydrate:
		delete(o.stale, m.Signal)
		dropped = o.removeLocked(m.Signal)
		o.removeResyncLocked(m.Signal)
		if len(o.items) >= o.capacity {
			if old := o.evictChannelLocked(); old != nil {
				dropped = append(dropped, old)
			}
		}
		if len(o.items) < o.capacity {
			o.items = append(o.items, m)
			queued = true
		} else {
			dropped = append(dropped, m)
			resync = o.markStaleLocked(m.Signal)
		}

	case protocol.MsgPatch:
		switch {
		case o.stale[m.Signal]:
			dropped = append(dropped, m)
		case len(o.items) >= o.capacity:
			dropped = append(o.removeLocked(m.Signal), m)
			resync = o.markStaleLocked(m.Signal)
		default:
			o.items = append(o.items, m)
			queued = true
		}

	case protocol.MsgResyncRequired:
		dropped = o.removeLocked(m.Signal)
		resync = o.markStaleLocked(m.Signal)
		queued = resync

	default:
		if len(o.items) >= o.capacity {
			if old := o.evictChannelLocked(); old != nil {
				dropped = append(dropped, old)
			}
		}
		if len(o.items) < o.capacity {
			o.items = append(o.items, m)
			queued = true
		} else {
			dropped = append(dropped, m)
		}
	}
	o.mu.Unlock()

	o.wake()
	o.report(dropped, resync, m.Signal)
	return queued
}

// Resync discards everything queued for signal, queues a ResyncRequired
// ahead of other messages, and drops further patches for signal until
// the next Hydrate. It reports whether a new resync was queued.
func (o *Outbox) Resync(signal string) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	dropped := o.removeLocked(signal)
	resync := o.markStaleLocked(signal)
	o.mu.Unlock()

	o.wake()
	o.report(dropped, resync, signal)
	return resync
}

// Forget clears any stale mark and queued messages for signal. Sessions
// call it on unsubscribe.
func (o *Outbox) Forget(signal string) {
	o.mu.Lock()
	delete(o.stale, signal)
	o.removeLocked(signal)
	o.removeResyncLocked(signal)
	o.mu.Unlock()
}

// Stale reports whether signal is awaiting a Hydrate.
func (o *Outbox) Stale(signal string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stale[signal]
}

// Next returns the oldest queued message, blocking until one is available,
// the context is done, or the outbox is closed.
func (o *Outbox) Next(ctx context.Context) (*protocol.Message, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		if len(o.items) > 0 {
			m := o.items[0]
			o.items[0] = nil
			o.items = o.items[1:]
			if len(o.items) == 0 {
				o.items = o.items[:0:0]
			}
			o.mu.Unlock()
			return m, nil
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.done:
			return nil, ErrClosed
		case <-o.notify:
		}
	}
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Close discards all queued messages and wakes any waiting Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.items = nil
	o.stale = nil
	o.mu.Unlock()
	close(o.done)
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) report(dropped []*protocol.Message, resync bool, signal string) {
	if o.onDrop != nil {
		for _, m := range dropped {
			o.onDrop(m)
		}
	}
	if resync && o.onResync != nil {
		o.onResync(signal)
	}
}

// markStaleLocked marks signal stale and puts a ResyncRequired at the
// front of the queue unless one is already pending.
func (o *Outbox) markStaleLocked(signal string) bool {
	if o.stale[signal] {
		return false
	}
	o.stale[signal] = true
	o.items = append([]*protocol.Message{protocol.NewResyncRequired(signal)}, o.items...)
	return true
}

// removeLocked removes queued Hydrate and Patch messages for signal.
func (o *Outbox) removeLocked(signal string) []*protocol.Message {
	var removed []*protocol.Message
	kept := o.items[:0]
	for _, m := range o.items {
		if m.Signal == signal && m.Stateful() {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	clear(o.items[len(kept):])
	o.items = kept
	return removed
}

func (o *Outbox) removeResyncLocked(signal string) {
	kept := o.items[:0]
	for _, m := range o.items {
		if m.Type == protocol.MsgResyncRequired && m.Signal == signal {
			continue
		}
		kept = append(kept, m)
	}
	clear(o.items[len(kept):])
	o.items = kept
}

// evictChannelLocked removes the oldest queued channel message.
func (o *Outbox) evictChannelLocked() *protocol.Message {
	for i, m := range o.items {
		if m.Type == protocol.MsgChannel {
			copy(o.items[i:], o.items[i+1:])
			o.items[len(o.items)-1] = nil
			o.items = o.items[:len(o.items)-1]
			return m
		}
	}
	return nil
}
