// Package sigsync provides typed handles over a signal registry.
//
// Values are stored as JSON in the registry and sent to clients as JSON
// Patch deltas; the handles in this package marshal and unmarshal T with
// encoding/json at the boundary.
//
// Usage:
//
//	reg := registry.New()
//	count, _ := sigsync.NewSignal(reg, "count", 0)
//	doc, _ := sigsync.NewBidirectional(reg, "doc", Doc{Title: "untitled"})
//	chat, _ := sigsync.NewChannel[Message](reg, "chat")
//
//	count.Update(ctx, func(n int) int { return n + 1 })
//	doc.OnChange(func(d Doc, version uint64) { log.Println("doc is now", d.Title) })
//	chat.OnMessage(func(m Message, from string) { chat.Send(m) })
package sigsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
)

// Signal is a typed handle to a stateful signal.
type Signal[T any] struct {
	ref *registry.Ref
}

// NewSignal declares a server-authoritative signal: clients can read it but
// only the server changes it. If the signal already exists with the same
// kind, its current value is kept.
//
// Example:
//
//	count, err := sigsync.NewSignal(reg, "count", 0)
//	count.Set(ctx, 1)
func NewSignal[T any](reg *registry.Registry, name string, initial T) (*Signal[T], error) {
	return newSignal(reg, name, protocol.KindServer, initial)
}

// NewBidirectional declares a signal that both the server and clients may
// change.
func NewBidirectional[T any](reg *registry.Registry, name string, initial T) (*Signal[T], error) {
	return newSignal(reg, name, protocol.KindBidirectional, initial)
}

func newSignal[T any](reg *registry.Registry, name string, kind protocol.Kind, initial T) (*Signal[T], error) {
	data, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("sigsync: encode %q: %w", name, err)
	}
	ref, err := reg.GetOrCreate(name, kind, data)
	if err != nil {
		return nil, err
	}
	return &Signal[T]{ref: ref}, nil
}

// Name returns the signal name.
func (s *Signal[T]) Name() string {
	return s.ref.Name()
}

// Kind returns the signal kind.
func (s *Signal[T]) Kind() protocol.Kind {
	return s.ref.Kind()
}

// Get returns the current value and its version.
func (s *Signal[T]) Get() (T, uint64, error) {
	var v T
	data, version, err := s.ref.Read()
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, version, fmt.Errorf("sigsync: decode %q: %w", s.ref.Name(), err)
	}
	return v, version, nil
}

// Set replaces the value and returns the new version. Setting an equal value
// leaves the version unchanged.
func (s *Signal[T]) Set(ctx context.Context, value T) (uint64, error) {
	return s.Update(ctx, func(T) T { return value })
}

// Update applies fn to the current value atomically and returns the new
// version.
//
// Example:
//
//	count.Update(ctx, func(n int) int { return n + 1 })
func (s *Signal[T]) Update(ctx context.Context, fn func(T) T) (uint64, error) {
	return s.ref.Mutate(ctx, func(current json.RawMessage) (json.RawMessage, error) {
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return nil, fmt.Errorf("sigsync: decode %q: %w", s.ref.Name(), err)
		}
		return json.Marshal(fn(v))
	})
}

// OnChange calls fn after every accepted change, local or remote, in version
// order. Values that do not decode into T are skipped. The returned function
// stops notifications.
func (s *Signal[T]) OnChange(fn func(value T, version uint64)) (func(), error) {
	return s.ref.Watch(func(c registry.Change) {
		var v T
		if err := json.Unmarshal(c.Snapshot, &v); err != nil {
			return
		}
		fn(v, c.Version)
	})
}

// Channel is a typed handle to a channel signal.
type Channel[T any] struct {
	ref *registry.Ref
}

// NewChannel declares a channel.
func NewChannel[T any](reg *registry.Registry, name string) (*Channel[T], error) {
	ref, err := reg.GetOrCreate(name, protocol.KindChannel, nil)
	if err != nil {
		return nil, err
	}
	return &Channel[T]{ref: ref}, nil
}

// Name returns the channel name.
func (c *Channel[T]) Name() string {
	return c.ref.Name()
}

// Send publishes msg to every subscriber and returns how many received it.
func (c *Channel[T]) Send(msg T) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("sigsync: encode %q: %w", c.ref.Name(), err)
	}
	return c.ref.Publish(data)
}

// OnMessage calls fn for every message a client publishes on the channel,
// with the ID of the sending session. Messages that do not decode into T
// are skipped.
func (c *Channel[T]) OnMessage(fn func(msg T, from string)) (func(), error) {
	return c.ref.OnMessage(func(m registry.ChannelMessage) {
		var v T
		if err := json.Unmarshal(m.Payload, &v); err != nil {
			return
		}
		fn(v, m.Origin)
	})
}
