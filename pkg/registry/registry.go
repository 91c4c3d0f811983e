package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/sigsync/pkg/patch"
	"github.com/vango-dev/sigsync/pkg/protocol"
)

// DefaultShards is the number of lock shards used by New.
const DefaultShards = 32

const tracerName = "github.com/vango-dev/sigsync/pkg/registry"

// Subscriber receives messages for the signals it subscribed to.
type Subscriber interface {
	// ID identifies the subscriber. It is used for loopback suppression
	// and must be unique among live subscribers.
	ID() string

	// Deliver enqueues a message. It is called with the record locked and
	// must not block or call back into the Registry.
	Deliver(m *protocol.Message)
}

// UpdateFunc computes a new snapshot from the current one.
// The argument is a private copy and may be retained.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// Info describes a signal at one point in time.
type Info struct {
	Name        string          `json:"name"`
	Kind        protocol.Kind   `json:"kind"`
	Version     uint64          `json:"version"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	Subscribers int             `json:"subscribers"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver installs an observer for instrumentation.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithTracerProvider sets the tracer provider. The default is the global
// OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// Registry is a concurrent map of signal records.
// A Registry is safe for concurrent use.
type Registry struct {
	shards   []*shard
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		shards:   make([]*shard, DefaultShards),
		logger:   slog.Default(),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*record)}
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

func (r *Registry) shardFor(name string) *shard {
	return r.shards[xxhash.Sum64String(name)%uint64(len(r.shards))]
}

func (r *Registry) lookup(name string) *record {
	s := r.shardFor(name)
	s.mu.RLock()
	rec := s.records[name]
	s.mu.RUnlock()
	return rec
}

// GetOrCreate returns a reference to the named signal, creating it with
// the given kind and initial value if it does not exist. initial is
// ignored for channels and for existing records; nil means JSON null.
//
// If the record exists with another kind, GetOrCreate returns a
// *KindMismatchError.
func (r *Registry) GetOrCreate(name string, kind protocol.Kind, initial json.RawMessage) (*Ref, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	if rec := r.lookup(name); rec != nil {
		return r.checkKind(rec, kind)
	}

	var snapshot []byte
	if kind.Stateful() {
		var err error
		if snapshot, err = patch.Canonicalize(initial); err != nil {
			return nil, fmt.Errorf("registry: initial value for %q: %w", name, err)
		}
	}

	s := r.shardFor(name)
	s.mu.Lock()
	if rec, ok := s.records[name]; ok {
		s.mu.Unlock()
		return r.checkKind(rec, kind)
	}
	rec := newRecord(name, kind, snapshot)
	s.records[name] = rec
	s.mu.Unlock()

	r.logger.Debug("signal created", "signal", name, "kind", kind.String())
	r.observer.SignalCreated(name, kind)
	return &Ref{reg: r, rec: rec}, nil
}

func (r *Registry) checkKind(rec *record, kind protocol.Kind) (*Ref, error) {
	if rec.kind != kind {
		return nil, &KindMismatchError{Signal: rec.name, Existing: rec.kind, Declared: kind}
	}
	return &Ref{reg: r, rec: rec}, nil
}

// Get returns a reference to an existing signal.
func (r *Registry) Get(name string) (*Ref, error) {
	rec := r.lookup(name)
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrSignalNotFound, name)
	}
	return &Ref{reg: r, rec: rec}, nil
}

// Kind returns the kind of the named signal.
func (r *Registry) Kind(name string) (protocol.Kind, bool) {
	rec := r.lookup(name)
	if rec == nil {
		return protocol.KindUnspecified, false
	}
	return rec.kind, true
}

// Read returns the current snapshot and version of a stateful signal.
// It never blocks on I/O.
func (r *Registry) Read(name string) (json.RawMessage, uint64, error) {
	rec, err := r.stateful(name)
	if err != nil {
		return nil, 0, err
	}
	snapshot, version := rec.read()
	return snapshot, version, nil
}

// Info returns a description of the named signal.
func (r *Registry) Info(name string) (Info, error) {
	rec := r.lookup(name)
	if rec == nil {
		return Info{}, fmt.Errorf("%w: %q", ErrSignalNotFound, name)
	}
	return rec.info(), nil
}

// Names returns the names of all signals in sorted order.
func (r *Registry) Names() []string {
	var names []string
	for _, s := range r.shards {
		s.mu.RLock()
		for name := range s.records {
			names = append(names, name)
		}
		s.mu.RUnlock()
	}
	sort.Strings(names)
	return names
}

// Len returns the number of signals.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) stateful(name string) (*record, error) {
	rec := r.lookup(name)
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrSignalNotFound, name)
	}
	if !rec.kind.Stateful() {
		return nil, fmt.Errorf("%w: %q", ErrNotStateful, name)
	}
	return rec, nil
}

// Mutate applies updater to the current snapshot of a stateful signal.
//
// If the new snapshot equals the current one, nothing changes and the
// current version is returned. Otherwise the version is incremented, the
// diff is delivered to every subscriber as a Patch carrying the new
// version, and watchers are notified.
//
// Mutations of one signal are serialized. The context is checked before
// waiting for the record lock and is used as the parent of the trace span.
func (r *Registry) Mutate(ctx context.Context, name string, updater UpdateFunc) (uint64, error) {
	rec, err := r.stateful(name)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	_, span := r.tracer.Start(ctx, "registry.Mutate",
		trace.WithAttributes(attribute.String("sigsync.signal", name)))
	defer span.End()

	version, changed, err := rec.mutate(updater, "", nil, r.observer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return version, err
	}
	span.SetAttributes(
		attribute.Int64("sigsync.version", int64(version)),
		attribute.Bool("sigsync.changed", changed),
	)
	return version, nil
}

// Set replaces the snapshot of a stateful signal. It is Mutate with an
// updater that ignores the current value.
func (r *Registry) Set(ctx context.Context, name string, value json.RawMessage) (uint64, error) {
	return r.Mutate(ctx, name, func(json.RawMessage) (json.RawMessage, error) {
		return value, nil
	})
}

// ApplyRemotePatch applies a patch received from the subscriber origin to
// a bidirectional signal. The patch is accepted only if version equals the
// current version; otherwise a *ConflictError is returned. A patch that
// fails to apply returns a *patch.ApplyError.
//
// An accepted patch is broadcast to every subscriber except origin. It
// returns the resulting version, which equals version when the patch
// changed nothing.
func (r *Registry) ApplyRemotePatch(ctx context.Context, name string, version uint64, p patch.Patch, origin string) (uint64, error) {
	rec := r.lookup(name)
	if rec == nil {
		return 0, fmt.Errorf("%w: %q", ErrSignalNotFound, name)
	}
	switch rec.kind {
	case protocol.KindServer:
		return 0, fmt.Errorf("%w: %q", ErrReadOnly, name)
	case protocol.KindChannel:
		return 0, fmt.Errorf("%w: %q", ErrNotStateful, name)
	}

	_, span := r.tracer.Start(ctx, "registry.ApplyRemotePatch",
		trace.WithAttributes(
			attribute.String("sigsync.signal", name),
			attribute.String("sigsync.origin", origin),
			attribute.Int64("sigsync.base_version", int64(version)),
			attribute.Int("sigsync.ops", len(p)),
		))
	defer span.End()

	next, _, err := rec.mutate(func(current json.RawMessage) (json.RawMessage, error) {
		return patch.Apply(current, p)
	}, origin, &version, r.observer)
	if err != nil {
		r.observer.Rejected(name, err)
		r.logger.Debug("remote patch rejected", "signal", name, "origin", origin, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return next, err
	}
	span.SetAttributes(attribute.Int64("sigsync.version", int64(next)))
	return next, nil
}

// PublishChannel delivers payload to every subscriber of a channel except
// origin and returns the number of recipients. Nothing is stored, so a
// subscriber that joins later never sees the message.
//
// When origin is not empty the message came from a client and the
// channel's handlers are invoked after delivery.
func (r *Registry) PublishChannel(name string, payload json.RawMessage, origin string) (int, error) {
	rec := r.lookup(name)
	if rec == nil {
		return 0, fmt.Errorf("%w: %q", ErrSignalNotFound, name)
	}
	if rec.kind != protocol.KindChannel {
		return 0, fmt.Errorf("%w: %q", ErrNotChannel, name)
	}
	payload, err := patch.Canonicalize(payload)
	if err != nil {
		return 0, fmt.Errorf("registry: channel %q payload: %w", name, err)
	}

	n, handlers := rec.publish(payload, origin)
	r.observer.ChannelDelivered(name, n)

	if origin != "" {
		msg := ChannelMessage{Signal: name, Payload: payload, Origin: origin}
		for _, h := range handlers {
			h(msg)
		}
	}
	return n, nil
}

// Subscribe registers sub on the named signal. For stateful signals it
// delivers a Hydrate carrying the current snapshot to sub before any later
// patch can be delivered, and returns that snapshot and version.
// Subscribing again with the same ID replaces the handle and hydrates
// again, which is how a subscriber resyncs.
func (r *Registry) Subscribe(name string, sub Subscriber) (json.RawMessage, uint64, error) {
	rec := r.lookup(name)
	if rec == nil {
		return nil, 0, fmt.Errorf("%w: %q", ErrSignalNotFound, name)
	}
	snapshot, version := rec.subscribe(sub)
	return snapshot, version, nil
}

// Unsubscribe removes the subscriber with the given ID. It is a no-op if
// the signal or subscriber does not exist.
func (r *Registry) Unsubscribe(name, id string) {
	if rec := r.lookup(name); rec != nil {
		rec.unsubscribe(id)
	}
}

// Watch registers fn to be called after every accepted change of a
// stateful signal, in version order. fn runs with no registry lock held
// and may read the signal, but must not synchronously mutate it: that
// mutation would wait for fn to return. The returned function removes the
// watch.
func (r *Registry) Watch(name string, fn WatchFunc) (func(), error) {
	rec, err := r.stateful(name)
	if err != nil {
		return nil, err
	}
	return rec.watch(fn), nil
}

// OnChannelMessage registers fn to be called for every client-originated
// message on the named channel. The returned function removes the handler.
func (r *Registry) OnChannelMessage(name string, fn ChannelHandler) (func(), error) {
	rec := r.lookup(name)
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrSignalNotFound, name)
	}
	if rec.kind != protocol.KindChannel {
		return nil, fmt.Errorf("%w: %q", ErrNotChannel, name)
	}
	return rec.onMessage(fn), nil
}

// Ref is a reference to one signal in a Registry.
type Ref struct {
	reg *Registry
	rec *record
}

// Name returns the signal name.
func (s *Ref) Name() string { return s.rec.name }

// Kind returns the signal kind.
func (s *Ref) Kind() protocol.Kind { return s.rec.kind }

// Registry returns the registry that owns the signal.
func (s *Ref) Registry() *Registry { return s.reg }

// Read returns the current snapshot and version.
func (s *Ref) Read() (json.RawMessage, uint64, error) {
	return s.reg.Read(s.rec.name)
}

// Mutate is Registry.Mutate for this signal.
func (s *Ref) Mutate(ctx context.Context, updater UpdateFunc) (uint64, error) {
	return s.reg.Mutate(ctx, s.rec.name, updater)
}

// Publish is Registry.PublishChannel with no origin.
func (s *Ref) Publish(payload json.RawMessage) (int, error) {
	return s.reg.PublishChannel(s.rec.name, payload, "")
}

// Watch is Registry.Watch for this signal.
func (s *Ref) Watch(fn WatchFunc) (func(), error) {
	return s.reg.Watch(s.rec.name, fn)
}

// OnMessage is Registry.OnChannelMessage for this signal.
func (s *Ref) OnMessage(fn ChannelHandler) (func(), error) {
	return s.reg.OnChannelMessage(s.rec.name, fn)
}
