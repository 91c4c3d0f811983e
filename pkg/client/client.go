// Package client is the peer side of the signal protocol. A Client keeps a
// local mirror of every signal it subscribes to, applies incoming patches in
// version order, and recovers by re-subscribing whenever its mirror may be
// wrong: on ResyncRequired, on a version gap, on a patch that does not apply,
// and after every reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/sigsync/pkg/patch"
	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/transport"
)

// Sentinel errors.
var (
	ErrNotConnected  = errors.New("client: not connected")
	ErrNotSubscribed = errors.New("client: signal not subscribed")
	ErrNotHydrated   = errors.New("client: signal not hydrated")
	ErrReadOnly      = errors.New("client: signal is not bidirectional")
	ErrNotChannel    = errors.New("client: signal is not a channel")
	ErrClosed        = errors.New("client: closed")

	// errClosedByServer ends one connection; Run reconnects.
	errClosedByServer = errors.New("client: closed by server")
)

// DialFunc opens a stream to the server.
type DialFunc func(ctx context.Context) (transport.Stream, error)

// Update describes a change to a mirrored signal.
type Update struct {
	Signal   string
	Version  uint64
	Snapshot json.RawMessage

	// Hydrate is true when the mirror was replaced by a full snapshot.
	Hydrate bool

	// Local is true for changes made by Mutate on this client.
	Local bool
}

// UpdateFunc computes the next value of a signal from the current one.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// Stats counts recovery events.
type Stats struct {
	Connects   uint64
	Resyncs    uint64
	Duplicates uint64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCodec sets the wire format. Default: protocol.BinaryCodec.
func WithCodec(codec protocol.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithDialer sets the websocket dialer used by the default DialFunc.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader sets HTTP headers sent with the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithDialFunc replaces websocket dialing, for example with a transport.Pipe.
func WithDialFunc(fn DialFunc) Option {
	return func(c *Client) { c.dial = fn }
}

// WithBackoff sets the reconnect delay bounds. The delay doubles after each
// failed attempt and resets after a successful connect.
// Default: 100ms to 5s.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// WithWriteTimeout bounds each frame write. Default: 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithErrorHandler is called for every Error message from the server.
func WithErrorHandler(fn func(*protocol.Message)) Option {
	return func(c *Client) { c.onError = fn }
}

type mirror struct {
	kind     protocol.Kind
	snapshot json.RawMessage
	version  uint64
	hydrated bool

	nextID   uint64
	watchers map[uint64]func(Update)
	handlers map[uint64]func(json.RawMessage)
}

// Client is a reconnecting signal client. Its methods are safe for
// concurrent use; watchers and channel handlers run on the read goroutine
// in arrival order and must not block.
type Client struct {
	url          string
	codec        protocol.Codec
	dialer       *websocket.Dialer
	header       http.Header
	dial         DialFunc
	minBackoff   time.Duration
	maxBackoff   time.Duration
	writeTimeout time.Duration
	onError      func(*protocol.Message)
	logger       *slog.Logger

	mu      sync.Mutex
	mirrors map[string]*mirror
	stream  transport.Stream // nil while disconnected
	changed chan struct{}    // closed and replaced on every state change
	closed  bool

	writeMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once

	connects   atomic.Uint64
	resyncs    atomic.Uint64
	duplicates atomic.Uint64
}

// New creates a client for the websocket endpoint at rawURL. Call Run to
// connect.
func New(rawURL string, opts ...Option) *Client {
	c := &Client{
		url:          rawURL,
		codec:        protocol.BinaryCodec,
		minBackoff:   100 * time.Millisecond,
		maxBackoff:   5 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       slog.Default(),
		mirrors:      make(map[string]*mirror),
		changed:      make(chan struct{}),
		closeCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	if c.dial == nil {
		c.dial = c.dialWebSocket
	}
	return c
}

func (c *Client) dialWebSocket(ctx context.Context) (transport.Stream, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("client: invalid url: %w", err)
	}
	q := u.Query()
	q.Set("format", c.codec.Name())
	u.RawQuery = q.Encode()
	stream, err := transport.Dial(ctx, c.dialer, u.String(), c.header, c.codec.Binary(), c.writeTimeout)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Run connects and serves until ctx is done or Close is called, redialing
// with exponential backoff after every disconnect. It returns ctx.Err() or
// ErrClosed.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := c.minBackoff
	for {
		stream, err := c.dial(ctx)
		if err == nil {
			backoff = c.minBackoff
			err = c.serve(ctx, stream)
		}
		if c.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("disconnected", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			if c.isClosed() {
				return ErrClosed
			}
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// serve runs one connection. Every mirror is re-subscribed first, since the
// server keeps nothing across connections.
func (c *Client) serve(ctx context.Context, stream transport.Stream) error {
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-connDone:
		}
	}()
	defer stream.Close()

	c.mu.Lock()
	c.stream = stream
	subs := make([]*protocol.Message, 0, len(c.mirrors))
	for name, mr := range c.mirrors {
		mr.hydrated = false
		subs = append(subs, protocol.NewSubscribe(name, mr.kind))
	}
	c.broadcastLocked()
	c.mu.Unlock()
	c.connects.Add(1)
	c.logger.Info("connected", "signals", len(subs))

	defer func() {
		c.mu.Lock()
		if c.stream == stream {
			c.stream = nil
		}
		for _, mr := range c.mirrors {
			mr.hydrated = false
		}
		c.broadcastLocked()
		c.mu.Unlock()
	}()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Signal < subs[j].Signal })
	for _, m := range subs {
		if err := c.writeTo(ctx, stream, m); err != nil {
			return err
		}
	}

	for {
		data, err := stream.Read(ctx)
		if err != nil {
			return err
		}
		m, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("frame decode error", "error", err)
			continue
		}
		if err := c.handle(ctx, stream, m); err != nil {
			return err
		}
	}
}

func (c *Client) handle(ctx context.Context, stream transport.Stream, m *protocol.Message) error {
	switch m.Type {
	case protocol.MsgHydrate:
		c.handleHydrate(m)
	case protocol.MsgPatch:
		if resync := c.handlePatch(m); resync {
			return c.resync(ctx, stream, m.Signal)
		}
	case protocol.MsgChannel:
		c.handleChannel(m)
	case protocol.MsgResyncRequired:
		return c.resync(ctx, stream, m.Signal)
	case protocol.MsgError:
		c.logger.Warn("server error", "signal", m.Signal, "code", m.Code.String(), "reason", m.Reason)
		if c.onError != nil {
			c.onError(m)
		}
	case protocol.MsgPing:
		return c.writeTo(ctx, stream, protocol.NewPong(m.Timestamp))
	case protocol.MsgPong:
	case protocol.MsgClose:
		return fmt.Errorf("%w: %s", errClosedByServer, m.Reason)
	default:
		c.logger.Warn("unexpected message", "message", m.String())
	}
	return nil
}

func (c *Client) handleHydrate(m *protocol.Message) {
	c.mu.Lock()
	mr, ok := c.mirrors[m.Signal]
	if !ok {
		c.mu.Unlock()
		return
	}
	mr.kind = m.Kind
	mr.snapshot = m.Snapshot
	mr.version = m.Version
	mr.hydrated = true
	watchers := mr.watcherList()
	c.broadcastLocked()
	c.mu.Unlock()

	notify(watchers, Update{Signal: m.Signal, Version: m.Version, Snapshot: m.Snapshot, Hydrate: true})
}

// handlePatch applies m to its mirror. It reports whether the mirror must
// be re-hydrated.
func (c *Client) handlePatch(m *protocol.Message) bool {
	c.mu.Lock()
	mr, ok := c.mirrors[m.Signal]
	if !ok || !mr.hydrated {
		// Unsubscribed, or a Hydrate is on its way.
		c.mu.Unlock()
		return false
	}
	if m.Version <= mr.version {
		c.mu.Unlock()
		c.duplicates.Add(1)
		return false
	}
	if m.Version != mr.version+1 {
		c.mu.Unlock()
		c.logger.Warn("version gap", "signal", m.Signal, "have", mr.version, "got", m.Version)
		return true
	}
	next, err := patch.Apply(mr.snapshot, m.Patch)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("patch did not apply", "signal", m.Signal, "version", m.Version, "error", err)
		return true
	}
	mr.snapshot = next
	mr.version = m.Version
	watchers := mr.watcherList()
	c.broadcastLocked()
	c.mu.Unlock()

	notify(watchers, Update{Signal: m.Signal, Version: m.Version, Snapshot: next})
	return false
}

func (c *Client) handleChannel(m *protocol.Message) {
	c.mu.Lock()
	mr, ok := c.mirrors[m.Signal]
	var handlers []func(json.RawMessage)
	if ok {
		handlers = mr.handlerList()
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(m.Payload)
	}
}

// resync discards the mirror's incremental state and asks for a Hydrate.
func (c *Client) resync(ctx context.Context, stream transport.Stream, name string) error {
	c.mu.Lock()
	mr, ok := c.mirrors[name]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	mr.hydrated = false
	kind := mr.kind
	c.broadcastLocked()
	c.mu.Unlock()

	c.resyncs.Add(1)
	c.logger.Debug("resync", "signal", name)
	return c.writeTo(ctx, stream, protocol.NewSubscribe(name, kind))
}

func (c *Client) writeTo(ctx context.Context, stream transport.Stream, m *protocol.Message) error {
	data, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return stream.Write(ctx, data)
}

func (c *Client) write(ctx context.Context, m *protocol.Message) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}
	return c.writeTo(ctx, stream, m)
}

// Subscribe starts mirroring name. kind may be KindUnspecified for signals
// the server declares; Bidirectional and Channel signals are created on the
// server if missing. Subscribing is remembered across reconnects; the
// request is sent now if connected.
func (c *Client) Subscribe(ctx context.Context, name string, kind protocol.Kind) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	mr, ok := c.mirrors[name]
	if !ok {
		mr = &mirror{
			kind:     kind,
			watchers: make(map[uint64]func(Update)),
			handlers: make(map[uint64]func(json.RawMessage)),
		}
		c.mirrors[name] = mr
	} else if kind != protocol.KindUnspecified {
		mr.kind = kind
	}
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	return c.writeTo(ctx, stream, protocol.NewSubscribe(name, kind))
}

// Unsubscribe stops mirroring name and drops its watchers.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	c.mu.Lock()
	_, ok := c.mirrors[name]
	delete(c.mirrors, name)
	stream := c.stream
	c.mu.Unlock()

	if !ok || stream == nil {
		return nil
	}
	return c.writeTo(ctx, stream, protocol.NewUnsubscribe(name))
}

// Get returns the mirrored snapshot and version. ok is false until the
// signal has been hydrated on the current connection.
func (c *Client) Get(name string) (snapshot json.RawMessage, version uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mr, found := c.mirrors[name]
	if !found || !mr.hydrated {
		return nil, 0, false
	}
	return mr.snapshot, mr.version, true
}

// Wait blocks until name is hydrated at version min or later.
func (c *Client) Wait(ctx context.Context, name string, min uint64) (json.RawMessage, uint64, error) {
	for {
		c.mu.Lock()
		mr, ok := c.mirrors[name]
		if !ok {
			c.mu.Unlock()
			return nil, 0, ErrNotSubscribed
		}
		if mr.hydrated && mr.version >= min {
			snapshot, version := mr.snapshot, mr.version
			c.mu.Unlock()
			return snapshot, version, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Mutate applies updater to the mirrored value of a bidirectional signal
// and sends the difference to the server, based on the mirrored version.
// The mirror advances optimistically; if the server rejects the patch it
// asks for a resync and the mirror is replaced by the server's state.
func (c *Client) Mutate(ctx context.Context, name string, updater UpdateFunc) error {
	c.mu.Lock()
	mr, ok := c.mirrors[name]
	switch {
	case !ok:
		c.mu.Unlock()
		return ErrNotSubscribed
	case !mr.hydrated:
		c.mu.Unlock()
		return ErrNotHydrated
	case mr.kind != protocol.KindBidirectional:
		c.mu.Unlock()
		return ErrReadOnly
	case c.stream == nil:
		c.mu.Unlock()
		return ErrNotConnected
	}

	current := mr.snapshot
	base := mr.version
	stream := c.stream
	out, err := updater(append(json.RawMessage(nil), current...))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	next, err := patch.Canonicalize(out)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	p, err := patch.Diff(current, next)
	if err != nil || p.Empty() {
		c.mu.Unlock()
		return err
	}
	data, err := c.codec.Encode(protocol.NewPatch(name, base, p))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	mr.snapshot = next
	mr.version = base + 1
	watchers := mr.watcherList()
	c.broadcastLocked()
	// writeMu is taken before mu is released so patches leave in base
	// order; the write itself runs without mu.
	c.writeMu.Lock()
	c.mu.Unlock()
	err = stream.Write(ctx, data)
	c.writeMu.Unlock()
	if err != nil {
		// The server may not have the patch; drop the optimistic state.
		rctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		c.resync(rctx, stream, name)
		return err
	}

	notify(watchers, Update{Signal: name, Version: base + 1, Snapshot: next, Local: true})
	return nil
}

// Set replaces the value of a bidirectional signal.
func (c *Client) Set(ctx context.Context, name string, value json.RawMessage) error {
	return c.Mutate(ctx, name, func(json.RawMessage) (json.RawMessage, error) {
		return value, nil
	})
}

// Send publishes payload on a channel signal.
func (c *Client) Send(ctx context.Context, name string, payload json.RawMessage) error {
	canonical, err := patch.Canonicalize(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, protocol.NewChannel(name, canonical))
}

// Watch calls fn for every change to a subscribed signal, including
// hydrates. The returned func cancels the watch.
func (c *Client) Watch(name string, fn func(Update)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mr, ok := c.mirrors[name]
	if !ok {
		return nil, ErrNotSubscribed
	}
	id := mr.nextID
	mr.nextID++
	mr.watchers[id] = fn
	return func() {
		c.mu.Lock()
		delete(mr.watchers, id)
		c.mu.Unlock()
	}, nil
}

// OnMessage calls fn for every message received on a subscribed channel.
func (c *Client) OnMessage(name string, fn func(json.RawMessage)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mr, ok := c.mirrors[name]
	if !ok {
		return nil, ErrNotSubscribed
	}
	if mr.kind != protocol.KindChannel {
		return nil, ErrNotChannel
	}
	id := mr.nextID
	mr.nextID++
	mr.handlers[id] = fn
	return func() {
		c.mu.Lock()
		delete(mr.handlers, id)
		c.mu.Unlock()
	}, nil
}

// WaitConnected blocks until a connection is up.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.stream != nil {
			c.mu.Unlock()
			return nil
		}
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Stats returns recovery counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connects:   c.connects.Load(),
		Resyncs:    c.resyncs.Load(),
		Duplicates: c.duplicates.Load(),
	}
}

// Close sends Close to the server if connected and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	c.broadcastLocked()
	c.mu.Unlock()

	if stream != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.writeTo(ctx, stream, protocol.NewClose("client closed"))
		cancel()
	}
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (mr *mirror) watcherList() []func(Update) {
	ids := make([]uint64, 0, len(mr.watchers))
	for id := range mr.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(Update), len(ids))
	for i, id := range ids {
		out[i] = mr.watchers[id]
	}
	return out
}

func (mr *mirror) handlerList() []func(json.RawMessage) {
	ids := make([]uint64, 0, len(mr.handlers))
	for id := range mr.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(json.RawMessage), len(ids))
	for i, id := range ids {
		out[i] = mr.handlers[id]
	}
	return out
}

func notify(watchers []func(Update), u Update) {
	for _, fn := range watchers {
		fn(u)
	}
}
