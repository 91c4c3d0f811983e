package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/sigsync/pkg/outbox"
	"github.com/vango-dev/sigsync/pkg/patch"
	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
	"github.com/vango-dev/sigsync/pkg/transport"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota // Created, loops not started
	StateActive                  // Serving frames
	StateClosing                 // Tearing down subscriptions and transport
	StateClosed                  // Released
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one live transport connection. It subscribes to signals on
// the peer's behalf, routes inbound patches and channel messages to the
// registry, and drains its outbox onto the stream.
//
// A Session is a registry.Subscriber; its Deliver only enqueues.
type Session struct {
	id        string
	createdAt time.Time

	stream   transport.Stream
	codec    protocol.Codec
	registry *registry.Registry
	outbox   *outbox.Outbox
	config   *SessionConfig
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	state      atomic.Int32
	lastActive atomic.Int64 // unix nanoseconds

	subsMu sync.Mutex
	subs   map[string]protocol.Kind

	// subsClosed is set by unsubscribeAll; later subscribes are refused.
	subsClosed bool

	closeCh    chan struct{}
	closeOnce  sync.Once
	closeCause error
	done       chan struct{}
	err        error // Terminal cause, valid after done is closed

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

// generateSessionID generates a cryptographically random session ID.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// newSession creates a session bound to stream. config must have defaults applied.
func newSession(stream transport.Stream, codec protocol.Codec, reg *registry.Registry, config *SessionConfig,
	logger *slog.Logger, metrics *Metrics, tracer trace.Tracer) *Session {
	id := generateSessionID()
	now := time.Now()
	s := &Session{
		id:        id,
		createdAt: now,
		stream:    stream,
		codec:     codec,
		registry:  reg,
		config:    config,
		logger:    logger.With("session_id", id),
		metrics:   metrics,
		tracer:    tracer,
		subs:      make(map[string]protocol.Kind),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	s.outbox = outbox.New(outbox.Config{
		Capacity: config.QueueCapacity,
		OnResync: func(signal string) {
			s.metrics.resync()
			s.logger.Debug("resync required", "signal", signal)
		},
		OnDrop: s.metrics.queueDrop,
	})
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Deliver implements registry.Subscriber.
func (s *Session) Deliver(m *protocol.Message) {
	s.outbox.Push(m)
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done returns a channel that's closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause that ended the session. It is only meaningful
// after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close asks the session to close. It does not wait; use Done.
func (s *Session) Close() {
	s.closeWithCause(ErrSessionClosed)
}

func (s *Session) closeWithCause(cause error) {
	s.closeOnce.Do(func() {
		s.closeCause = cause
		close(s.closeCh)
	})
}

// Run drives the session until the stream fails, the peer closes, the
// peer goes silent past the liveness timeout, Close is called, or ctx is
// done. It then unsubscribes from every signal, discards the outbox, and
// closes the stream. Run returns the cause.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return ErrSessionClosed
	}

	ctx, span := s.tracer.Start(ctx, "sigsync.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("sigsync.session_id", s.id),
			attribute.String("sigsync.wire_format", s.codec.Name()),
		))
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.logger.Info("session started", "wire_format", s.codec.Name())

	var writers sync.WaitGroup
	writers.Add(3)
	go func() {
		defer writers.Done()
		select {
		case <-s.closeCh:
			cancel(s.closeCause)
		case <-ctx.Done():
		}
	}()
	go func() {
		defer writers.Done()
		cancel(s.writeLoop(ctx))
	}()
	go func() {
		defer writers.Done()
		cancel(s.heartbeatLoop(ctx))
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		cancel(s.readLoop(ctx))
	}()

	<-ctx.Done()
	cause := context.Cause(ctx)

	// Closing: drop registry handles first so no new messages are queued.
	s.state.Store(int32(StateClosing))
	s.unsubscribeAll()
	s.outbox.Close()
	writers.Wait()

	if reason := closeReason(cause); reason != "" {
		s.writeClose(reason)
	}
	s.stream.Close()
	<-readDone

	s.state.Store(int32(StateClosed))
	s.err = cause
	close(s.done)

	if !isCleanClose(cause) {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	span.SetAttributes(
		attribute.Int64("sigsync.frames_in", int64(s.framesIn.Load())),
		attribute.Int64("sigsync.frames_out", int64(s.framesOut.Load())),
	)
	s.logger.Info("session closed",
		"cause", cause,
		"frames_in", s.framesIn.Load(),
		"frames_out", s.framesOut.Load(),
		"bytes_in", s.bytesIn.Load(),
		"bytes_out", s.bytesOut.Load())
	return cause
}

// closeReason returns the reason sent in a Close message, or "" when the
// transport is already gone or the peer asked to close.
func closeReason(cause error) string {
	switch {
	case errors.Is(cause, ErrServerShutdown):
		return "server shutting down"
	case errors.Is(cause, ErrLivenessTimeout):
		return "liveness timeout"
	case errors.Is(cause, ErrSessionClosed):
		return "session closed"
	default:
		return ""
	}
}

func (s *Session) writeClose(reason string) {
	data, err := s.codec.Encode(protocol.NewClose(reason))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()
	if err := s.stream.Write(ctx, data); err == nil {
		s.countOut(protocol.MsgClose, len(data))
	}
}

// readLoop decodes inbound frames and routes them. A malformed frame is
// answered with an Error message and does not end the session.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.stream.Read(ctx)
		if ctx.Err() != nil {
			// Frames read while closing are dropped.
			return ctx.Err()
		}
		if err != nil {
			if isCleanClose(err) {
				return err
			}
			return NewSessionError(s.id, "read", err)
		}
		s.touch()

		if int64(len(data)) > s.config.MaxMessageSize {
			s.sendError(protocol.ErrInvalidFrame, "", ErrMessageTooLarge.Error())
			continue
		}
		msg, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("frame decode error", "error", err)
			s.sendError(protocol.ErrInvalidFrame, "", err.Error())
			continue
		}
		s.framesIn.Add(1)
		s.bytesIn.Add(uint64(len(data)))
		s.metrics.frameReceived(msg.Type, len(data))

		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// writeLoop drains the outbox onto the stream.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		m, err := s.outbox.Next(ctx)
		if err != nil {
			if errors.Is(err, outbox.ErrClosed) {
				return ErrSessionClosed
			}
			return err
		}
		data, err := s.codec.Encode(m)
		if err != nil {
			s.logger.Error("encode failed", "message", m.String(), "error", err)
			if m.Type != protocol.MsgError {
				s.sendError(protocol.ErrServerError, m.Signal, err.Error())
			}
			continue
		}
		if err := s.stream.Write(ctx, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isCleanClose(err) {
				return err
			}
			return NewSessionError(s.id, "write", err)
		}
		s.countOut(m.Type, len(data))
	}
}

func (s *Session) countOut(mt protocol.MessageType, n int) {
	s.framesOut.Add(1)
	s.bytesOut.Add(uint64(n))
	s.metrics.frameSent(mt, n)
}

// heartbeatLoop queues pings and enforces the liveness timeout.
func (s *Session) heartbeatLoop(ctx context.Context) error {
	interval := s.config.HeartbeatInterval
	liveness := s.config.LivenessTimeout

	tick := interval
	if liveness > 0 && (tick == 0 || liveness/2 < tick) {
		tick = liveness / 2
	}
	if tick <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lastPing := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if liveness > 0 && now.Sub(s.LastActive()) > liveness {
				s.logger.Info("peer silent past liveness timeout", "timeout", liveness)
				return ErrLivenessTimeout
			}
			if interval > 0 && now.Sub(lastPing) >= interval {
				s.outbox.Push(protocol.NewPing(uint64(now.UnixMilli())))
				lastPing = now
			}
		}
	}
}

// handle routes one inbound message. It returns a non-nil error only when
// the session must close.
func (s *Session) handle(ctx context.Context, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.MsgSubscribe:
		s.handleSubscribe(msg)
	case protocol.MsgUnsubscribe:
		s.handleUnsubscribe(msg.Signal)
	case protocol.MsgPatch:
		s.handlePatch(ctx, msg)
	case protocol.MsgChannel:
		s.handleChannel(msg)
	case protocol.MsgPing:
		s.outbox.Push(protocol.NewPong(msg.Timestamp))
	case protocol.MsgPong:
		// Liveness was refreshed by the read.
	case protocol.MsgClose:
		s.logger.Debug("peer closed", "reason", msg.Reason)
		return ErrClosedByPeer
	default:
		s.sendError(protocol.ErrInvalidMessage, msg.Signal,
			fmt.Sprintf("unexpected %s from client", msg.Type))
	}
	return nil
}

func (s *Session) handleSubscribe(msg *protocol.Message) {
	name := msg.Signal
	kind, ok := s.registry.Kind(name)
	if !ok {
		switch msg.Kind {
		case protocol.KindBidirectional, protocol.KindChannel:
			if _, err := s.registry.GetOrCreate(name, msg.Kind, nil); err != nil {
				s.replyError(name, err)
				return
			}
			kind = msg.Kind
			s.logger.Debug("signal declared by client", "signal", name, "kind", kind.String())
		case protocol.KindServer:
			s.sendError(protocol.ErrReadOnly, name, "server signals cannot be declared by clients")
			return
		default:
			s.sendError(protocol.ErrSignalNotFound, name, "signal not found")
			return
		}
	} else if msg.Kind != protocol.KindUnspecified && msg.Kind != kind {
		s.sendError(protocol.ErrKindMismatch, name,
			fmt.Sprintf("signal is %s, not %s", kind, msg.Kind))
		return
	}

	// The registry call stays under subsMu so it cannot land after
	// unsubscribeAll has run.
	s.subsMu.Lock()
	if s.subsClosed {
		s.subsMu.Unlock()
		return
	}
	_, version, err := s.registry.Subscribe(name, s)
	if err == nil {
		s.subs[name] = kind
	}
	s.subsMu.Unlock()

	if err != nil {
		s.replyError(name, err)
		return
	}
	s.logger.Debug("subscribed", "signal", name, "version", version)
}

func (s *Session) handleUnsubscribe(name string) {
	s.registry.Unsubscribe(name, s.id)
	s.outbox.Forget(name)
	s.subsMu.Lock()
	delete(s.subs, name)
	s.subsMu.Unlock()
}

func (s *Session) handlePatch(ctx context.Context, msg *protocol.Message) {
	name := msg.Signal
	if !s.Subscribed(name) {
		s.sendError(protocol.ErrInvalidMessage, name, "patch for a signal that is not subscribed")
		return
	}

	next, err := s.registry.ApplyRemotePatch(ctx, name, msg.Version, msg.Patch, s.id)
	var ae *patch.ApplyError
	switch {
	case err == nil:
		if next == msg.Version {
			// Accepted but changed nothing; the peer already assumed a bump.
			s.outbox.Resync(name)
		}
	case errors.Is(err, registry.ErrVersionConflict), errors.As(err, &ae):
		s.logger.Debug("remote patch rejected", "signal", name, "version", msg.Version, "error", err)
		s.outbox.Resync(name)
	default:
		s.replyError(name, err)
	}
}

func (s *Session) handleChannel(msg *protocol.Message) {
	if _, err := s.registry.PublishChannel(msg.Signal, msg.Payload, s.id); err != nil {
		s.replyError(msg.Signal, err)
	}
}

// replyError maps a registry error to an Error message.
func (s *Session) replyError(signal string, err error) {
	code := protocol.ErrServerError
	switch {
	case errors.Is(err, registry.ErrSignalNotFound):
		code = protocol.ErrSignalNotFound
	case errors.Is(err, registry.ErrKindMismatch),
		errors.Is(err, registry.ErrNotStateful),
		errors.Is(err, registry.ErrNotChannel):
		code = protocol.ErrKindMismatch
	case errors.Is(err, registry.ErrReadOnly):
		code = protocol.ErrReadOnly
	case errors.Is(err, patch.ErrInvalidSnapshot),
		errors.Is(err, registry.ErrInvalidName):
		code = protocol.ErrInvalidMessage
	default:
		s.logger.Error("signal operation failed", "signal", signal, "error", err)
	}
	s.sendError(code, signal, err.Error())
}

func (s *Session) sendError(code protocol.ErrorCode, signal, reason string) {
	s.metrics.protocolError(code)
	s.outbox.Push(protocol.NewError(code, signal, reason))
}

func (s *Session) unsubscribeAll() {
	s.subsMu.Lock()
	names := make([]string, 0, len(s.subs))
	for name := range s.subs {
		names = append(names, name)
	}
	s.subs = make(map[string]protocol.Kind)
	s.subsClosed = true
	for _, name := range names {
		s.registry.Unsubscribe(name, s.id)
	}
	s.subsMu.Unlock()
}

// Subscribed reports whether the session is subscribed to name.
func (s *Session) Subscribed(name string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	_, ok := s.subs[name]
	return ok
}

// Subscriptions returns the subscribed signal names in sorted order.
func (s *Session) Subscriptions() []string {
	s.subsMu.Lock()
	names := make([]string, 0, len(s.subs))
	for name := range s.subs {
		names = append(names, name)
	}
	s.subsMu.Unlock()
	sort.Strings(names)
	return names
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last inbound frame.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Stats returns session statistics.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:            s.id,
		State:         s.State(),
		CreatedAt:     s.createdAt,
		LastActive:    s.LastActive(),
		Subscriptions: len(s.Subscriptions()),
		Queued:        s.outbox.Len(),
		FramesIn:      s.framesIn.Load(),
		FramesOut:     s.framesOut.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
	}
}

// SessionStats contains session statistics.
type SessionStats struct {
	ID            string
	State         State
	CreatedAt     time.Time
	LastActive    time.Time
	Subscriptions int
	Queued        int
	FramesIn      uint64
	FramesOut     uint64
	BytesIn       uint64
	BytesOut      uint64
}
