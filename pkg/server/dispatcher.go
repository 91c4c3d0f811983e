package server

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
	"github.com/vango-dev/sigsync/pkg/transport"
)

const tracerName = "github.com/vango-dev/sigsync/pkg/server"

// Option configures a Dispatcher or Server.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	metrics        *Metrics
	tracerProvider trace.TracerProvider
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records session and frame metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets the tracer provider. Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	return o
}

// Dispatcher turns accepted streams into sessions bound to one registry.
type Dispatcher struct {
	registry *registry.Registry
	sessions *SessionManager
	config   *SessionConfig
	codec    protocol.Codec
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// NewDispatcher creates a Dispatcher. Only the session settings, MaxSessions
// and WireFormat of config are used; nil means DefaultServerConfig().
func NewDispatcher(reg *registry.Registry, config *ServerConfig, opts ...Option) (*Dispatcher, error) {
	config = config.withDefaults()
	codec, err := protocol.CodecByName(config.WireFormat)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	logger := o.logger.With("component", "dispatcher")
	return &Dispatcher{
		registry: reg,
		sessions: NewSessionManager(config.MaxSessions, o.logger),
		config:   config.SessionConfig,
		codec:    codec,
		logger:   logger,
		metrics:  o.metrics,
		tracer:   o.tracerProvider.Tracer(tracerName),
	}, nil
}

// Accept serves stream with the default wire format until the session ends.
func (d *Dispatcher) Accept(ctx context.Context, stream transport.Stream) error {
	return d.AcceptWithCodec(ctx, stream, d.codec)
}

// AcceptWithCodec serves stream with codec until the session ends. It
// returns ErrMaxSessionsReached, after telling the peer, when the stream is
// refused; nil when the session ended cleanly; and a *SessionError when the
// transport failed.
func (d *Dispatcher) AcceptWithCodec(ctx context.Context, stream transport.Stream, codec protocol.Codec) error {
	s := newSession(stream, codec, d.registry, d.config, d.logger, d.metrics, d.tracer)
	if err := d.sessions.Register(s); err != nil {
		if errors.Is(err, ErrMaxSessionsReached) {
			d.metrics.sessionRejected()
		}
		d.refuse(ctx, stream, codec, err)
		return err
	}
	d.metrics.sessionOpened()
	defer func() {
		d.sessions.Remove(s.ID())
		d.metrics.sessionClosed()
	}()

	err := s.Run(ctx)
	if isCleanClose(err) {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return err
	}
	return NewSessionError(s.ID(), "run", err)
}

// refuse tells the peer why its stream was not accepted, then closes it.
func (d *Dispatcher) refuse(ctx context.Context, stream transport.Stream, codec protocol.Codec, cause error) {
	defer stream.Close()
	d.logger.Warn("stream refused", "error", cause)
	data, err := codec.Encode(protocol.NewError(protocol.ErrServerError, "", cause.Error()))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.WriteTimeout)
	defer cancel()
	stream.Write(ctx, data)
}

// Sessions returns the session manager.
func (d *Dispatcher) Sessions() *SessionManager {
	return d.sessions
}

// Registry returns the registry sessions are bound to.
func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Shutdown closes every session and waits for them to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.sessions.Shutdown(ctx)
}
