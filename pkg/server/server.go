package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
	"github.com/vango-dev/sigsync/pkg/transport"
)

// Server is the HTTP/WebSocket front end of a registry.
//
// Routes:
//
//	{Path}            WebSocket endpoint (?format=binary|json)
//	GET /signals      names, kinds and versions of every signal
//	GET /signals/{name}
//	GET /healthz      liveness and session counts
//	GET /metrics      Prometheus exposition, when metrics are enabled
type Server struct {
	config     *ServerConfig
	registry   *registry.Registry
	dispatcher *Dispatcher
	metrics    *Metrics

	// WebSocket upgrader
	upgrader websocket.Upgrader

	router     chi.Router
	httpServer *http.Server

	// Lifetime of hijacked connections; canceled by Shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	logger *slog.Logger
}

// New creates a Server for reg. A nil config means DefaultServerConfig();
// unset fields are filled from the defaults.
func New(reg *registry.Registry, config *ServerConfig, opts ...Option) (*Server, error) {
	config = config.withDefaults()
	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	dispatcher, err := NewDispatcher(reg, config, opts...)
	if err != nil {
		return nil, err
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		registry:   reg,
		dispatcher: dispatcher,
		metrics:    o.metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		logger:     o.logger.With("component", "server"),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.HandleFunc(s.config.Path, s.HandleWebSocket)
	r.Get("/signals", s.handleListSignals)
	r.Get("/signals/{name}", s.handleGetSignal)
	r.Get("/healthz", s.handleHealth)
	if g := s.metrics.Gatherer(); g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler returns the HTTP handler, for mounting under another router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HandleWebSocket upgrades the request and serves one session on it until
// the session ends.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	codec := s.dispatcher.codec
	if format := r.URL.Query().Get("format"); format != "" {
		c, err := protocol.CodecByName(format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		codec = c
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(s.config.SessionConfig.MaxMessageSize)

	stream := transport.NewWebSocketStream(conn, codec.Binary(), s.config.SessionConfig.WriteTimeout)
	if err := s.dispatcher.AcceptWithCodec(s.baseCtx, stream, codec); err != nil {
		s.logger.Warn("session ended with error", "error", err, "remote", r.RemoteAddr)
	}
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	infos := make([]registry.Info, 0, len(names))
	for _, name := range names {
		info, err := s.registry.Info(name)
		if err != nil {
			continue // Removed concurrently
		}
		info.Snapshot = nil
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Info(chi.URLParam(r, "name"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrSignalNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"signals":  s.registry.Len(),
		"sessions": s.dispatcher.Sessions().Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	s.logger.Info("server starting", "address", l.Addr().String(), "path", s.config.Path)
	if err := s.httpServer.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run listens on the configured address and blocks until SIGINT, SIGTERM
// or a listener failure, then shuts down gracefully.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}

	// Set up graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every session, then stops the HTTP server. It waits at
// most ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	// Close all sessions first
	sessErr := s.dispatcher.Shutdown(ctx)
	s.baseCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	if sessErr != nil {
		return sessErr
	}

	s.logger.Info("server shutdown complete")
	return nil
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.dispatcher.Sessions()
}

// Dispatcher returns the dispatcher serving WebSocket streams.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Registry returns the registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
