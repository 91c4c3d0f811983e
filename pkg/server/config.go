package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vango-dev/sigsync/pkg/protocol"
)

// SessionConfig holds configuration for individual sessions.
type SessionConfig struct {
	// Queue

	// QueueCapacity is the capacity of each session's outbound queue.
	// Default: 256.
	QueueCapacity int

	// Timeouts

	// WriteTimeout is the maximum time to wait when sending a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between heartbeat pings.
	// 0 disables pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// LivenessTimeout closes a session that has sent nothing for this long.
	// 0 disables the check.
	// Default: 90 seconds.
	LivenessTimeout time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming frame.
	// Default: 1MB.
	MaxMessageSize int64
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		QueueCapacity:     256,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LivenessTimeout:   90 * time.Second,
		MaxMessageSize:    1024 * 1024, // 1MB
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// withDefaults returns a copy with unset fields filled from DefaultSessionConfig.
// Negative durations disable the corresponding timer.
func (c *SessionConfig) withDefaults() *SessionConfig {
	defaults := DefaultSessionConfig()
	if c == nil {
		return defaults
	}
	out := c.Clone()
	if out.QueueCapacity <= 0 {
		out.QueueCapacity = defaults.QueueCapacity
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	if out.HeartbeatInterval < 0 {
		out.HeartbeatInterval = 0
	}
	if out.LivenessTimeout < 0 {
		out.LivenessTimeout = 0
	}
	return out
}

// ServerConfig holds configuration for the HTTP/WebSocket server.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// Path is the WebSocket endpoint.
	// Default: "/ws".
	Path string

	// WireFormat selects the default codec: "binary" or "json". Clients
	// may override it per connection with the "format" query parameter.
	// Default: "binary".
	WireFormat string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// MaxSessions is the maximum number of concurrent sessions.
	// 0 means no limit.
	MaxSessions int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:           ":8080",
		Path:              "/ws",
		WireFormat:        "binary",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		SessionConfig:     DefaultSessionConfig(),
		ShutdownTimeout:   30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxSessions:       0, // No limit
	}
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
// Requests without an Origin header (non-browser clients) are allowed.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// AllowAllOrigins accepts every origin. Use only behind a trusted proxy.
func AllowAllOrigins(*http.Request) bool {
	return true
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.SessionConfig != nil {
		clone.SessionConfig = c.SessionConfig.Clone()
	}
	return &clone
}

// withDefaults returns a copy with unset fields filled from DefaultServerConfig.
func (c *ServerConfig) withDefaults() *ServerConfig {
	defaults := DefaultServerConfig()
	if c == nil {
		return defaults
	}
	out := c.Clone()
	if out.Address == "" {
		out.Address = defaults.Address
	}
	if out.Path == "" {
		out.Path = defaults.Path
	}
	if out.WireFormat == "" {
		out.WireFormat = defaults.WireFormat
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = defaults.ReadBufferSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = defaults.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = defaults.CheckOrigin
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.ReadHeaderTimeout == 0 {
		out.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	out.SessionConfig = out.SessionConfig.withDefaults()
	return out
}

// WithAddress sets the server address and returns the config for chaining.
func (c *ServerConfig) WithAddress(addr string) *ServerConfig {
	c.Address = addr
	return c
}

// WithSessionConfig sets the session configuration and returns the config for chaining.
func (c *ServerConfig) WithSessionConfig(sc *SessionConfig) *ServerConfig {
	c.SessionConfig = sc
	return c
}

// WithMaxSessions sets the maximum sessions and returns the config for chaining.
func (c *ServerConfig) WithMaxSessions(max int) *ServerConfig {
	c.MaxSessions = max
	return c
}

// ValidateConfig reports configuration errors.
func (c *ServerConfig) ValidateConfig() error {
	var errs []error
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("MaxSessions must be >= 0, got %d", c.MaxSessions))
	}
	if _, err := protocol.CodecByName(c.WireFormat); err != nil {
		errs = append(errs, err)
	}
	if c.Path != "" && c.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("Path must start with '/', got %q", c.Path))
	}
	if sc := c.SessionConfig; sc != nil {
		if sc.LivenessTimeout > 0 && sc.HeartbeatInterval > 0 && sc.LivenessTimeout <= sc.HeartbeatInterval {
			errs = append(errs, fmt.Errorf("LivenessTimeout (%s) must exceed HeartbeatInterval (%s)",
				sc.LivenessTimeout, sc.HeartbeatInterval))
		}
		if sc.MaxMessageSize > protocol.MaxPayloadSize+protocol.FrameHeaderSize {
			errs = append(errs, fmt.Errorf("MaxMessageSize must be <= %d", protocol.MaxPayloadSize+protocol.FrameHeaderSize))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
