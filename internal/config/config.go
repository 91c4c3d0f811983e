package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/vango-dev/sigsync/internal/errors"
	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
	"github.com/vango-dev/sigsync/pkg/server"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "sigsync.yaml"

	// DefaultAddress is the default listen address.
	DefaultAddress = ":8080"

	// DefaultPath is the default WebSocket endpoint.
	DefaultPath = "/ws"

	// DefaultWireFormat is the default codec name.
	DefaultWireFormat = "binary"
)

// Config represents the complete sigsync.yaml configuration.
type Config struct {
	// Server contains listener settings.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Session contains per-connection settings.
	Session SessionConfig `yaml:"session,omitempty" json:"session,omitempty"`

	// Log contains logging settings.
	Log LogConfig `yaml:"log,omitempty" json:"log,omitempty"`

	// Signals are declared on startup.
	Signals []SignalConfig `yaml:"signals,omitempty" json:"signals,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	// Path is the WebSocket endpoint.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// WireFormat is "binary" or "json".
	WireFormat string `yaml:"wireFormat,omitempty" json:"wireFormat,omitempty"`

	// MaxSessions limits concurrent sessions. 0 means no limit.
	MaxSessions int `yaml:"maxSessions,omitempty" json:"maxSessions,omitempty"`

	// AllowAllOrigins disables the same-origin check on upgrade.
	AllowAllOrigins bool `yaml:"allowAllOrigins,omitempty" json:"allowAllOrigins,omitempty"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "30s").
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`

	// Metrics enables the /metrics endpoint.
	Metrics *bool `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// SessionConfig contains per-connection settings. Durations are strings
// such as "30s"; "0" or "off" disables a timer.
type SessionConfig struct {
	QueueCapacity     int    `yaml:"queueCapacity,omitempty" json:"queueCapacity,omitempty"`
	HeartbeatInterval string `yaml:"heartbeatInterval,omitempty" json:"heartbeatInterval,omitempty"`
	LivenessTimeout   string `yaml:"livenessTimeout,omitempty" json:"livenessTimeout,omitempty"`
	WriteTimeout      string `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	MaxMessageSize    int64  `yaml:"maxMessageSize,omitempty" json:"maxMessageSize,omitempty"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is text or json.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// SignalConfig declares one signal.
type SignalConfig struct {
	Name string `yaml:"name" json:"name"`

	// Kind is server, bidirectional or channel.
	Kind string `yaml:"kind" json:"kind"`

	// Initial is the starting value of a stateful signal. Absent means null.
	Initial any `yaml:"initial,omitempty" json:"initial,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads configuration from the specified directory.
// It looks for sigsync.yaml in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path. JSON files are
// accepted as well, being valid YAML.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E121").
				WithDetail("No " + filepath.Base(path) + " found in " + filepath.Dir(path))
		}
		return nil, errors.New("E120").Wrap(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		if d, ok := err.(*errors.Diagnostic); ok && d.Location == nil {
			d.Location = &errors.Location{File: path}
		}
		return nil, err
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse decodes a configuration document and fills in defaults. Unknown
// fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, errors.New("E120").
			WithDetail(yaml.FormatError(err, false, true))
	}
	cfg.applyDefaults()
	return cfg, nil
}

// SaveTo writes the configuration to the specified path as YAML.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.New("E120").Wrap(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E120").Wrap(err)
	}
	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.WireFormat == "" {
		c.Server.WireFormat = DefaultWireFormat
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}
	if c.Server.Metrics == nil {
		enabled := true
		c.Server.Metrics = &enabled
	}
	if c.Session.HeartbeatInterval == "" {
		c.Session.HeartbeatInterval = "30s"
	}
	if c.Session.LivenessTimeout == "" {
		c.Session.LivenessTimeout = "90s"
	}
	if c.Session.WriteTimeout == "" {
		c.Session.WriteTimeout = "10s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// MetricsEnabled reports whether the /metrics endpoint is served.
func (c *Config) MetricsEnabled() bool {
	return c.Server.Metrics == nil || *c.Server.Metrics
}

// Validate checks if the configuration is valid. It reports every problem
// at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := c.ServerConfig(); err != nil {
		add("%v", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		add("%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format must be text or json, got %q", c.Log.Format)
	}
	if len(problems) > 0 {
		return errors.New("E122").WithDetail(strings.Join(problems, "\n"))
	}

	seen := make(map[string]bool, len(c.Signals))
	for i, sig := range c.Signals {
		switch {
		case sig.Name == "":
			add("signals[%d]: name is required", i)
		case seen[sig.Name]:
			add("signals[%d]: duplicate name %q", i, sig.Name)
		}
		seen[sig.Name] = true
		kind, err := protocol.ParseKind(sig.Kind)
		if err != nil || !kind.Valid() {
			add("signals[%d]: kind must be server, bidirectional or channel, got %q", i, sig.Kind)
			continue
		}
		if _, err := sig.InitialJSON(); err != nil {
			add("signals[%d]: initial: %v", i, err)
		}
		if kind == protocol.KindChannel && sig.Initial != nil {
			add("signals[%d]: channel %q cannot have an initial value", i, sig.Name)
		}
	}
	if len(problems) > 0 {
		return errors.New("E123").WithDetail(strings.Join(problems, "\n"))
	}
	return nil
}

// ServerConfig converts the file settings into a server configuration.
func (c *Config) ServerConfig() (*server.ServerConfig, error) {
	shutdown, err := parseDuration("server.shutdownTimeout", c.Server.ShutdownTimeout)
	if err != nil {
		return nil, err
	}
	heartbeat, err := parseDuration("session.heartbeatInterval", c.Session.HeartbeatInterval)
	if err != nil {
		return nil, err
	}
	liveness, err := parseDuration("session.livenessTimeout", c.Session.LivenessTimeout)
	if err != nil {
		return nil, err
	}
	write, err := parseDuration("session.writeTimeout", c.Session.WriteTimeout)
	if err != nil {
		return nil, err
	}

	sc := server.DefaultServerConfig()
	sc.Address = c.Server.Address
	sc.Path = c.Server.Path
	sc.WireFormat = c.Server.WireFormat
	sc.MaxSessions = c.Server.MaxSessions
	sc.ShutdownTimeout = shutdown
	if c.Server.AllowAllOrigins {
		sc.CheckOrigin = server.AllowAllOrigins
	}
	if c.Session.QueueCapacity > 0 {
		sc.SessionConfig.QueueCapacity = c.Session.QueueCapacity
	}
	if c.Session.MaxMessageSize > 0 {
		sc.SessionConfig.MaxMessageSize = c.Session.MaxMessageSize
	}
	sc.SessionConfig.HeartbeatInterval = disabledAsNegative(heartbeat)
	sc.SessionConfig.LivenessTimeout = disabledAsNegative(liveness)
	sc.SessionConfig.WriteTimeout = write
	if err := sc.ValidateConfig(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Declare creates every configured signal in reg. Signals that already exist
// with the same kind are left untouched.
func (c *Config) Declare(reg *registry.Registry) error {
	for _, sig := range c.Signals {
		kind, err := protocol.ParseKind(sig.Kind)
		if err != nil {
			return errors.New("E123").Wrap(err)
		}
		initial, err := sig.InitialJSON()
		if err != nil {
			return errors.New("E123").Wrap(err)
		}
		if _, err := reg.GetOrCreate(sig.Name, kind, initial); err != nil {
			return errors.New("E123").Wrap(err)
		}
	}
	return nil
}

// NewLogger builds the logger described by the Log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// InitialJSON returns the initial value encoded as JSON, or nil when unset.
func (s SignalConfig) InitialJSON() (json.RawMessage, error) {
	if s.Initial == nil {
		return nil, nil
	}
	return json.Marshal(normalize(s.Initial))
}

// normalize converts YAML mappings with non-string keys into JSON objects.
func normalize(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "0" || s == "off" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

// disabledAsNegative maps a zero duration to the server's "disabled" value;
// zero there means "use the default".
func disabledAsNegative(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", s)
	}
	return level, nil
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindProjectRoot walks up directories to find the directory containing
// sigsync.yaml.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E121").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}
