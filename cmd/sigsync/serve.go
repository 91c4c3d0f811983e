package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/sigsync/internal/config"
	"github.com/vango-dev/sigsync/internal/errors"
	"github.com/vango-dev/sigsync/pkg/registry"
	"github.com/vango-dev/sigsync/pkg/server"
)

type serveOptions struct {
	configPath  string
	address     string
	format      string
	maxSessions int
	logLevel    string
	anyOrigin   bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a signal server",
		Long: `Run a signal server.

Settings are read from sigsync.yaml in the current directory or the
nearest parent, or from --config. Flags override file values. Without a
configuration file the server starts with defaults and no signals;
clients may still declare bidirectional signals and channels.

Examples:
  sigsync serve
  sigsync serve --config deploy/sigsync.yaml
  sigsync serve --addr :9000 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to sigsync.yaml")
	cmd.Flags().StringVarP(&opts.address, "addr", "a", "", "Address to listen on")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Default wire format (binary or json)")
	cmd.Flags().IntVar(&opts.maxSessions, "max-sessions", 0, "Maximum concurrent sessions (0 = no limit)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.anyOrigin, "allow-all-origins", false, "Accept WebSocket upgrades from any origin")

	return cmd
}

// apply copies explicitly set flags over the file values.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Address = o.address
	}
	if flags.Changed("format") {
		cfg.Server.WireFormat = o.format
	}
	if flags.Changed("max-sessions") {
		cfg.Server.MaxSessions = o.maxSessions
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("allow-all-origins") {
		cfg.Server.AllowAllOrigins = o.anyOrigin
	}
}

// loadConfig reads path, or the nearest sigsync.yaml, or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := config.FindProjectRoot(wd)
	if err != nil {
		return config.New(), nil
	}
	return config.Load(root)
}

func runServe(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc, err := cfg.ServerConfig()
	if err != nil {
		return errors.New("E122").Wrap(err)
	}
	logger := cfg.NewLogger(os.Stderr)

	regOpts := []registry.Option{registry.WithLogger(logger)}
	srvOpts := []server.Option{server.WithLogger(logger)}
	if cfg.MetricsEnabled() {
		metrics := server.NewMetrics()
		regOpts = append(regOpts, registry.WithObserver(metrics))
		srvOpts = append(srvOpts, server.WithMetrics(metrics))
	}

	reg := registry.New(regOpts...)
	if err := cfg.Declare(reg); err != nil {
		return err
	}
	srv, err := server.New(reg, sc, srvOpts...)
	if err != nil {
		return errors.New("E122").Wrap(err)
	}

	success("Serving %d signals on %s%s (%s)", reg.Len(), bold(sc.Address), sc.Path, sc.WireFormat)
	if cfg.Path() != "" {
		info("config: %s", faint(cfg.Path()))
	}
	if err := srv.Run(); err != nil {
		return errors.New("E141").Wrap(err)
	}
	return nil
}
