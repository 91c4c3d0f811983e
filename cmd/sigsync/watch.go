package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/sigsync/internal/errors"
	"github.com/vango-dev/sigsync/pkg/client"
	"github.com/vango-dev/sigsync/pkg/protocol"
)

// connFlags are the connection flags shared by the client commands.
type connFlags struct {
	url      string
	format   string
	timeout  time.Duration
	logLevel string
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.url, "url", "u", "ws://localhost:8080/ws", "Server WebSocket URL")
	cmd.Flags().StringVarP(&f.format, "format", "f", "binary", "Wire format (binary or json)")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 10*time.Second, "Time to wait for the server")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "warn", "Client log level")
}

// newClient builds a client; server Error messages go to onError.
func (f *connFlags) newClient(onError func(*protocol.Message)) (*client.Client, error) {
	codec, err := protocol.CodecByName(f.format)
	if err != nil {
		return nil, errors.New("E140").Wrap(err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, errors.New("E140").Wrap(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return client.New(f.url,
		client.WithCodec(codec),
		client.WithLogger(logger),
		client.WithErrorHandler(onError),
	), nil
}

func watchCmd() *cobra.Command {
	var (
		conn connFlags
		kind string
		diff bool
	)

	cmd := &cobra.Command{
		Use:   "watch <signal>...",
		Short: "Print signal changes as they happen",
		Long: `Subscribe to signals and print every change.

Each stateful signal prints its snapshot on subscribe and after every
patch. Channels print each message. With --diff, changes are shown as a
line diff of the pretty-printed value instead.

The connection is re-established automatically until interrupted.

Examples:
  sigsync watch count
  sigsync watch doc --diff
  sigsync watch chat --kind channel`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := protocol.ParseKind(kind)
			if err != nil {
				return errors.New("E140").Wrap(err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := conn.newClient(func(m *protocol.Message) {
				errors.Fprint(cmd.ErrOrStderr(), errors.FromMessage(m))
			})
			if err != nil {
				return err
			}
			if err := watch(ctx, c, cmd.OutOrStdout(), args, k, diff); err != nil {
				return err
			}
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				return errors.New("E080").Wrap(err)
			}
			return nil
		},
	}

	conn.register(cmd)
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Declare missing signals with this kind (bidirectional or channel)")
	cmd.Flags().BoolVarP(&diff, "diff", "d", false, "Print changes as a diff")

	return cmd
}

// watch subscribes c to every name and prints what arrives to out.
func watch(ctx context.Context, c *client.Client, out io.Writer, names []string, kind protocol.Kind, diff bool) error {
	var mu sync.Mutex
	previous := make(map[string][]byte)

	for _, name := range names {
		if err := c.Subscribe(ctx, name, kind); err != nil {
			return err
		}
		if kind == protocol.KindChannel {
			if _, err := c.OnMessage(name, func(payload json.RawMessage) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "%s %s\n", bold(name), compact(payload))
			}); err != nil {
				return err
			}
			continue
		}
		if _, err := c.Watch(name, func(u client.Update) {
			mu.Lock()
			defer mu.Unlock()
			prev, seen := previous[u.Signal]
			previous[u.Signal] = u.Snapshot
			if !diff || !seen || u.Hydrate {
				fmt.Fprintln(out, formatUpdate(u))
				return
			}
			fmt.Fprintf(out, "%s %s\n%s", bold(u.Signal), faint(fmt.Sprintf("@%d", u.Version)), renderDiff(prev, u.Snapshot))
		}); err != nil {
			return err
		}
	}
	return nil
}

func setCmd() *cobra.Command {
	var (
		conn   connFlags
		create bool
	)

	cmd := &cobra.Command{
		Use:   "set <signal> <json>",
		Short: "Replace the value of a bidirectional signal",
		Long: `Connect, replace the value of a bidirectional signal and disconnect.

Examples:
  sigsync set doc '{"title":"hello"}'
  sigsync set draft '"text"' --create`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, value := args[0], json.RawMessage(args[1])
			if !json.Valid(value) {
				return errors.New("E140").WithDetail("value is not valid JSON: " + args[1])
			}
			kind := protocol.KindUnspecified
			if create {
				kind = protocol.KindBidirectional
			}

			return oneShot(cmd.Context(), &conn, func(ctx context.Context, c *client.Client) error {
				if err := c.Subscribe(ctx, name, kind); err != nil {
					return err
				}
				if _, _, err := c.Wait(ctx, name, 0); err != nil {
					return err
				}
				if err := c.Set(ctx, name, value); err != nil {
					if stderrors.Is(err, client.ErrReadOnly) {
						return errors.New("E064").Wrap(err)
					}
					return err
				}
				_, version, _ := c.Get(name)
				success("%s set at version %d", name, version)
				return nil
			})
		},
	}

	conn.register(cmd)
	cmd.Flags().BoolVar(&create, "create", false, "Declare the signal as bidirectional if it does not exist")

	return cmd
}

func sendCmd() *cobra.Command {
	var conn connFlags

	cmd := &cobra.Command{
		Use:   "send <channel> <json>",
		Short: "Publish one message on a channel",
		Long: `Connect, publish one message on a channel and disconnect.
The channel is declared if it does not exist.

Example:
  sigsync send chat '{"text":"hi"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, payload := args[0], json.RawMessage(args[1])
			if !json.Valid(payload) {
				return errors.New("E140").WithDetail("payload is not valid JSON: " + args[1])
			}

			return oneShot(cmd.Context(), &conn, func(ctx context.Context, c *client.Client) error {
				if err := c.WaitConnected(ctx); err != nil {
					return err
				}
				if err := c.Subscribe(ctx, name, protocol.KindChannel); err != nil {
					return err
				}
				if err := c.Send(ctx, name, payload); err != nil {
					return err
				}
				success("sent to %s", name)
				return nil
			})
		},
	}

	conn.register(cmd)

	return cmd
}

// oneShot connects, runs fn and disconnects. A server Error message
// aborts fn with the corresponding diagnostic.
func oneShot(parent context.Context, conn *connFlags, fn func(context.Context, *client.Client) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	ctx, stop := context.WithTimeout(ctx, conn.timeout)
	defer stop()

	c, err := conn.newClient(func(m *protocol.Message) {
		cancel(errors.FromMessage(m))
	})
	if err != nil {
		return err
	}
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	err = fn(ctx, c)
	c.Close()
	<-runDone

	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && !stderrors.Is(cause, context.Canceled) {
		if stderrors.Is(cause, context.DeadlineExceeded) {
			return errors.New("E080").WithDetail("no answer from " + conn.url + " within " + conn.timeout.String())
		}
		return cause
	}
	return err
}
