package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/vango-dev/sigsync/internal/config"
	"github.com/vango-dev/sigsync/pkg/client"
	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
	"github.com/vango-dev/sigsync/pkg/server"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version", "--short"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != version {
		t.Errorf("version --short = %q, want %q", got, version)
	}
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	cmd := serveCmd()
	if err := cmd.ParseFlags([]string{"--addr", ":9999", "--format", "json", "--log-level", "debug"}); err != nil {
		t.Fatalf("ParseFlags() error: %v", err)
	}
	var opts serveOptions
	opts.address = ":9999"
	opts.format = "json"
	opts.logLevel = "debug"

	cfg := config.New()
	cfg.Server.MaxSessions = 5
	opts.apply(cmd, cfg)
	if cfg.Server.Address != ":9999" || cfg.Server.WireFormat != "json" || cfg.Log.Level != "debug" {
		t.Errorf("overridden config = %+v / %+v", cfg.Server, cfg.Log)
	}
	if cfg.Server.MaxSessions != 5 {
		t.Errorf("MaxSessions = %d; unset flags must not override", cfg.Server.MaxSessions)
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":7777\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Server.Address != ":7777" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadConfig() of a missing explicit path should fail")
	}
}

func TestFormatUpdate(t *testing.T) {
	got := formatUpdate(client.Update{Signal: "doc", Version: 3, Snapshot: json.RawMessage("{\n \"a\": 1\n}"), Hydrate: true})
	if got != `doc @3 (snapshot) {"a":1}` {
		t.Errorf("formatUpdate() = %q", got)
	}
	got = formatUpdate(client.Update{Signal: "n", Version: 4, Snapshot: json.RawMessage(`5`)})
	if got != `n @4 5` {
		t.Errorf("formatUpdate() = %q", got)
	}
}

func TestRenderDiff(t *testing.T) {
	old := []byte(`{"a":1,"b":2,"c":3,"d":4,"e":5,"f":6,"g":7}`)
	new := []byte(`{"a":1,"b":2,"c":3,"d":40,"e":5,"f":6,"g":7}`)
	out := renderDiff(old, new)

	for _, want := range []string{`-   "d": 4,`, `+   "d": 40,`, `    "c": 3,`, `    "e": 5,`, "  ..."} {
		if !strings.Contains(out, want) {
			t.Errorf("renderDiff() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, `"a": 1`) {
		t.Errorf("renderDiff() kept a line far from the change:\n%s", out)
	}
	if renderDiff(old, old) == "" {
		t.Error("renderDiff() of equal documents should still print context")
	}
}

// syncBuffer is a bytes.Buffer safe for the client's read goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	srv, err := server.New(reg, nil, server.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("server.New() error: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchPrintsChanges(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	if _, err := reg.GetOrCreate("doc", protocol.KindServer, json.RawMessage(`{"title":"a"}`)); err != nil {
		t.Fatal(err)
	}
	url := startServer(t, reg)

	var out syncBuffer
	c := client.New(url, client.WithLogger(testLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watch(ctx, c, &out, []string{"doc"}, protocol.KindUnspecified, true); err != nil {
		t.Fatalf("watch() error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() { cancel(); <-done }()

	waitFor(t, "snapshot", func() bool { return strings.Contains(out.String(), `doc @0 (snapshot) {"title":"a"}`) })
	if _, err := reg.Set(context.Background(), "doc", json.RawMessage(`{"title":"b"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "diff", func() bool {
		s := out.String()
		return strings.Contains(s, `-   "title": "a"`) && strings.Contains(s, `+   "title": "b"`)
	})
}

func TestSetAndSendCommands(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	if _, err := reg.GetOrCreate("count", protocol.KindServer, json.RawMessage(`0`)); err != nil {
		t.Fatal(err)
	}
	url := startServer(t, reg)

	run := func(args ...string) error {
		cmd := rootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(append(args, "--url", url, "--timeout", "2s"))
		return cmd.Execute()
	}

	if err := run("set", "doc", `{"n":1}`, "--create"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	waitFor(t, "patch applied", func() bool {
		snapshot, version, err := reg.Read("doc")
		return err == nil && string(snapshot) == `{"n":1}` && version == 1
	})

	if err := run("set", "count", `1`); err == nil || !strings.Contains(err.Error(), "E064") {
		t.Errorf("set on a server signal error = %v, want E064", err)
	}
	if err := run("set", "missing", `1`); err == nil || !strings.Contains(err.Error(), "E062") {
		t.Errorf("set on a missing signal error = %v, want E062", err)
	}
	if err := run("set", "doc", `{bad`); err == nil {
		t.Error("set with invalid JSON should fail")
	}

	received := make(chan json.RawMessage, 1)
	if _, err := reg.GetOrCreate("chat", protocol.KindChannel, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.OnChannelMessage("chat", func(m registry.ChannelMessage) {
		received <- m.Payload
	}); err != nil {
		t.Fatal(err)
	}
	if err := run("send", "chat", `{"text":"hi"}`); err != nil {
		t.Fatalf("send error: %v", err)
	}
	select {
	case p := <-received:
		if string(p) != `{"text":"hi"}` {
			t.Errorf("received %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel message not delivered")
	}
}
