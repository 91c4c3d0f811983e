package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/sigsync/pkg/patch"
	"github.com/vango-dev/sigsync/pkg/protocol"
	"github.com/vango-dev/sigsync/pkg/registry"
	"github.com/vango-dev/sigsync/pkg/server"
	"github.com/vango-dev/sigsync/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pipeServer serves a registry over in-memory pipes.
type pipeServer struct {
	t          *testing.T
	dispatcher *server.Dispatcher

	mu      sync.Mutex
	streams []*transport.PipeStream
}

func newPipeServer(t *testing.T, reg *registry.Registry) *pipeServer {
	t.Helper()
	session := server.DefaultSessionConfig()
	session.HeartbeatInterval = -1
	session.LivenessTimeout = -1
	d, err := server.NewDispatcher(reg, &server.ServerConfig{SessionConfig: session},
		server.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewDispatcher() error: %v", err)
	}
	ps := &pipeServer{t: t, dispatcher: d}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return ps
}

func (ps *pipeServer) dial(ctx context.Context) (transport.Stream, error) {
	client, srv := transport.Pipe()
	ps.mu.Lock()
	ps.streams = append(ps.streams, client)
	ps.mu.Unlock()
	go ps.dispatcher.Accept(context.Background(), srv)
	return client, nil
}

// drop closes the newest connection.
func (ps *pipeServer) drop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.streams[len(ps.streams)-1].Close()
}

// client returns a client for ps that is not yet running.
func (ps *pipeServer) client(opts ...Option) *Client {
	opts = append([]Option{
		WithLogger(testLogger()),
		WithDialFunc(ps.dial),
		WithBackoff(time.Millisecond, 10*time.Millisecond),
	}, opts...)
	return New("pipe://", opts...)
}

// start runs a client against ps until the test ends.
func (ps *pipeServer) start(opts ...Option) *Client {
	c := ps.client(opts...)
	runClient(ps.t, c)
	return c
}

func runClient(t *testing.T, c *Client) {
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run() did not return after Close()")
		}
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func create(t *testing.T, reg *registry.Registry, name string, kind protocol.Kind, value string) {
	t.Helper()
	if _, err := reg.GetOrCreate(name, kind, json.RawMessage(value)); err != nil {
		t.Fatalf("GetOrCreate(%q) error: %v", name, err)
	}
}

func set(t *testing.T, reg *registry.Registry, name, value string) uint64 {
	t.Helper()
	v, err := reg.Set(context.Background(), name, json.RawMessage(value))
	if err != nil {
		t.Fatalf("Set(%q) error: %v", name, err)
	}
	return v
}

func TestClientHydrateAndFollow(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	create(t, reg, "count", protocol.KindServer, `1`)
	ps := newPipeServer(t, reg)
	c := ps.client()
	ctx := testContext(t)

	// Subscribed before connecting; sent on connect.
	if err := c.Subscribe(ctx, "count", protocol.KindUnspecified); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	var mu sync.Mutex
	var updates []Update
	if _, err := c.Watch("count", func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	runClient(t, c)

	snapshot, version, err := c.Wait(ctx, "count", 0)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if string(snapshot) != `1` {
		t.Errorf("hydrated snapshot = %s, want 1", snapshot)
	}

	next := set(t, reg, "count", `2`)
	if next != version+1 {
		t.Fatalf("Set() version = %d, want %d", next, version+1)
	}
	snapshot, _, err = c.Wait(ctx, "count", next)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if string(snapshot) != `2` {
		t.Errorf("snapshot = %s, want 2", snapshot)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 2 || !updates[0].Hydrate || updates[1].Hydrate || updates[1].Version != next {
		t.Errorf("updates = %+v", updates)
	}
}

func TestClientMutateReachesOtherClients(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	ps := newPipeServer(t, reg)
	a, b := ps.start(), ps.start()
	ctx := testContext(t)

	for _, c := range []*Client{a, b} {
		if err := c.Subscribe(ctx, "doc", protocol.KindBidirectional); err != nil {
			t.Fatalf("Subscribe() error: %v", err)
		}
		if _, _, err := c.Wait(ctx, "doc", 0); err != nil {
			t.Fatalf("Wait() error: %v", err)
		}
	}

	err := a.Mutate(ctx, "doc", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"title":"hello","tags":["x"]}`), nil
	})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}

	snapshot, version, err := b.Wait(ctx, "doc", 1)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if !patch.Equal(snapshot, []byte(`{"tags":["x"],"title":"hello"}`)) || version != 1 {
		t.Errorf("peer mirror = %s@%d", snapshot, version)
	}
	got, v, err := reg.Read("doc")
	if err != nil || v != 1 || !patch.Equal(got, snapshot) {
		t.Errorf("registry = %s@%d, %v", got, v, err)
	}

	// The writer's mirror advanced locally and receives no echo.
	mirror, mv, _ := a.Get("doc")
	if mv != 1 || !patch.Equal(mirror, snapshot) {
		t.Errorf("writer mirror = %s@%d", mirror, mv)
	}
	if s := a.Stats(); s.Duplicates != 0 || s.Resyncs != 0 {
		t.Errorf("writer stats = %+v", s)
	}
}

func TestClientMutateNoChange(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	create(t, reg, "doc", protocol.KindBidirectional, `{"a":1}`)
	ps := newPipeServer(t, reg)
	c := ps.start()
	ctx := testContext(t)

	c.Subscribe(ctx, "doc", protocol.KindBidirectional)
	if _, _, err := c.Wait(ctx, "doc", 0); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if err := c.Set(ctx, "doc", json.RawMessage(`{ "a": 1 }`)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if _, v, _ := c.Get("doc"); v != 0 {
		t.Errorf("version after no-op Set = %d, want 0", v)
	}
}

func TestClientMutateErrors(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	create(t, reg, "count", protocol.KindServer, `0`)
	ps := newPipeServer(t, reg)
	c := ps.start()
	ctx := testContext(t)

	noop := func(v json.RawMessage) (json.RawMessage, error) { return v, nil }
	if err := c.Mutate(ctx, "missing", noop); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Mutate(unsubscribed) error = %v, want ErrNotSubscribed", err)
	}

	c.Subscribe(ctx, "count", protocol.KindUnspecified)
	if _, _, err := c.Wait(ctx, "count", 0); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if err := c.Mutate(ctx, "count", noop); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Mutate(server signal) error = %v, want ErrReadOnly", err)
	}

	boom := errors.New("boom")
	c.Subscribe(ctx, "doc", protocol.KindBidirectional)
	if _, _, err := c.Wait(ctx, "doc", 0); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	err := c.Mutate(ctx, "doc", func(json.RawMessage) (json.RawMessage, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Mutate() error = %v, want updater error", err)
	}
	err = c.Mutate(ctx, "doc", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{`), nil
	})
	if err == nil {
		t.Error("Mutate() with invalid JSON should fail")
	}
}

func TestClientConflictConverges(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	create(t, reg, "doc", protocol.KindBidirectional, `{"n":0}`)
	ps := newPipeServer(t, reg)
	c := ps.client()
	ctx := testContext(t)

	c.Subscribe(ctx, "doc", protocol.KindBidirectional)

	// Hold the read loop inside the hydrate callback so the server can move
	// ahead without the client seeing it.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.Watch("doc", func(u Update) {
		if u.Hydrate {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	runClient(t, c)
	<-entered

	set(t, reg, "doc", `{"n":100}`)
	err := c.Mutate(ctx, "doc", func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"n":1}`), nil
	})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}
	close(release)

	eventually(t, "resync", func() bool { return c.Stats().Resyncs == 1 })
	snapshot, version, err := c.Wait(ctx, "doc", 1)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if string(snapshot) != `{"n":100}` || version != 1 {
		t.Errorf("mirror after conflict = %s@%d, want server state", snapshot, version)
	}
	if got, v, _ := reg.Read("doc"); string(got) != `{"n":100}` || v != 1 {
		t.Errorf("registry = %s@%d, conflicting patch must not apply", got, v)
	}
}

func TestClientChannel(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	ps := newPipeServer(t, reg)
	a, b := ps.start(), ps.start()
	ctx := testContext(t)

	received := make(chan string, 4)
	for _, c := range []*Client{a, b} {
		if err := c.Subscribe(ctx, "chat", protocol.KindChannel); err != nil {
			t.Fatalf("Subscribe() error: %v", err)
		}
	}
	echo := make(chan string, 4)
	a.OnMessage("chat", func(p json.RawMessage) { echo <- string(p) })
	b.OnMessage("chat", func(p json.RawMessage) { received <- string(p) })

	eventually(t, "channel subscribers", func() bool {
		info, err := reg.Info("chat")
		return err == nil && info.Subscribers == 2
	})

	if err := a.Send(ctx, "chat", json.RawMessage(`{"text": "hi"}`)); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	select {
	case got := <-received:
		if got != `{"text":"hi"}` {
			t.Errorf("received %s", got)
		}
	case <-ctx.Done():
		t.Fatal("channel message not delivered")
	}

	if _, err := reg.PublishChannel("chat", json.RawMessage(`"server"`), ""); err != nil {
		t.Fatalf("PublishChannel() error: %v", err)
	}
	select {
	case got := <-echo:
		if got != `"server"` {
			t.Errorf("sender received %s; want only the server message", got)
		}
	case <-ctx.Done():
		t.Fatal("server message not delivered")
	}

	if _, err := a.OnMessage("missing", func(json.RawMessage) {}); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("OnMessage(unsubscribed) error = %v", err)
	}
}

func TestClientReconnectResubscribes(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	create(t, reg, "count", protocol.KindServer, `0`)
	ps := newPipeServer(t, reg)
	c := ps.start()
	ctx := testContext(t)

	c.Subscribe(ctx, "count", protocol.KindUnspecified)
	if _, _, err := c.Wait(ctx, "count", 0); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	ps.drop()
	set(t, reg, "count", `5`)

	snapshot, version, err := c.Wait(ctx, "count", 1)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if string(snapshot) != `5` || version != 1 {
		t.Errorf("mirror after reconnect = %s@%d", snapshot, version)
	}
	if s := c.Stats(); s.Connects < 2 {
		t.Errorf("Connects = %d, want >= 2", s.Connects)
	}
}

func TestClientUnsubscribe(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	create(t, reg, "count", protocol.KindServer, `0`)
	ps := newPipeServer(t, reg)
	c := ps.start()
	ctx := testContext(t)

	c.Subscribe(ctx, "count", protocol.KindUnspecified)
	if _, _, err := c.Wait(ctx, "count", 0); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if err := c.Unsubscribe(ctx, "count"); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	eventually(t, "server unsubscribe", func() bool {
		info, _ := reg.Info("count")
		return info.Subscribers == 0
	})
	if _, _, ok := c.Get("count"); ok {
		t.Error("Get() after Unsubscribe should report no mirror")
	}
	if _, _, err := c.Wait(ctx, "count", 0); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Wait() after Unsubscribe error = %v", err)
	}
}

func TestClientCloseStopsRun(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	ps := newPipeServer(t, reg)
	c := New("pipe://", WithLogger(testLogger()), WithDialFunc(ps.dial))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	eventually(t, "connect", c.Connected)

	c.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Run() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return")
	}
	if err := c.Subscribe(context.Background(), "x", protocol.KindChannel); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v", err)
	}
	eventually(t, "server session removal", func() bool { return ps.dispatcher.Sessions().Count() == 0 })
}

func TestClientRunContextCanceled(t *testing.T) {
	dialErr := errors.New("refused")
	c := New("pipe://", WithLogger(testLogger()),
		WithBackoff(time.Millisecond, time.Millisecond),
		WithDialFunc(func(context.Context) (transport.Stream, error) { return nil, dialErr }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
	if err := c.Send(context.Background(), "chat", json.RawMessage(`1`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() while disconnected error = %v", err)
	}
}

// scripted plays the server side of a pipe by hand.
type scripted struct {
	t      *testing.T
	stream *transport.PipeStream
}

func nextConn(t *testing.T, conns <-chan *scripted) *scripted {
	t.Helper()
	select {
	case s := <-conns:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("client did not dial")
		return nil
	}
}

func (s *scripted) send(m *protocol.Message) {
	s.t.Helper()
	data, err := protocol.BinaryCodec.Encode(m)
	if err != nil {
		s.t.Fatalf("Encode() error: %v", err)
	}
	if err := s.stream.Write(context.Background(), data); err != nil {
		s.t.Fatalf("Write() error: %v", err)
	}
}

func (s *scripted) expect(mt protocol.MessageType) *protocol.Message {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := s.stream.Read(ctx)
	if err != nil {
		s.t.Fatalf("Read() waiting for %s: %v", mt, err)
	}
	m, err := protocol.BinaryCodec.Decode(data)
	if err != nil {
		s.t.Fatalf("Decode() error: %v", err)
	}
	if m.Type != mt {
		s.t.Fatalf("got %s, want %s", m, mt)
	}
	return m
}

func mustDiff(t *testing.T, old, new string) patch.Patch {
	t.Helper()
	p, err := patch.Diff([]byte(old), []byte(new))
	if err != nil {
		t.Fatalf("Diff() error: %v", err)
	}
	return p
}

func TestClientDiscardsDuplicatesAndResyncsOnGap(t *testing.T) {
	c, conns := startScriptedWith(t)
	ctx := testContext(t)
	c.Subscribe(ctx, "doc", protocol.KindBidirectional)

	s := nextConn(t, conns)
	s.expect(protocol.MsgSubscribe)
	s.send(protocol.NewHydrate("doc", protocol.KindBidirectional, 3, []byte(`{"a":1}`)))

	// Already applied.
	s.send(protocol.NewPatch("doc", 3, mustDiff(t, `{"a":1}`, `{"a":9}`)))
	s.send(protocol.NewPatch("doc", 4, mustDiff(t, `{"a":1}`, `{"a":2}`)))
	snapshot, _, err := c.Wait(ctx, "doc", 4)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if string(snapshot) != `{"a":2}` {
		t.Errorf("snapshot = %s, want {\"a\":2}", snapshot)
	}
	if d := c.Stats().Duplicates; d != 1 {
		t.Errorf("Duplicates = %d, want 1", d)
	}

	// Version 5 was never seen.
	s.send(protocol.NewPatch("doc", 6, mustDiff(t, `{"a":3}`, `{"a":4}`)))
	m := s.expect(protocol.MsgSubscribe)
	if m.Signal != "doc" || m.Kind != protocol.KindBidirectional {
		t.Errorf("resubscribe = %s", m)
	}
	if _, _, ok := c.Get("doc"); ok {
		t.Error("mirror should be unhydrated while resyncing")
	}
	s.send(protocol.NewHydrate("doc", protocol.KindBidirectional, 6, []byte(`{"a":4}`)))
	snapshot, version, err := c.Wait(ctx, "doc", 6)
	if err != nil || string(snapshot) != `{"a":4}` || version != 6 {
		t.Errorf("after resync = %s@%d, %v", snapshot, version, err)
	}
}

func TestClientResyncsOnInapplicablePatch(t *testing.T) {
	c, conns := startScriptedWith(t)
	ctx := testContext(t)
	c.Subscribe(ctx, "doc", protocol.KindBidirectional)

	s := nextConn(t, conns)
	s.expect(protocol.MsgSubscribe)
	s.send(protocol.NewHydrate("doc", protocol.KindBidirectional, 1, []byte(`{"a":1}`)))
	s.send(protocol.NewPatch("doc", 2, mustDiff(t, `{"b":{"c":1}}`, `{"b":{"c":2}}`)))
	s.expect(protocol.MsgSubscribe)

	s.send(protocol.NewResyncRequired("doc"))
	s.expect(protocol.MsgSubscribe)
	if r := c.Stats().Resyncs; r != 2 {
		t.Errorf("Resyncs = %d, want 2", r)
	}
}

func TestClientAnswersPingAndReconnectsOnClose(t *testing.T) {
	var errs []string
	var mu sync.Mutex
	c, conns := startScriptedWith(t, WithErrorHandler(func(m *protocol.Message) {
		mu.Lock()
		errs = append(errs, m.Reason)
		mu.Unlock()
	}))
	ctx := testContext(t)
	c.Subscribe(ctx, "count", protocol.KindUnspecified)

	s := nextConn(t, conns)
	s.expect(protocol.MsgSubscribe)
	s.send(protocol.NewPing(42))
	if m := s.expect(protocol.MsgPong); m.Timestamp != 42 {
		t.Errorf("Pong timestamp = %d, want 42", m.Timestamp)
	}

	s.send(protocol.NewError(protocol.ErrSignalNotFound, "count", "signal not found"))
	s.send(protocol.NewClose("server shutting down"))

	s2 := nextConn(t, conns)
	if m := s2.expect(protocol.MsgSubscribe); m.Signal != "count" {
		t.Errorf("resubscribe after reconnect = %s", m)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || errs[0] != "signal not found" {
		t.Errorf("error handler saw %v", errs)
	}
}

func startScriptedWith(t *testing.T, opts ...Option) (*Client, <-chan *scripted) {
	conns := make(chan *scripted, 4)
	opts = append([]Option{
		WithLogger(testLogger()),
		WithBackoff(time.Millisecond, time.Millisecond),
		WithDialFunc(func(context.Context) (transport.Stream, error) {
			client, srv := transport.Pipe()
			conns <- &scripted{t: t, stream: srv}
			return client, nil
		}),
	}, opts...)
	c := New("pipe://", opts...)
	runClient(t, c)
	return c, conns
}

// slowStream holds outbound Patch frames until release is closed.
type slowStream struct {
	transport.Stream
	release <-chan struct{}
	writing chan<- struct{}
}

func (s *slowStream) Write(ctx context.Context, data []byte) error {
	if m, err := protocol.BinaryCodec.Decode(data); err == nil && m.Type == protocol.MsgPatch {
		select {
		case s.writing <- struct{}{}:
		default:
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Stream.Write(ctx, data)
}

func TestClientSlowPatchWriteDoesNotBlockReads(t *testing.T) {
	release := make(chan struct{})
	writing := make(chan struct{}, 1)
	conns := make(chan *scripted, 4)
	c, _ := startScriptedWith(t, WithDialFunc(func(context.Context) (transport.Stream, error) {
		client, srv := transport.Pipe()
		conns <- &scripted{t: t, stream: srv}
		return &slowStream{Stream: client, release: release, writing: writing}, nil
	}))
	ctx := testContext(t)
	c.Subscribe(ctx, "doc", protocol.KindBidirectional)
	c.Subscribe(ctx, "other", protocol.KindBidirectional)

	s := nextConn(t, conns)
	s.expect(protocol.MsgSubscribe)
	s.expect(protocol.MsgSubscribe)
	s.send(protocol.NewHydrate("doc", protocol.KindBidirectional, 1, []byte(`{"a":1}`)))
	s.send(protocol.NewHydrate("other", protocol.KindBidirectional, 1, []byte(`{"b":1}`)))
	if _, _, err := c.Wait(ctx, "other", 1); err != nil {
		t.Fatalf("Wait(other) error: %v", err)
	}
	if _, _, err := c.Wait(ctx, "doc", 1); err != nil {
		t.Fatalf("Wait(doc) error: %v", err)
	}

	mutated := make(chan error, 1)
	go func() {
		mutated <- c.Set(ctx, "doc", json.RawMessage(`{"a":2}`))
	}()
	select {
	case <-writing:
	case <-time.After(2 * time.Second):
		t.Fatal("patch write never started")
	}

	// The read goroutine keeps applying patches while the write is stuck.
	s.send(protocol.NewPatch("other", 1, mustDiff(t, `{"b":1}`, `{"b":2}`)))
	snapshot, version, err := c.Wait(ctx, "other", 2)
	if err != nil || string(snapshot) != `{"b":2}` || version != 2 {
		t.Fatalf("Wait(other) = %s@%d, %v", snapshot, version, err)
	}
	if snapshot, version, ok := c.Get("doc"); !ok || string(snapshot) != `{"a":2}` || version != 2 {
		t.Errorf("Get(doc) = %s@%d, %v", snapshot, version, ok)
	}

	close(release)
	if err := <-mutated; err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	m := s.expect(protocol.MsgPatch)
	if m.Signal != "doc" || m.Version != 1 {
		t.Errorf("sent %s, want patch for doc based on version 1", m)
	}
}

func TestClientWebSocket(t *testing.T) {
	reg := registry.New(registry.WithLogger(testLogger()))
	create(t, reg, "count", protocol.KindServer, `7`)
	srv, err := server.New(reg, nil, server.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("server.New() error: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	for _, codec := range []protocol.Codec{protocol.BinaryCodec, protocol.JSONCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			c := New(url, WithLogger(testLogger()), WithCodec(codec))
			runClient(t, c)
			ctx := testContext(t)

			c.Subscribe(ctx, "count", protocol.KindUnspecified)
			snapshot, _, err := c.Wait(ctx, "count", 0)
			if err != nil {
				t.Fatalf("Wait() error: %v", err)
			}
			if string(snapshot) != `7` {
				t.Errorf("snapshot = %s, want 7", snapshot)
			}
		})
	}
}
