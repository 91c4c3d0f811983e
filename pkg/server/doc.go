// Package server provides the server-side runtime for signal synchronization.
//
// The server package binds transport connections to a registry.Registry. It
// is the integration layer between the registry (pkg/registry), the per-peer
// outbound queue (pkg/outbox), and the wire protocol (pkg/protocol).
//
// # Architecture
//
//   - transport.Stream: the duplex frame transport a session runs over
//   - Session: one connection; a registry subscriber with its own outbox
//   - SessionManager: live sessions, the session limit, and shutdown
//   - Dispatcher: turns accepted streams into sessions
//   - Server: chi router with the WebSocket endpoint, signal inspection,
//     health and Prometheus metrics
//
// # Session Lifecycle
//
// A session moves Connecting -> Active -> Closing -> Closed. While active it
// runs three goroutines:
//   - read loop: decodes frames and routes them to the registry
//   - write loop: drains the outbox onto the stream
//   - heartbeat: queues pings and enforces the liveness timeout
//
// A malformed frame is answered with an Error message; the session stays
// open. On close the session unsubscribes from every signal before its
// queue is discarded, so no registry handle outlives it.
//
// # Remote Patches
//
// A client Patch names the version it was computed against. The registry
// applies it only when that version is current; otherwise the sender gets
// ResyncRequired and re-subscribes to receive a fresh Hydrate. Accepted
// patches are broadcast to every other subscriber, never back to the sender.
//
// # Example Usage
//
//	reg := registry.New()
//	count, _ := reg.GetOrCreate("count", protocol.KindServer, json.RawMessage(`0`))
//
//	srv, err := server.New(reg, &server.ServerConfig{Address: ":8080"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Run()
//
//	count.Mutate(ctx, func(v json.RawMessage) (json.RawMessage, error) {
//	    return json.RawMessage(`1`), nil
//	})
//
// # Thread Safety
//
// Server, Dispatcher, SessionManager and Session are safe for concurrent
// use. A Stream implementation must allow one reader and one writer at a
// time.
package server
