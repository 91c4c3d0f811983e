// Package protocol defines the messages exchanged between a sigsync server
// and its clients, and the two wire formats that carry them.
//
// # Messages
//
// Clients subscribe to named signals and receive a Hydrate carrying the full
// snapshot and its version, followed by Patch messages as the value changes.
// Bidirectional signals also accept Patch messages from clients. Channel
// signals carry discrete Channel payloads with no stored value.
//
// When the server can no longer guarantee that a client's mirror is
// consistent it sends ResyncRequired, and the client re-subscribes to get a
// fresh Hydrate.
//
// # Wire Formats
//
// The binary format frames every message with a 6-byte header:
//
//	┌─────────────┬──────────────┬───────────────────────────────┐
//	│ Type        │ Flags        │ Payload Length                │
//	│ (1 byte)    │ (1 byte)     │ (4 bytes, big-endian)         │
//	└─────────────┴──────────────┴───────────────────────────────┘
//
// Payload fields use these encodings:
//
//   - Varint: versions and lengths (protobuf-style)
//   - Length-prefixed: strings, snapshots, and patch operations
//   - Big-endian: fixed-width integers (error codes, timestamps)
//
// Snapshots, channel payloads, and patch operations are JSON inside the
// binary payload.
//
// The JSON format sends each message as one object in a text frame:
//
//	{"type":"patch","signal":"count","version":7,"patch":[{"op":"replace","path":"","value":7}]}
//
// # Limits
//
// DecodeFrame rejects payloads larger than MaxPayloadSize, and a single
// length-prefixed field may not exceed MaxFieldSize.
package protocol
