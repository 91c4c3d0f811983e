// Package registry owns every signal held by a sigsync process.
//
// A Registry maps signal names to records. Stateful records (server
// authoritative and bidirectional) hold a canonical JSON snapshot and a
// version that increases by exactly one on every accepted change. Channel
// records hold no value and only relay messages to their current
// subscribers.
//
// Records are sharded by name so that unrelated signals never contend on
// the same lock. Changes to one record are serialized by that record's
// mutex, which is also held while the resulting Patch is handed to each
// subscriber, so every subscriber observes versions in order with no gaps.
//
// Subscribers must not block in Deliver. The server wraps each session's
// bounded outbox in a Subscriber; see package outbox for the overflow
// policy.
package registry
