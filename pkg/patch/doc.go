// Package patch computes and applies structural differences between JSON
// snapshots.
//
// A snapshot is the canonical JSON encoding of a signal value: compact, with
// object keys sorted and each number in one spelling, so 1, 1.0 and 1e0
// snapshot alike. A Patch is an RFC 6902 operation list that transforms one
// snapshot into the next.
//
//	p, _ := patch.Diff([]byte(`{"count":0}`), []byte(`{"count":1}`))
//	// p == [{"op":"replace","path":"/count","value":1}]
//	next, _ := patch.Apply([]byte(`{"count":0}`), p)
//
// Diff is deterministic: identical inputs always produce byte-identical
// patches. Patches are relative to one exact base snapshot and must be
// replayed in version order; they are not composable by concatenation.
//
// Apply reports failures as *ApplyError wrapping ErrPathNotFound or
// ErrTypeMismatch. Callers treat either as a signal that the local snapshot
// is out of sync and must be re-fetched.
package patch
