package registry

import (
	"errors"
	"fmt"

	"github.com/vango-dev/sigsync/pkg/protocol"
)

// Sentinel errors returned by Registry operations.
var (
	// ErrSignalNotFound is returned when no record exists for a name.
	ErrSignalNotFound = errors.New("registry: signal not found")

	// ErrKindMismatch is returned when a signal is declared with a kind
	// other than the one it was created with.
	ErrKindMismatch = errors.New("registry: kind mismatch")

	// ErrInvalidKind is returned when a signal is declared without a
	// concrete kind.
	ErrInvalidKind = errors.New("registry: invalid kind")

	// ErrVersionConflict is returned when a remote patch was computed
	// against a version other than the current one.
	ErrVersionConflict = errors.New("registry: version conflict")

	// ErrReadOnly is returned when a client patches a server-authoritative signal.
	ErrReadOnly = errors.New("registry: signal is read-only for clients")

	// ErrNotStateful is returned when a snapshot operation targets a channel.
	ErrNotStateful = errors.New("registry: signal holds no value")

	// ErrNotChannel is returned when a channel operation targets a stateful signal.
	ErrNotChannel = errors.New("registry: signal is not a channel")

	// ErrInvalidName is returned for an empty signal name.
	ErrInvalidName = errors.New("registry: empty signal name")
)

// KindMismatchError reports the conflicting kinds of a re-declared signal.
type KindMismatchError struct {
	Signal   string
	Existing protocol.Kind
	Declared protocol.Kind
}

// Error returns the error message.
func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("registry: signal %q is %s, declared as %s", e.Signal, e.Existing, e.Declared)
}

// Unwrap returns ErrKindMismatch.
func (e *KindMismatchError) Unwrap() error {
	return ErrKindMismatch
}

// ConflictError reports a remote patch rejected because its base version
// is not the current version.
type ConflictError struct {
	Signal  string
	Current uint64
	Claimed uint64
}

// Error returns the error message.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: signal %q at version %d, patch based on %d", e.Signal, e.Current, e.Claimed)
}

// Unwrap returns ErrVersionConflict.
func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}
