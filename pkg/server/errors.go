package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/vango-dev/sigsync/pkg/transport"
)

// Sentinel errors for common session and server error conditions.
var (
	// ErrSessionClosed is returned when an operation is attempted on a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrMaxSessionsReached is returned when the maximum number of sessions is reached.
	// It is the only error that makes Dispatcher.Accept refuse a stream.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrLivenessTimeout is returned when a peer stays silent past the liveness threshold.
	ErrLivenessTimeout = errors.New("server: liveness timeout")

	// ErrClosedByPeer is returned when the peer sends a Close message.
	ErrClosedByPeer = errors.New("server: closed by peer")

	// ErrConnectionClosed is returned when the transport is closed.
	ErrConnectionClosed = transport.ErrClosed

	// ErrWriteTimeout is returned when a write operation times out.
	ErrWriteTimeout = transport.ErrWriteTimeout

	// ErrMessageTooLarge is returned for an inbound frame over MaxMessageSize.
	ErrMessageTooLarge = transport.ErrMessageTooLarge

	// ErrServerShutdown is the close cause of sessions closed by Shutdown.
	ErrServerShutdown = errors.New("server: shutting down")
)

// SessionError wraps an error with session context for debugging.
type SessionError struct {
	SessionID string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{
		SessionID: sessionID,
		Op:        op,
		Err:       err,
	}
}

// isCleanClose reports whether err ends a session without a transport failure.
func isCleanClose(err error) bool {
	return err == nil ||
		errors.Is(err, ErrClosedByPeer) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrServerShutdown) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, context.Canceled)
}
