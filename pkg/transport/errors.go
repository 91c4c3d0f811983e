package transport

import "errors"

var (
	// ErrClosed is returned by Read and Write once the stream is closed,
	// and by Read when the peer closes normally.
	ErrClosed = errors.New("transport: connection closed")

	// ErrWriteTimeout is returned when a write does not complete in time.
	ErrWriteTimeout = errors.New("transport: write timeout")

	// ErrMessageTooLarge is returned for an inbound message over the read limit.
	ErrMessageTooLarge = errors.New("transport: message too large")
)
