package protocol

// ErrorCode identifies the type of error reported to a peer.
type ErrorCode uint16

const (
	ErrUnknown        ErrorCode = 0x0000 // Unknown error
	ErrInvalidFrame   ErrorCode = 0x0001 // Malformed frame
	ErrInvalidMessage ErrorCode = 0x0002 // Malformed or unexpected message
	ErrSignalNotFound ErrorCode = 0x0003 // No signal with that name
	ErrKindMismatch   ErrorCode = 0x0004 // Signal declared with another kind
	ErrReadOnly       ErrorCode = 0x0005 // Client wrote a server-authoritative signal
	ErrServerError    ErrorCode = 0x0100 // Internal server error
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrUnknown:
		return "Unknown"
	case ErrInvalidFrame:
		return "InvalidFrame"
	case ErrInvalidMessage:
		return "InvalidMessage"
	case ErrSignalNotFound:
		return "SignalNotFound"
	case ErrKindMismatch:
		return "KindMismatch"
	case ErrReadOnly:
		return "ReadOnly"
	case ErrServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}
