package protocol

import "fmt"

// Kind identifies the synchronization semantics of a signal.
type Kind uint8

const (
	KindUnspecified   Kind = 0x00 // Not declared (subscribe to an existing signal)
	KindServer        Kind = 0x01 // Server-authoritative, read-only on clients
	KindBidirectional Kind = 0x02 // Mutable by server and clients
	KindChannel       Kind = 0x03 // Discrete messages, no stored value
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnspecified:
		return "unspecified"
	case KindServer:
		return "server"
	case KindBidirectional:
		return "bidirectional"
	case KindChannel:
		return "channel"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k names a concrete signal kind.
func (k Kind) Valid() bool {
	return k == KindServer || k == KindBidirectional || k == KindChannel
}

// Stateful reports whether signals of this kind hold a versioned snapshot.
func (k Kind) Stateful() bool {
	return k == KindServer || k == KindBidirectional
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindUnspecified && !k.Valid() {
		return nil, fmt.Errorf("protocol: invalid kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind parses a kind name as produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "unspecified":
		return KindUnspecified, nil
	case "server", "read_only", "readonly":
		return KindServer, nil
	case "bidirectional":
		return KindBidirectional, nil
	case "channel":
		return KindChannel, nil
	default:
		return KindUnspecified, fmt.Errorf("protocol: unknown kind %q", s)
	}
}
