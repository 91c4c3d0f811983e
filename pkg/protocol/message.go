package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vango-dev/sigsync/pkg/patch"
)

// MessageType identifies a protocol message.
type MessageType uint8

const (
	MsgSubscribe      MessageType = 0x01 // Client → Server: start receiving a signal
	MsgUnsubscribe    MessageType = 0x02 // Client → Server: stop receiving a signal
	MsgHydrate        MessageType = 0x03 // Server → Client: full snapshot
	MsgPatch          MessageType = 0x04 // Either direction: incremental change
	MsgChannel        MessageType = 0x05 // Either direction: channel payload
	MsgResyncRequired MessageType = 0x06 // Server → Client: re-subscribe to recover
	MsgError          MessageType = 0x07 // Server → Client: error report
	MsgPing           MessageType = 0x10 // Liveness probe
	MsgPong           MessageType = 0x11 // Response to ping
	MsgClose          MessageType = 0x12 // Orderly close
)

var messageTypeNames = map[MessageType]string{
	MsgSubscribe:      "subscribe",
	MsgUnsubscribe:    "unsubscribe",
	MsgHydrate:        "hydrate",
	MsgPatch:          "patch",
	MsgChannel:        "channel",
	MsgResyncRequired: "resync_required",
	MsgError:          "error",
	MsgPing:           "ping",
	MsgPong:           "pong",
	MsgClose:          "close",
}

// ErrUnknownMessage is returned when decoding a message of an unknown type.
var ErrUnknownMessage = errors.New("protocol: unknown message type")

// ErrMissingSignal is returned when a signal message carries no signal name.
var ErrMissingSignal = errors.New("protocol: missing signal name")

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	if name, ok := messageTypeNames[mt]; ok {
		return name
	}
	return "unknown"
}

// Known reports whether mt is a defined message type.
func (mt MessageType) Known() bool {
	_, ok := messageTypeNames[mt]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (mt MessageType) MarshalText() ([]byte, error) {
	if !mt.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, uint8(mt))
	}
	return []byte(mt.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (mt *MessageType) UnmarshalText(text []byte) error {
	for t, name := range messageTypeNames {
		if name == string(text) {
			*mt = t
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, text)
}

// Message is one protocol record. Which fields are meaningful depends on Type:
//
//	Subscribe       Signal, Kind (optional)
//	Unsubscribe     Signal
//	Hydrate         Signal, Kind, Version, Snapshot
//	Patch           Signal, Version, Patch
//	Channel         Signal, Payload
//	ResyncRequired  Signal
//	Error           Code, Signal (optional), Reason
//	Ping, Pong      Timestamp
//	Close           Reason
//
// A server-sent Patch carries the version it produced. A client-sent Patch
// carries the version it was computed against.
type Message struct {
	Type      MessageType     `json:"type"`
	Signal    string          `json:"signal,omitempty"`
	Kind      Kind            `json:"kind,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Patch     patch.Patch     `json:"patch,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Code      ErrorCode       `json:"code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp uint64          `json:"timestamp,omitempty"`
}

// Stateful reports whether losing this message would corrupt the receiver's
// mirror of a signal.
func (m *Message) Stateful() bool {
	return m.Type == MsgHydrate || m.Type == MsgPatch
}

// Validate checks that the fields required by the message type are present.
func (m *Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, uint8(m.Type))
	}
	switch m.Type {
	case MsgSubscribe, MsgUnsubscribe, MsgHydrate, MsgPatch, MsgChannel, MsgResyncRequired:
		if m.Signal == "" {
			return fmt.Errorf("%w: %s", ErrMissingSignal, m.Type)
		}
	}
	return nil
}

// String returns a short description for logging.
func (m *Message) String() string {
	switch m.Type {
	case MsgHydrate, MsgPatch:
		return fmt.Sprintf("%s(%s@%d)", m.Type, m.Signal, m.Version)
	case MsgPing, MsgPong, MsgClose:
		return m.Type.String()
	default:
		return fmt.Sprintf("%s(%s)", m.Type, m.Signal)
	}
}

// NewSubscribe creates a Subscribe message. kind may be KindUnspecified.
func NewSubscribe(signal string, kind Kind) *Message {
	return &Message{Type: MsgSubscribe, Signal: signal, Kind: kind}
}

// NewUnsubscribe creates an Unsubscribe message.
func NewUnsubscribe(signal string) *Message {
	return &Message{Type: MsgUnsubscribe, Signal: signal}
}

// NewHydrate creates a Hydrate message.
func NewHydrate(signal string, kind Kind, version uint64, snapshot []byte) *Message {
	return &Message{Type: MsgHydrate, Signal: signal, Kind: kind, Version: version, Snapshot: snapshot}
}

// NewPatch creates a Patch message.
func NewPatch(signal string, version uint64, p patch.Patch) *Message {
	return &Message{Type: MsgPatch, Signal: signal, Version: version, Patch: p}
}

// NewChannel creates a Channel message.
func NewChannel(signal string, payload []byte) *Message {
	return &Message{Type: MsgChannel, Signal: signal, Payload: payload}
}

// NewResyncRequired creates a ResyncRequired message.
func NewResyncRequired(signal string) *Message {
	return &Message{Type: MsgResyncRequired, Signal: signal}
}

// NewError creates an Error message.
func NewError(code ErrorCode, signal, reason string) *Message {
	return &Message{Type: MsgError, Code: code, Signal: signal, Reason: reason}
}

// NewPing creates a Ping message.
func NewPing(timestamp uint64) *Message {
	return &Message{Type: MsgPing, Timestamp: timestamp}
}

// NewPong creates a Pong message.
func NewPong(timestamp uint64) *Message {
	return &Message{Type: MsgPong, Timestamp: timestamp}
}

// NewClose creates a Close message.
func NewClose(reason string) *Message {
	return &Message{Type: MsgClose, Reason: reason}
}
