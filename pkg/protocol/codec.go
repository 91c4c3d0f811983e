package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Codec converts messages to and from transport frames.
type Codec interface {
	// Name returns the wire format name ("binary" or "json").
	Name() string

	// Binary reports whether encoded frames are binary (true) or text.
	Binary() bool

	// Encode serializes a message into one transport frame.
	Encode(m *Message) ([]byte, error)

	// Decode parses one transport frame.
	Decode(data []byte) (*Message, error)
}

// Built-in codecs.
var (
	// BinaryCodec frames messages with the 6-byte header described on Frame.
	BinaryCodec Codec = binaryCodec{}

	// JSONCodec encodes each message as a JSON object in a text frame.
	JSONCodec Codec = jsonCodec{}
)

// CodecByName returns the codec for a wire format name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "binary":
		return BinaryCodec, nil
	case "json", "text":
		return JSONCodec, nil
	default:
		return nil, fmt.Errorf("protocol: unknown wire format %q", name)
	}
}

type binaryCodec struct{}

func (binaryCodec) Name() string { return "binary" }
func (binaryCodec) Binary() bool { return true }

func (binaryCodec) Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	e := NewEncoder()
	if err := encodePayload(e, m); err != nil {
		return nil, err
	}
	if e.Len() > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	return NewFrame(m.Type, e.Bytes()).Encode(), nil
}

func (binaryCodec) Decode(data []byte) (*Message, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	m, err := decodePayload(frame.Type, NewDecoder(frame.Payload))
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", frame.Type, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func encodePayload(e *Encoder, m *Message) error {
	switch m.Type {
	case MsgSubscribe:
		e.WriteString(m.Signal)
		e.WriteByte(byte(m.Kind))
	case MsgUnsubscribe, MsgResyncRequired:
		e.WriteString(m.Signal)
	case MsgHydrate:
		e.WriteString(m.Signal)
		e.WriteByte(byte(m.Kind))
		e.WriteUvarint(m.Version)
		e.WriteLenBytes(m.Snapshot)
	case MsgPatch:
		ops, err := json.Marshal(m.Patch)
		if err != nil {
			return fmt.Errorf("protocol: encode patch: %w", err)
		}
		e.WriteString(m.Signal)
		e.WriteUvarint(m.Version)
		e.WriteLenBytes(ops)
	case MsgChannel:
		e.WriteString(m.Signal)
		e.WriteLenBytes(m.Payload)
	case MsgError:
		e.WriteUint16(uint16(m.Code))
		e.WriteString(m.Signal)
		e.WriteString(m.Reason)
	case MsgPing, MsgPong:
		e.WriteUint64(m.Timestamp)
	case MsgClose:
		e.WriteString(m.Reason)
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, uint8(m.Type))
	}
	return nil
}

func decodePayload(mt MessageType, d *Decoder) (*Message, error) {
	m := &Message{Type: mt}
	var err error

	switch mt {
	case MsgSubscribe:
		if m.Signal, err = d.ReadString(); err != nil {
			return nil, err
		}
		kind, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		m.Kind = Kind(kind)
	case MsgUnsubscribe, MsgResyncRequired:
		if m.Signal, err = d.ReadString(); err != nil {
			return nil, err
		}
	case MsgHydrate:
		if m.Signal, err = d.ReadString(); err != nil {
			return nil, err
		}
		kind, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		m.Kind = Kind(kind)
		if m.Version, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		if m.Snapshot, err = d.ReadLenBytes(); err != nil {
			return nil, err
		}
	case MsgPatch:
		if m.Signal, err = d.ReadString(); err != nil {
			return nil, err
		}
		if m.Version, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		ops, err := d.ReadLenBytes()
		if err != nil {
			return nil, err
		}
		if len(ops) > 0 {
			if err := json.Unmarshal(ops, &m.Patch); err != nil {
				return nil, err
			}
		}
	case MsgChannel:
		if m.Signal, err = d.ReadString(); err != nil {
			return nil, err
		}
		if m.Payload, err = d.ReadLenBytes(); err != nil {
			return nil, err
		}
	case MsgError:
		code, err := d.ReadUint16()
		if err != nil {
			return nil, err
		}
		m.Code = ErrorCode(code)
		if m.Signal, err = d.ReadString(); err != nil {
			return nil, err
		}
		if m.Reason, err = d.ReadString(); err != nil {
			return nil, err
		}
	case MsgPing, MsgPong:
		if m.Timestamp, err = d.ReadUint64(); err != nil {
			return nil, err
		}
	case MsgClose:
		if m.Reason, err = d.ReadString(); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownMessage
	}

	if !d.EOF() {
		return nil, ErrTrailingBytes
	}
	return m, nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (jsonCodec) Decode(data []byte) (*Message, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode json: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
