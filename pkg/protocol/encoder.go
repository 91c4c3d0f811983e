package protocol

import "encoding/binary"

// Encoder builds the payload of a binary frame. Message fields are written
// in order: the signal name and strings as varint-prefixed UTF-8, versions
// and kinds as fixed-width or varint integers, snapshots and patches as
// varint-prefixed JSON.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder sized for a typical small message.
func NewEncoder() *Encoder {
	return NewEncoderWithCap(256)
}

// NewEncoderWithCap returns an encoder whose buffer starts with capacity n,
// for callers that know the payload size, such as Frame.Encode.
func NewEncoderWithCap(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Bytes returns the payload written so far. It aliases the encoder's
// buffer until the next write.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the payload size so far; Encode compares it to MaxPayloadSize.
func (e *Encoder) Len() int { return len(e.buf) }

// WriteByte appends a message type, kind or flag byte. There is no error
// result: the buffer grows as needed.
func (e *Encoder) WriteByte(b byte) {
	e.buf = append(e.buf, b)
}

// WriteBytes appends b with no length prefix.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteUvarint appends v as an unsigned LEB128 varint.
func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// WriteString appends a signal name or reason: varint length, then bytes.
func (e *Encoder) WriteString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteLenBytes appends a snapshot, payload or patch document with a varint
// length prefix. Decoders reject fields over MaxFieldSize.
func (e *Encoder) WriteLenBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteUint16 appends an error code.
func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

// WriteUint32 appends a frame payload length.
func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// WriteUint64 appends a ping timestamp.
func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}
