package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Size limits enforced while decoding, so a forged length prefix cannot
// make a session allocate more than a real message would need.
const (
	// MaxFieldSize bounds one varint-prefixed field (4MB). A signal whose
	// snapshot is larger cannot be hydrated over the binary format.
	MaxFieldSize = 4 * 1024 * 1024

	// MaxFrameSize bounds a whole frame payload (16MB).
	MaxFrameSize = 16 * 1024 * 1024
)

// Decoding errors.
var (
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after message")
	ErrVarintOverflow     = errors.New("protocol: varint overflow")
	ErrAllocationTooLarge = errors.New("protocol: field exceeds size limit")
)

// Decoder reads message fields from a frame payload in the order Encoder
// wrote them. Every read fails with io.ErrUnexpectedEOF on a short payload.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a decoder over payload.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

// Remaining returns the number of unread payload bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// EOF reports whether the payload is fully consumed. Decode uses it to
// reject trailing bytes.
func (d *Decoder) EOF() bool { return d.pos >= len(d.buf) }

// ReadByte reads a message type, kind or flag byte.
func (d *Decoder) ReadByte() (byte, error) {
	b, err := d.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBytes reads exactly n bytes. The result aliases the payload.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > d.Remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadUvarint reads an unsigned LEB128 varint.
func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, io.ErrUnexpectedEOF
	case n < 0:
		return 0, ErrVarintOverflow
	}
	d.pos += n
	return v, nil
}

// ReadString reads a signal name or reason.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.readLen()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadLenBytes reads a snapshot, payload or patch document. The result is
// a copy that outlives the payload, or nil for an empty field.
func (d *Decoder) ReadLenBytes() ([]byte, error) {
	b, err := d.readLen()
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// readLen reads a varint-prefixed field. The prefix must fit both the
// payload and MaxFieldSize.
func (d *Decoder) readLen() ([]byte, error) {
	length, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(d.Remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	if length > MaxFieldSize {
		return nil, ErrAllocationTooLarge
	}
	return d.ReadBytes(int(length))
}

// ReadUint16 reads an error code.
func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint32 reads a frame payload length.
func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint64 reads a ping timestamp.
func (d *Decoder) ReadUint64() (uint64, error) {
	b, err := d.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}
