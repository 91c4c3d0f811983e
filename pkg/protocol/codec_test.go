package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/vango-dev/sigsync/pkg/patch"
)

func sampleMessages() []*Message {
	return []*Message{
		NewSubscribe("count", KindUnspecified),
		NewSubscribe("chat", KindChannel),
		NewUnsubscribe("count"),
		NewHydrate("count", KindBidirectional, 5, []byte(`{"n":5}`)),
		NewPatch("count", 6, patch.Patch{{Op: patch.OpReplace, Path: "/n", Value: json.RawMessage(`6`)}}),
		NewChannel("chat", []byte(`{"text":"hi"}`)),
		NewResyncRequired("count"),
		NewError(ErrSignalNotFound, "missing", "no such signal"),
		NewPing(1234567890),
		NewPong(1234567890),
		NewClose("bye"),
	}
}

func TestCodecsPreserveMessages(t *testing.T) {
	for _, codec := range []Codec{BinaryCodec, JSONCodec} {
		for _, m := range sampleMessages() {
			t.Run(codec.Name()+"/"+m.Type.String(), func(t *testing.T) {
				data, err := codec.Encode(m)
				if err != nil {
					t.Fatalf("Encode() error: %v", err)
				}
				got, err := codec.Decode(data)
				if err != nil {
					t.Fatalf("Decode() error: %v", err)
				}
				if !reflect.DeepEqual(got, m) {
					t.Errorf("Decode(Encode(m)) = %+v, want %+v", got, m)
				}
			})
		}
	}
}

func TestJSONCodecWireShape(t *testing.T) {
	data, err := JSONCodec.Encode(NewHydrate("count", KindServer, 3, []byte(`1`)))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	want := `{"type":"hydrate","signal":"count","kind":"server","version":3,"snapshot":1}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}

func TestJSONCodecDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"unknown_type", `{"type":"bogus","signal":"a"}`, ErrUnknownMessage},
		{"missing_type", `{"signal":"a"}`, ErrUnknownMessage},
		{"missing_signal", `{"type":"subscribe"}`, ErrMissingSignal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := JSONCodec.Decode([]byte(tc.in))
			if !errors.Is(err, tc.want) {
				t.Errorf("Decode() error = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := JSONCodec.Decode([]byte(`{`)); err == nil {
		t.Error("Decode(malformed) error = nil, want error")
	}
}

func TestBinaryCodecRejectsTrailingBytes(t *testing.T) {
	e := NewEncoder()
	e.WriteString("count")
	e.WriteByte(0xAA)
	frame := NewFrame(MsgUnsubscribe, e.Bytes()).Encode()
	if _, err := BinaryCodec.Decode(frame); !errors.Is(err, ErrTrailingBytes) {
		t.Errorf("Decode() error = %v, want ErrTrailingBytes", err)
	}
}

func TestBinaryCodecRejectsOversizedField(t *testing.T) {
	e := NewEncoder()
	e.WriteString("chat")
	e.WriteUvarint(MaxFieldSize + 1)
	e.WriteBytes(make([]byte, MaxFieldSize+1))
	frame := NewFrame(MsgChannel, e.Bytes()).Encode()
	if _, err := BinaryCodec.Decode(frame); !errors.Is(err, ErrAllocationTooLarge) {
		t.Errorf("Decode() error = %v, want ErrAllocationTooLarge", err)
	}
}

func TestDecoderFields(t *testing.T) {
	e := NewEncoder()
	e.WriteUvarint(300)
	e.WriteString("count")
	e.WriteLenBytes([]byte(`{"n":1}`))
	e.WriteUint16(0x0102)
	e.WriteUint64(1 << 40)

	d := NewDecoder(e.Bytes())
	if v, err := d.ReadUvarint(); err != nil || v != 300 {
		t.Errorf("ReadUvarint() = %d, %v", v, err)
	}
	if s, err := d.ReadString(); err != nil || s != "count" {
		t.Errorf("ReadString() = %q, %v", s, err)
	}
	if b, err := d.ReadLenBytes(); err != nil || string(b) != `{"n":1}` {
		t.Errorf("ReadLenBytes() = %s, %v", b, err)
	}
	if v, err := d.ReadUint16(); err != nil || v != 0x0102 {
		t.Errorf("ReadUint16() = %#x, %v", v, err)
	}
	if v, err := d.ReadUint64(); err != nil || v != 1<<40 {
		t.Errorf("ReadUint64() = %d, %v", v, err)
	}
	if !d.EOF() {
		t.Errorf("EOF() = false with %d bytes left", d.Remaining())
	}
	if _, err := d.ReadByte(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadByte() at end error = %v, want io.ErrUnexpectedEOF", err)
	}

	overflow := NewDecoder([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	if _, err := overflow.ReadUvarint(); !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("ReadUvarint() error = %v, want ErrVarintOverflow", err)
	}
	truncated := NewDecoder([]byte{0x80})
	if _, err := truncated.ReadUvarint(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadUvarint() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestEncodeValidates(t *testing.T) {
	for _, codec := range []Codec{BinaryCodec, JSONCodec} {
		if _, err := codec.Encode(&Message{Type: MsgPatch}); !errors.Is(err, ErrMissingSignal) {
			t.Errorf("%s: Encode(no signal) error = %v, want ErrMissingSignal", codec.Name(), err)
		}
		if _, err := codec.Encode(&Message{Type: 0x55}); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("%s: Encode(bad type) error = %v, want ErrUnknownMessage", codec.Name(), err)
		}
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]Codec{"": BinaryCodec, "binary": BinaryCodec, "JSON": JSONCodec} {
		got, err := CodecByName(name)
		if err != nil || got != want {
			t.Errorf("CodecByName(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil || !strings.Contains(err.Error(), "xml") {
		t.Errorf("CodecByName(xml) error = %v", err)
	}
}

func TestKindText(t *testing.T) {
	for _, k := range []Kind{KindServer, KindBidirectional, KindChannel} {
		text, err := k.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v) error: %v", k, err)
		}
		var back Kind
		if err := back.UnmarshalText(text); err != nil || back != k {
			t.Errorf("UnmarshalText(%s) = %v, %v; want %v", text, back, err, k)
		}
	}
	if _, err := Kind(9).MarshalText(); err == nil {
		t.Error("MarshalText(9) error = nil, want error")
	}
	if !KindServer.Stateful() || !KindBidirectional.Stateful() || KindChannel.Stateful() {
		t.Error("Stateful() mismatch")
	}
}
