package handshake

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/protocomm/pkg/security"
)

func TestFrame_EncodeDecode(t *testing.T) {
	f := New(TypeSessionCommand1).
		Put(1, []byte{0xAA, 0xBB}).
		PutUint8(2, 7).
		PutUint32(3, 0x01020304).
		Put(4, nil)

	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := []byte{
		0x02, 0x04,
		0x01, 0x02, 0x00, 0xAA, 0xBB,
		0x02, 0x01, 0x00, 0x07,
		0x03, 0x04, 0x00, 0x04, 0x03, 0x02, 0x01,
		0x04, 0x00, 0x00,
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("Encode() = %x, want %x", data, want)
	}

	got, err := DecodeType(data, TypeSessionCommand1)
	if err != nil {
		t.Fatalf("DecodeType() error = %v", err)
	}
	if v, _ := got.Bytes(1, 2); !bytes.Equal(v, []byte{0xAA, 0xBB}) {
		t.Errorf("Bytes(1) = %x", v)
	}
	if v, _ := got.Uint8(2); v != 7 {
		t.Errorf("Uint8(2) = %d, want 7", v)
	}
	if v, _ := got.Uint32(3); v != 0x01020304 {
		t.Errorf("Uint32(3) = %#x, want 0x01020304", v)
	}
	if v, err := got.Bytes(4, 0); err != nil || len(v) != 0 {
		t.Errorf("Bytes(4, 0) = %x, %v", v, err)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only short", []byte{0x00}},
		{"missing field", []byte{0x00, 0x01}},
		{"truncated field header", []byte{0x00, 0x01, 0x01, 0x02}},
		{"truncated value", []byte{0x00, 0x01, 0x01, 0x02, 0x00, 0xAA}},
		{"duplicate tag", []byte{0x00, 0x02, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00}},
		{"trailing bytes", []byte{0x00, 0x00, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, security.ErrInvalidMessage) {
				t.Errorf("Decode(%x) error = %v, want ErrInvalidMessage", tt.data, err)
			}
		})
	}
}

func TestDecodeType_Mismatch(t *testing.T) {
	data, _ := New(TypeSessionCommand0).Encode()
	if _, err := DecodeType(data, TypeSessionCommand1); !errors.Is(err, security.ErrInvalidMessage) {
		t.Errorf("DecodeType() error = %v, want ErrInvalidMessage", err)
	}
}

func TestFrame_FieldAccessors(t *testing.T) {
	f := New(TypeSessionResponse0).Put(1, []byte{1, 2, 3})

	if _, err := f.Bytes(2, -1); !errors.Is(err, security.ErrInvalidMessage) {
		t.Errorf("Bytes(missing) error = %v, want ErrInvalidMessage", err)
	}
	if _, err := f.Bytes(1, 4); !errors.Is(err, security.ErrInvalidMessage) {
		t.Errorf("Bytes(wrong size) error = %v, want ErrInvalidMessage", err)
	}
	if _, err := f.Uint32(1); !errors.Is(err, security.ErrInvalidMessage) {
		t.Errorf("Uint32(3 bytes) error = %v, want ErrInvalidMessage", err)
	}
}

func TestStatus(t *testing.T) {
	data, err := Status(TypeSessionResponse2, StatusOK)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if s, err := f.Uint8(TagStatus); err != nil || s != StatusOK {
		t.Errorf("status = %d, %v; want StatusOK", s, err)
	}
}

func TestMessageType_String(t *testing.T) {
	if got := TypeSessionCommand0.String(); got != "SessionCommand0" {
		t.Errorf("String() = %q", got)
	}
	if got := MessageType(0x42).String(); got != "MessageType(0x42)" {
		t.Errorf("String() = %q", got)
	}
}
