// Package handshake encodes the messages exchanged during a scheme's
// handshake.
//
// A frame is a message type followed by tagged fields:
//
//	type(1) | count(1) | { tag(1) | length(2, little-endian) | value }*
//
// Tags are scoped to the message type, the same way context tags are scoped
// to their enclosing structure. Decoding is strict: truncated input, repeated
// tags and trailing bytes are all rejected.
package handshake

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/backkem/protocomm/pkg/security"
)

// MessageType identifies a handshake message.
type MessageType uint8

// Message types. Each scheme uses the subset it needs.
const (
	TypeSessionCommand0  MessageType = 0x00
	TypeSessionResponse0 MessageType = 0x01
	TypeSessionCommand1  MessageType = 0x02
	TypeSessionResponse1 MessageType = 0x03
	TypeSessionCommand2  MessageType = 0x04
	TypeSessionResponse2 MessageType = 0x05
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeSessionCommand0:
		return "SessionCommand0"
	case TypeSessionResponse0:
		return "SessionResponse0"
	case TypeSessionCommand1:
		return "SessionCommand1"
	case TypeSessionResponse1:
		return "SessionResponse1"
	case TypeSessionCommand2:
		return "SessionCommand2"
	case TypeSessionResponse2:
		return "SessionResponse2"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", uint8(t))
	}
}

// Status codes carried in response frames under TagStatus.
const (
	StatusOK             uint8 = 0
	StatusInvalidMessage uint8 = 1
	StatusAuthFailed     uint8 = 2
)

// TagStatus is the tag every response frame may use for its status byte.
const TagStatus uint8 = 0xFF

const (
	headerSize      = 2
	fieldHeaderSize = 3
	maxFields       = math.MaxUint8
	maxFieldLen     = math.MaxUint16
)

// Field is a single tagged value.
type Field struct {
	Tag   uint8
	Value []byte
}

// Frame is a decoded handshake message.
type Frame struct {
	Type   MessageType
	Fields []Field
}

// New creates a frame of the given type.
func New(t MessageType) *Frame {
	return &Frame{Type: t}
}

// Put appends a field. The value is copied.
func (f *Frame) Put(tag uint8, value []byte) *Frame {
	v := make([]byte, len(value))
	copy(v, value)
	f.Fields = append(f.Fields, Field{Tag: tag, Value: v})
	return f
}

// PutUint8 appends a one-byte field.
func (f *Frame) PutUint8(tag uint8, v uint8) *Frame {
	return f.Put(tag, []byte{v})
}

// PutUint32 appends a four-byte little-endian field.
func (f *Frame) PutUint32(tag uint8, v uint32) *Frame {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return f.Put(tag, b[:])
}

// Get returns the value for tag.
func (f *Frame) Get(tag uint8) ([]byte, bool) {
	for _, fld := range f.Fields {
		if fld.Tag == tag {
			return fld.Value, true
		}
	}
	return nil, false
}

// Bytes returns the value for tag, requiring an exact length when size >= 0.
func (f *Frame) Bytes(tag uint8, size int) ([]byte, error) {
	v, ok := f.Get(tag)
	if !ok {
		return nil, fmt.Errorf("%s: missing tag %d: %w", f.Type, tag, security.ErrInvalidMessage)
	}
	if size >= 0 && len(v) != size {
		return nil, fmt.Errorf("%s: tag %d has %d bytes, want %d: %w", f.Type, tag, len(v), size, security.ErrInvalidMessage)
	}
	return v, nil
}

// Uint8 returns a one-byte field.
func (f *Frame) Uint8(tag uint8) (uint8, error) {
	v, err := f.Bytes(tag, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Uint32 returns a four-byte little-endian field.
func (f *Frame) Uint32(tag uint8) (uint32, error) {
	v, err := f.Bytes(tag, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Fields) > maxFields {
		return nil, fmt.Errorf("%s: %d fields: %w", f.Type, len(f.Fields), security.ErrInvalidMessage)
	}

	size := headerSize
	for _, fld := range f.Fields {
		if len(fld.Value) > maxFieldLen {
			return nil, fmt.Errorf("%s: tag %d too long: %w", f.Type, fld.Tag, security.ErrInvalidMessage)
		}
		size += fieldHeaderSize + len(fld.Value)
	}

	out := make([]byte, 0, size)
	out = append(out, byte(f.Type), byte(len(f.Fields)))
	for _, fld := range f.Fields {
		out = append(out, fld.Tag)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(fld.Value)))
		out = append(out, fld.Value...)
	}
	return out, nil
}

// Decode parses a frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("frame truncated: %w", security.ErrInvalidMessage)
	}

	f := &Frame{Type: MessageType(data[0])}
	count := int(data[1])
	rest := data[headerSize:]
	seen := make(map[uint8]bool, count)

	for i := 0; i < count; i++ {
		if len(rest) < fieldHeaderSize {
			return nil, fmt.Errorf("%s: field %d header truncated: %w", f.Type, i, security.ErrInvalidMessage)
		}
		tag := rest[0]
		n := int(binary.LittleEndian.Uint16(rest[1:3]))
		rest = rest[fieldHeaderSize:]
		if len(rest) < n {
			return nil, fmt.Errorf("%s: tag %d value truncated: %w", f.Type, tag, security.ErrInvalidMessage)
		}
		if seen[tag] {
			return nil, fmt.Errorf("%s: duplicate tag %d: %w", f.Type, tag, security.ErrInvalidMessage)
		}
		seen[tag] = true
		f.Put(tag, rest[:n])
		rest = rest[n:]
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%s: %d trailing bytes: %w", f.Type, len(rest), security.ErrInvalidMessage)
	}
	return f, nil
}

// DecodeType parses a frame and checks its type.
func DecodeType(data []byte, want MessageType) (*Frame, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if f.Type != want {
		return nil, fmt.Errorf("got %s, want %s: %w", f.Type, want, security.ErrInvalidMessage)
	}
	return f, nil
}

// Status builds a response frame that carries only a status byte.
func Status(t MessageType, status uint8) ([]byte, error) {
	return New(t).PutUint8(TagStatus, status).Encode()
}
