package stream

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/backkem/protocomm/pkg/transport"
)

// Frame layout. Every frame starts with a 4-byte big-endian length of the
// rest of the frame.
//
//	request:  len(4) | endpointLen(1) | endpoint | payload
//	response: len(4) | status(1) | payload
//
// A response with a non-OK status carries the device's error text as payload.
const (
	lengthSize = 4

	// MaxFrameSize bounds the body of a frame (everything after the length).
	MaxFrameSize = 64 * 1024

	// MaxEndpointLen is the longest endpoint name a request can carry.
	MaxEndpointLen = 255
)

// Request is a decoded request frame.
type Request struct {
	Endpoint string
	Payload  []byte
}

// Response is a decoded response frame.
type Response struct {
	Status  transport.Status
	Payload []byte
}

// WriteRequest writes one request frame.
func WriteRequest(w io.Writer, endpoint string, payload []byte) error {
	if len(endpoint) == 0 || len(endpoint) > MaxEndpointLen {
		return fmt.Errorf("endpoint name of %d bytes: %w", len(endpoint), transport.ErrInvalidFrame)
	}
	body := make([]byte, 0, 1+len(endpoint)+len(payload))
	body = append(body, byte(len(endpoint)))
	body = append(body, endpoint...)
	body = append(body, payload...)
	return writeFrame(w, body)
}

// ReadRequest reads one request frame.
func ReadRequest(r io.Reader) (*Request, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, fmt.Errorf("empty request: %w", transport.ErrInvalidFrame)
	}
	n := int(body[0])
	if n == 0 || len(body) < 1+n {
		return nil, fmt.Errorf("endpoint length %d: %w", n, transport.ErrInvalidFrame)
	}
	return &Request{
		Endpoint: string(body[1 : 1+n]),
		Payload:  body[1+n:],
	}, nil
}

// WriteResponse writes one response frame.
func WriteResponse(w io.Writer, status transport.Status, payload []byte) error {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, byte(status))
	body = append(body, payload...)
	return writeFrame(w, body)
}

// ReadResponse reads one response frame.
func ReadResponse(r io.Reader) (*Response, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, fmt.Errorf("empty response: %w", transport.ErrInvalidFrame)
	}
	return &Response{Status: transport.Status(body[0]), Payload: body[1:]}, nil
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return transport.ErrMessageTooLarge
	}
	buf := make([]byte, lengthSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[lengthSize:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [lengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, transport.ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
