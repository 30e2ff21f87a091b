package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNoHandler is returned when no request handler is configured.
	ErrNoHandler = errors.New("transport: no request handler configured")

	// ErrAlreadyStarted is returned when Start is called on an already running transport.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrMessageTooLarge is returned when a frame exceeds the maximum size.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrInvalidFrame is returned for frames that cannot be parsed.
	ErrInvalidFrame = errors.New("transport: invalid frame")

	// ErrRateLimited is returned when a peer sends handshake messages too fast.
	ErrRateLimited = errors.New("transport: rate limited")

	// ErrRemote is wrapped around failures reported by the device.
	ErrRemote = errors.New("transport: remote error")
)
