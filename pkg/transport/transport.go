// Package transport holds what the concrete transports share: the handler
// they deliver requests to and the mapping between errors and wire status
// codes.
//
// Concrete transports:
//   - stream: length-prefixed frames over any net.Conn (TCP, serial)
//   - httpd: one POST per request, sessions bound by cookie
package transport

import (
	"errors"
	"fmt"

	"github.com/backkem/protocomm/pkg/protocomm"
	"github.com/backkem/protocomm/pkg/security"
)

// Handler is the device side a transport feeds. *protocomm.Protocomm
// implements it.
type Handler interface {
	HasEndpoint(name string) bool
	NewSession() (uint32, error)
	CloseSession(id uint32) error
	HandleRequest(endpoint string, id uint32, in []byte) ([]byte, error)
}

var _ Handler = (*protocomm.Protocomm)(nil)

// Status is the outcome of a request as carried on the wire.
type Status uint8

const (
	StatusOK Status = iota
	StatusEndpointNotFound
	StatusUnknownSession
	StatusNotSecured
	StatusAuthenticationFailed
	StatusMissingPoP
	StatusInvalidRequest
	StatusRateLimited
	StatusInternal
	StatusBusy
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusEndpointNotFound:
		return "EndpointNotFound"
	case StatusUnknownSession:
		return "UnknownSession"
	case StatusNotSecured:
		return "NotSecured"
	case StatusAuthenticationFailed:
		return "AuthenticationFailed"
	case StatusMissingPoP:
		return "MissingPoP"
	case StatusInvalidRequest:
		return "InvalidRequest"
	case StatusRateLimited:
		return "RateLimited"
	case StatusInternal:
		return "Internal"
	case StatusBusy:
		return "Busy"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// StatusOf classifies a handler error. Authentication failure is checked
// before NotSecured since data-path errors on a failed session match both.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, protocomm.ErrEndpointNotFound):
		return StatusEndpointNotFound
	case errors.Is(err, security.ErrAuthenticationFailed):
		return StatusAuthenticationFailed
	case errors.Is(err, security.ErrUnknownSession):
		return StatusUnknownSession
	case errors.Is(err, security.ErrNotSecured), errors.Is(err, security.ErrAlreadyAuthenticated):
		return StatusNotSecured
	case errors.Is(err, security.ErrMissingPoP):
		return StatusMissingPoP
	case errors.Is(err, security.ErrInvalidMessage), errors.Is(err, security.ErrDecryptFailed),
		errors.Is(err, ErrInvalidFrame), errors.Is(err, ErrMessageTooLarge):
		return StatusInvalidRequest
	case errors.Is(err, ErrRateLimited):
		return StatusRateLimited
	case errors.Is(err, security.ErrAllocationFailure):
		return StatusBusy
	default:
		return StatusInternal
	}
}

// Err turns a status received from a device back into an error that
// matches the corresponding sentinel. msg is the device's error text.
func (s Status) Err(msg string) error {
	var base error
	switch s {
	case StatusOK:
		return nil
	case StatusEndpointNotFound:
		base = protocomm.ErrEndpointNotFound
	case StatusUnknownSession:
		base = security.ErrUnknownSession
	case StatusNotSecured:
		base = security.ErrNotSecured
	case StatusAuthenticationFailed:
		base = security.ErrAuthenticationFailed
	case StatusMissingPoP:
		base = security.ErrMissingPoP
	case StatusInvalidRequest:
		base = security.ErrInvalidMessage
	case StatusRateLimited:
		base = ErrRateLimited
	case StatusBusy:
		base = security.ErrAllocationFailure
	default:
		return fmt.Errorf("%w: %s: %s", ErrRemote, s, msg)
	}
	return fmt.Errorf("%w: %w: %s", ErrRemote, base, msg)
}
