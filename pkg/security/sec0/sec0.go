// Package sec0 implements security scheme version 0: a single round trip
// that marks the session secured without any authentication or encryption.
// Payloads pass through unchanged. It exists for development setups and for
// transports that are already encrypted at a lower layer.
package sec0

import (
	"fmt"

	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/security/handshake"
)

// Scheme is the version 0 descriptor.
type Scheme struct{}

var _ security.Scheme = Scheme{}

// Version returns security.Version0.
func (Scheme) Version() security.Version { return security.Version0 }

// Overhead is zero: payloads are not transformed.
func (Scheme) Overhead() int { return 0 }

// RequiresPoP is false; any PoP is ignored.
func (Scheme) RequiresPoP() bool { return false }

// Init has no process-wide resources to allocate.
func (Scheme) Init(security.Env) (security.Shared, error) { return noShared{}, nil }

// NewSession creates the per-session state.
func (Scheme) NewSession(security.Shared, uint32) (security.Session, error) {
	return &session{}, nil
}

// NewInitiator creates the client side.
func (Scheme) NewInitiator(security.PoP, security.Env) (security.Initiator, error) {
	return &initiator{}, nil
}

type noShared struct{}

func (noShared) Release() {}

type session struct {
	done bool
}

func (s *session) Handshake(_ security.PoP, in []byte) (security.Step, error) {
	if s.done {
		return security.Step{}, security.ErrAlreadyAuthenticated
	}
	if _, err := handshake.DecodeType(in, handshake.TypeSessionCommand0); err != nil {
		return security.Step{}, fmt.Errorf("sec0: %w", err)
	}

	out, err := handshake.Status(handshake.TypeSessionResponse0, handshake.StatusOK)
	if err != nil {
		return security.Step{}, err
	}
	s.done = true
	return security.Step{Out: out, Done: true}, nil
}

func (s *session) Encrypt(in []byte) ([]byte, error) {
	if !s.done {
		return nil, security.ErrNotSecured
	}
	return passthrough(in), nil
}

func (s *session) Decrypt(in []byte) ([]byte, error) {
	if !s.done {
		return nil, security.ErrNotSecured
	}
	return passthrough(in), nil
}

func (s *session) Zeroize() {
	s.done = false
}

type initiator struct {
	started bool
	done    bool
}

func (i *initiator) Start() ([]byte, error) {
	i.started = true
	return handshake.New(handshake.TypeSessionCommand0).Encode()
}

func (i *initiator) Next(resp []byte) ([]byte, bool, error) {
	if !i.started || i.done {
		return nil, false, fmt.Errorf("sec0: unexpected response: %w", security.ErrInvalidMessage)
	}
	f, err := handshake.DecodeType(resp, handshake.TypeSessionResponse0)
	if err != nil {
		return nil, false, fmt.Errorf("sec0: %w", err)
	}
	status, err := f.Uint8(handshake.TagStatus)
	if err != nil {
		return nil, false, fmt.Errorf("sec0: %w", err)
	}
	if status != handshake.StatusOK {
		return nil, false, fmt.Errorf("sec0: peer status %d: %w", status, security.ErrInvalidMessage)
	}
	i.done = true
	return nil, true, nil
}

func (i *initiator) Codec() (security.Codec, error) {
	if !i.done {
		return nil, security.ErrHandshakeIncomplete
	}
	return codec{}, nil
}

type codec struct{}

func (codec) Encrypt(in []byte) ([]byte, error) { return passthrough(in), nil }
func (codec) Decrypt(in []byte) ([]byte, error) { return passthrough(in), nil }
func (codec) Overhead() int                     { return 0 }

// passthrough returns a caller-owned copy so the output never aliases the
// borrowed input.
func passthrough(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
