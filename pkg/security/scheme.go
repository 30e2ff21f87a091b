package security

import (
	"io"

	"github.com/pion/logging"
)

// PoP is a proof-of-possession secret. It is borrowed for the duration of a
// single call; schemes keep only key material derived from it. A nil or empty
// PoP means "no secret configured".
type PoP []byte

// IsEmpty reports whether no secret was supplied.
func (p PoP) IsEmpty() bool {
	return len(p) == 0
}

// Step is the result of one handshake call.
type Step struct {
	// Out is the response to send to the peer. It is owned by the caller and
	// may be empty.
	Out []byte

	// Done is true on the call that completed authentication.
	Done bool
}

// Env carries the process-wide inputs a scheme may use during Init.
type Env struct {
	// Rand is the entropy source. Nil means crypto/rand.
	Rand io.Reader

	// PBKDFIterations is the iteration count for password-stretching schemes.
	// Zero selects the scheme default.
	PBKDFIterations int

	// LoggerFactory creates scheme loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Scheme is a versioned security scheme descriptor. Implementations carry no
// mutable fields so a single value may be used from any goroutine.
type Scheme interface {
	// Version returns the scheme's version number.
	Version() Version

	// Overhead is the exact number of bytes Encrypt adds and Decrypt removes.
	Overhead() int

	// RequiresPoP reports whether an empty PoP must be rejected.
	RequiresPoP() bool

	// Init allocates process-wide resources.
	Init(env Env) (Shared, error)

	// NewSession creates the device-side state for a new session id.
	NewSession(shared Shared, id uint32) (Session, error)

	// NewInitiator creates the peer side of the handshake.
	NewInitiator(pop PoP, env Env) (Initiator, error)
}

// Shared holds a scheme's process-wide resources. Implementations must be
// safe for concurrent use by sessions.
type Shared interface {
	// Release frees the resources. It is called once, by Cleanup.
	Release()
}

// Session is a scheme's device-side per-session state. The session layer
// never calls two methods on the same Session concurrently.
type Session interface {
	// Handshake consumes one inbound handshake message and produces the
	// response. An error wrapping ErrAuthenticationFailed marks a PoP
	// mismatch.
	Handshake(pop PoP, in []byte) (Step, error)

	// Encrypt seals a payload. Valid only after a Done handshake step. It
	// must not change the session state when it fails.
	Encrypt(in []byte) ([]byte, error)

	// Decrypt opens a payload. Valid only after a Done handshake step. It
	// must not change the session state when it fails.
	Decrypt(in []byte) ([]byte, error)

	// Zeroize destroys all key material. The session is unusable afterwards.
	Zeroize()
}

// Codec is the data path on the initiating side once the handshake is done.
type Codec interface {
	Encrypt(in []byte) ([]byte, error)
	Decrypt(in []byte) ([]byte, error)
	Overhead() int
}

// Initiator drives the client side of a scheme's handshake.
//
//	req, _ := init.Start()
//	for {
//		resp := send(req)
//		req, done, err = init.Next(resp)
//		if done { break }
//	}
//	codec, _ := init.Codec()
type Initiator interface {
	// Start returns the first handshake request.
	Start() ([]byte, error)

	// Next consumes a response and returns the next request. When done is
	// true the handshake is complete and req is nil.
	Next(resp []byte) (req []byte, done bool, err error)

	// Codec returns the data path. ErrHandshakeIncomplete before completion.
	Codec() (Codec, error)
}
