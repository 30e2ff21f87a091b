// Package security defines the contract between the session layer and the
// pluggable security schemes.
//
// A Scheme is an immutable, versioned descriptor. Everything that changes at
// runtime lives elsewhere: process-wide resources in the Shared value returned
// by Scheme.Init, and per-session keys and handshake progress in the Session
// value returned by Scheme.NewSession. The session layer (pkg/session) owns
// those values and serializes calls on any one Session, so scheme code never
// needs its own locking for per-session state.
//
// Concrete schemes live in the sec0, sec1 and sec2 subpackages and are
// looked up by version through pkg/security/registry.
package security

import "fmt"

// Version identifies a security scheme.
type Version int

const (
	// Version0 is the unencrypted scheme (sec0).
	Version0 Version = 0

	// Version1 is X25519 + PoP + ChaCha20-Poly1305 (sec1).
	Version1 Version = 1

	// Version2 is SPAKE2+ + AES-CCM with a mandatory PoP (sec2).
	Version2 Version = 2
)

// String returns a human-readable name for the version.
func (v Version) String() string {
	return fmt.Sprintf("sec%d", int(v))
}

// State is the lifecycle state of a session record.
type State int

const (
	// StateCreated is a freshly opened session with no handshake traffic yet.
	StateCreated State = iota

	// StateAuthenticating is a session with at least one completed, non-final
	// handshake step.
	StateAuthenticating

	// StateSecured is an authenticated session; only here are encrypt and
	// decrypt valid.
	StateSecured

	// StateFailed is a session whose handshake failed. It stays unusable
	// until closed.
	StateFailed

	// StateClosed is terminal. Closed sessions are removed from the table, so
	// this value is only observed by callers holding a stale record.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateAuthenticating:
		return "Authenticating"
	case StateSecured:
		return "Secured"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StateCreated && s <= StateClosed
}
