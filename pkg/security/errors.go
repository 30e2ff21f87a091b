package security

import "errors"

// Errors returned by the session layer and the schemes. Callers match them
// with errors.Is; most are returned wrapped with additional context.
var (
	// ErrUnsupportedVersion is returned when no scheme exists for a version.
	ErrUnsupportedVersion = errors.New("security: unsupported scheme version")

	// ErrAlreadyInitialized is returned by Init without an intervening
	// Cleanup, and by scheme selection while initialized.
	ErrAlreadyInitialized = errors.New("security: already initialized")

	// ErrNotInitialized is returned for session operations before Init.
	ErrNotInitialized = errors.New("security: not initialized")

	// ErrDuplicateSession is returned when opening an id that is already open.
	ErrDuplicateSession = errors.New("security: duplicate session id")

	// ErrUnknownSession is returned for any operation on an id that is not open.
	ErrUnknownSession = errors.New("security: unknown session id")

	// ErrNotSecured is returned by encrypt/decrypt outside StateSecured.
	ErrNotSecured = errors.New("security: session not secured")

	// ErrAlreadyAuthenticated is returned by handshake calls on a secured
	// session. Re-authentication requires closing and reopening.
	ErrAlreadyAuthenticated = errors.New("security: session already authenticated")

	// ErrAuthenticationFailed is returned when the peer's proof of
	// possession does not verify, and for every later call on that session.
	ErrAuthenticationFailed = errors.New("security: authentication failed")

	// ErrMissingPoP is returned when a scheme that requires a proof of
	// possession is given an empty one.
	ErrMissingPoP = errors.New("security: proof of possession required")

	// ErrAllocationFailure is returned when an output buffer cannot be produced.
	ErrAllocationFailure = errors.New("security: output allocation failed")

	// ErrInvalidMessage is returned for malformed handshake messages or
	// ciphertext framing.
	ErrInvalidMessage = errors.New("security: invalid message")

	// ErrDecryptFailed is returned when a ciphertext does not authenticate.
	ErrDecryptFailed = errors.New("security: decryption failed")

	// ErrHandshakeIncomplete is returned by an Initiator asked for its codec
	// before the handshake completed.
	ErrHandshakeIncomplete = errors.New("security: handshake incomplete")
)
