package protocomm

import "errors"

// Protocomm errors.
var (
	// ErrEndpointExists is returned when registering a name twice.
	ErrEndpointExists = errors.New("protocomm: endpoint already registered")

	// ErrEndpointNotFound is returned for requests to an unregistered name.
	ErrEndpointNotFound = errors.New("protocomm: endpoint not found")

	// ErrSecurityNotSet is returned when a session or data request arrives
	// before SetSecurity.
	ErrSecurityNotSet = errors.New("protocomm: security endpoint not set")

	// ErrSecurityAlreadySet is returned by SetSecurity when a security
	// endpoint is already bound.
	ErrSecurityAlreadySet = errors.New("protocomm: security endpoint already set")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("protocomm: closed")
)
