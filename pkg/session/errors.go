package session

import (
	"errors"
	"fmt"

	"github.com/backkem/protocomm/pkg/security"
)

// Session package errors. Lifecycle errors shared with the schemes
// (ErrUnknownSession, ErrNotSecured, ...) live in pkg/security.
var (
	// ErrSessionTableFull is returned when no more sessions can be opened.
	// It matches security.ErrAllocationFailure.
	ErrSessionTableFull = fmt.Errorf("session: session table full: %w", security.ErrAllocationFailure)

	// ErrNilScheme is returned by Manager.Use for a nil scheme.
	ErrNilScheme = errors.New("session: nil security scheme")
)
