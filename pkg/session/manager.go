// Package session implements the session lifecycle on top of a pluggable
// security scheme: process-wide init and cleanup, opening and closing
// transport sessions, driving the proof-of-possession handshake, and the
// encrypt/decrypt data path.
//
// A Manager holds at most one active scheme. Transports call it directly:
//
//	NewTransportSession(id)              on connect
//	HandleRequest(pop, id, msg)          per handshake message, until Step.Done
//	Encrypt(id, m) / Decrypt(id, m)      per payload
//	CloseTransportSession(id)            on disconnect
//
// Session lifecycle:
//
//	Created --> Authenticating --> Secured
//	   |              |
//	   +--------------+--> Failed
//
// Close is accepted in every state and removes the record.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/security/registry"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// Version selects the security scheme. The zero value is sec0.
	Version security.Version

	// MaxSessions limits the number of concurrent sessions.
	// Default: DefaultMaxSessions (16)
	MaxSessions int

	// Rand is the entropy source handed to the scheme. Nil means crypto/rand.
	Rand io.Reader

	// PBKDFIterations is handed to password-stretching schemes.
	// Zero selects the scheme default.
	PBKDFIterations int

	// LoggerFactory creates the manager and scheme loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory

	// Registerer receives the session metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Manager owns the active scheme and the session table.
type Manager struct {
	// mu guards the scheme selection and initialization. Session operations
	// hold it for reading, so Cleanup waits for in-flight calls.
	mu          sync.RWMutex
	scheme      security.Scheme
	shared      security.Shared
	initialized bool

	env     security.Env
	table   *Table[security.Session]
	log     logging.LeveledLogger
	metrics *metrics
}

// NewManager creates a manager for config.Version. Call Init before opening
// sessions.
func NewManager(config ManagerConfig) (*Manager, error) {
	scheme, err := registry.Lookup(config.Version)
	if err != nil {
		return nil, err
	}
	met, err := newMetrics(config.Registerer)
	if err != nil {
		return nil, fmt.Errorf("session: metrics: %w", err)
	}

	m := &Manager{
		scheme: scheme,
		env: security.Env{
			Rand:            config.Rand,
			PBKDFIterations: config.PBKDFIterations,
			LoggerFactory:   config.LoggerFactory,
		},
		table:   NewTable[security.Session](config.MaxSessions),
		metrics: met,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("session")
	}
	return m, nil
}

// Select switches to the scheme registered for version. It fails with
// ErrAlreadyInitialized between Init and Cleanup.
func (m *Manager) Select(version security.Version) error {
	scheme, err := registry.Lookup(version)
	if err != nil {
		return err
	}
	return m.Use(scheme)
}

// Use installs a scheme that is not in the registry. It fails with
// ErrAlreadyInitialized between Init and Cleanup.
func (m *Manager) Use(scheme security.Scheme) error {
	if scheme == nil {
		return ErrNilScheme
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return security.ErrAlreadyInitialized
	}
	m.scheme = scheme
	return nil
}

// Scheme returns the selected scheme.
func (m *Manager) Scheme() security.Scheme {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scheme
}

// Initialized reports whether Init has been called without a later Cleanup.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Init allocates the scheme's process-wide resources.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return security.ErrAlreadyInitialized
	}
	shared, err := m.scheme.Init(m.env)
	if err != nil {
		return fmt.Errorf("session: init %s: %w", m.scheme.Version(), err)
	}

	m.shared = shared
	m.initialized = true
	m.debugf("initialized %s", m.scheme.Version())
	return nil
}

// Cleanup closes every open session, zeroizing its keys, and releases the
// scheme's process-wide resources. It is a no-op when not initialized.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return
	}

	n := m.table.Clear(zeroizeRecord)
	m.metrics.closed(n)
	m.shared.Release()
	m.shared = nil
	m.initialized = false
	m.debugf("cleaned up %s, closed %d sessions", m.scheme.Version(), n)
}

// AllocateSessionID returns an id that is not currently open.
func (m *Manager) AllocateSessionID() (uint32, error) {
	return m.table.AllocateID()
}

// NewTransportSession opens a session for id in StateCreated.
func (m *Manager) NewTransportSession(id uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return security.ErrNotInitialized
	}

	sess, err := m.scheme.NewSession(m.shared, id)
	if err != nil {
		return fmt.Errorf("session %d: %w: %w", id, security.ErrAllocationFailure, err)
	}
	if err := m.table.Open(id, sess); err != nil {
		sess.Zeroize()
		return err
	}

	m.metrics.opened()
	m.tracef("session %d: opened", id)
	return nil
}

// CloseTransportSession removes id. Key material is zeroized before it
// returns.
func (m *Manager) CloseTransportSession(id uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return security.ErrUnknownSession
	}

	var last security.State
	err := m.table.Close(id, func(r *Record[security.Session]) {
		last = r.State
		zeroizeRecord(r)
	})
	if err != nil {
		return err
	}

	m.metrics.closed(1)
	m.tracef("session %d: closed in state %s", id, last)
	return nil
}

// State returns the lifecycle state of id.
func (m *Manager) State(id uint32) (security.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return 0, security.ErrUnknownSession
	}
	return m.table.Lookup(id)
}

// SessionCount returns the number of open sessions.
func (m *Manager) SessionCount() int {
	return m.table.Count()
}

// HandleRequest feeds one inbound handshake message for id to the scheme.
//
// On the call that completes the handshake the session becomes Secured and
// Step.Done is set. Any scheme error moves the session to Failed; a PoP
// mismatch surfaces as ErrAuthenticationFailed, here and on every later call.
// An empty PoP given to a scheme that requires one fails with ErrMissingPoP
// and leaves the session untouched.
func (m *Manager) HandleRequest(pop security.PoP, id uint32, in []byte) (security.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return security.Step{}, security.ErrUnknownSession
	}

	var step security.Step
	err := m.table.With(id, func(r *Record[security.Session]) error {
		switch r.State {
		case security.StateSecured:
			return security.ErrAlreadyAuthenticated
		case security.StateFailed:
			return security.ErrAuthenticationFailed
		}
		if m.scheme.RequiresPoP() && pop.IsEmpty() {
			return security.ErrMissingPoP
		}

		s, err := r.Value.Handshake(pop, in)
		if err != nil {
			r.State = security.StateFailed
			m.metrics.failed()
			m.debugf("session %d: handshake failed: %v", id, err)
			if errors.Is(err, security.ErrAuthenticationFailed) {
				return err
			}
			return fmt.Errorf("session %d: handshake: %w", id, err)
		}

		if s.Done {
			r.State = security.StateSecured
			m.metrics.secured()
			m.debugf("session %d: secured", id)
		} else {
			r.State = security.StateAuthenticating
			m.tracef("session %d: handshake step", id)
		}
		step = s
		return nil
	})
	return step, err
}

// Encrypt seals a payload on a Secured session. The result is exactly
// Scheme().Overhead() bytes longer than in.
func (m *Manager) Encrypt(id uint32, in []byte) ([]byte, error) {
	return m.transform(id, in, security.Session.Encrypt)
}

// Decrypt opens a payload on a Secured session. The result is exactly
// Scheme().Overhead() bytes shorter than in.
func (m *Manager) Decrypt(id uint32, in []byte) ([]byte, error) {
	return m.transform(id, in, security.Session.Decrypt)
}

func (m *Manager) transform(id uint32, in []byte, fn func(security.Session, []byte) ([]byte, error)) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, security.ErrUnknownSession
	}

	var out []byte
	err := m.table.With(id, func(r *Record[security.Session]) error {
		switch r.State {
		case security.StateSecured:
		case security.StateFailed:
			return fmt.Errorf("%w: %w", security.ErrNotSecured, security.ErrAuthenticationFailed)
		default:
			return security.ErrNotSecured
		}

		var err error
		out, err = fn(r.Value, in)
		if err != nil {
			return fmt.Errorf("session %d: %w", id, err)
		}
		if out == nil {
			out = []byte{}
		}
		return nil
	})
	return out, err
}

func zeroizeRecord(r *Record[security.Session]) {
	if r.Value != nil {
		r.Value.Zeroize()
	}
}

func (m *Manager) debugf(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Debugf(format, args...)
	}
}

func (m *Manager) tracef(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Tracef(format, args...)
	}
}
