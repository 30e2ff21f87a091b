// Package protocomm routes named endpoint requests from a transport through
// the session layer.
//
// A Protocomm instance has three kinds of endpoint:
//
//   - one security endpoint (SetSecurity) that carries handshake messages,
//   - an optional version endpoint (SetVersion) that answers in plaintext so
//     a client can learn the scheme before any session exists,
//   - application endpoints (AddEndpoint), whose requests are decrypted,
//     handed to the handler, and whose replies are encrypted.
//
// Transports (pkg/transport/...) map their connections to session ids and
// call OpenSession, HandleRequest and CloseSession.
package protocomm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/session"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Default endpoint names.
const (
	DefaultSecurityEndpoint = "proto-session"
	DefaultVersionEndpoint  = "proto-ver"
)

// HandlerFunc serves one decrypted application request on a session and
// returns the plaintext reply.
type HandlerFunc func(sessionID uint32, req []byte) ([]byte, error)

// VersionInfo is the reply of the version endpoint.
type VersionInfo struct {
	Version         string   `json:"ver"`
	SecurityVersion int      `json:"sec_ver"`
	PoPRequired     bool     `json:"pop_required"`
	Capabilities    []string `json:"cap,omitempty"`
}

type endpointKind int

const (
	kindApplication endpointKind = iota
	kindSecurity
	kindVersion
)

type endpoint struct {
	kind    endpointKind
	handler HandlerFunc

	version      string
	capabilities []string
}

// Config configures a Protocomm instance.
type Config struct {
	// MaxSessions limits concurrent sessions.
	// Default: session.DefaultMaxSessions (16)
	MaxSessions int

	// Rand is the entropy source for the security scheme. Nil means crypto/rand.
	Rand io.Reader

	// PBKDFIterations is handed to password-stretching schemes.
	PBKDFIterations int

	// LoggerFactory creates loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory

	// Registerer receives the session metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Protocomm is an endpoint router bound to one session manager.
type Protocomm struct {
	config Config
	log    logging.LeveledLogger

	mu         sync.RWMutex
	endpoints  map[string]*endpoint
	manager    *session.Manager
	securityEP string
	pop        security.PoP
	closed     bool
}

// New creates an instance with no endpoints.
func New(config Config) *Protocomm {
	p := &Protocomm{
		config:    config,
		endpoints: make(map[string]*endpoint),
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("protocomm")
	}
	return p
}

// SetSecurity binds the handshake endpoint, selects the scheme for version
// and initializes it. pop is copied; it may be empty for schemes that do not
// require one.
func (p *Protocomm) SetSecurity(name string, version security.Version, pop security.PoP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.manager != nil {
		return ErrSecurityAlreadySet
	}
	if _, exists := p.endpoints[name]; exists {
		return fmt.Errorf("%w: %q", ErrEndpointExists, name)
	}

	m, err := session.NewManager(session.ManagerConfig{
		Version:         version,
		MaxSessions:     p.config.MaxSessions,
		Rand:            p.config.Rand,
		PBKDFIterations: p.config.PBKDFIterations,
		LoggerFactory:   p.config.LoggerFactory,
		Registerer:      p.config.Registerer,
	})
	if err != nil {
		return err
	}
	if m.Scheme().RequiresPoP() && pop.IsEmpty() {
		return fmt.Errorf("%s: %w", version, security.ErrMissingPoP)
	}
	if err := m.Init(); err != nil {
		return err
	}

	p.manager = m
	p.securityEP = name
	p.pop = append(security.PoP(nil), pop...)
	p.endpoints[name] = &endpoint{kind: kindSecurity}
	if p.log != nil {
		p.log.Infof("security endpoint %q uses %s", name, version)
	}
	return nil
}

// UnsetSecurity removes the security endpoint, closing every session.
func (p *Protocomm) UnsetSecurity() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager == nil {
		return ErrSecurityNotSet
	}
	p.releaseSecurity()
	return nil
}

func (p *Protocomm) releaseSecurity() {
	p.manager.Cleanup()
	p.manager = nil
	delete(p.endpoints, p.securityEP)
	p.securityEP = ""
	p.pop = nil
}

// SetVersion registers a plaintext endpoint that reports ver, the security
// version and capabilities as JSON. It must be called after SetSecurity.
// The reply describes whichever scheme is set when the request arrives.
func (p *Protocomm) SetVersion(name, ver string, capabilities ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager == nil {
		return ErrSecurityNotSet
	}
	if _, exists := p.endpoints[name]; exists {
		return fmt.Errorf("%w: %q", ErrEndpointExists, name)
	}
	p.endpoints[name] = &endpoint{
		kind:         kindVersion,
		version:      ver,
		capabilities: append([]string(nil), capabilities...),
	}
	return nil
}

func versionReply(ep *endpoint, scheme security.Scheme) ([]byte, error) {
	return json.Marshal(VersionInfo{
		Version:         ep.version,
		SecurityVersion: int(scheme.Version()),
		PoPRequired:     scheme.RequiresPoP(),
		Capabilities:    ep.capabilities,
	})
}

// AddEndpoint registers an application handler.
func (p *Protocomm) AddEndpoint(name string, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("protocomm: nil handler for %q", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, exists := p.endpoints[name]; exists {
		return fmt.Errorf("%w: %q", ErrEndpointExists, name)
	}
	p.endpoints[name] = &endpoint{kind: kindApplication, handler: h}
	return nil
}

// RemoveEndpoint unregisters an application or version endpoint. The
// security endpoint is removed with UnsetSecurity.
func (p *Protocomm) RemoveEndpoint(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.endpoints[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrEndpointNotFound, name)
	}
	if ep.kind == kindSecurity {
		p.releaseSecurity()
		return nil
	}
	delete(p.endpoints, name)
	return nil
}

// Endpoints returns the registered endpoint names.
func (p *Protocomm) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.endpoints))
	for name := range p.endpoints {
		names = append(names, name)
	}
	return names
}

// HasEndpoint reports whether name is registered.
func (p *Protocomm) HasEndpoint(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.endpoints[name]
	return ok
}

// Manager returns the session manager, or nil before SetSecurity.
func (p *Protocomm) Manager() *session.Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manager
}

func (p *Protocomm) sessions() (*session.Manager, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.manager == nil {
		return nil, ErrSecurityNotSet
	}
	return p.manager, nil
}

// OpenSession opens a session for a transport connection.
func (p *Protocomm) OpenSession(id uint32) error {
	m, err := p.sessions()
	if err != nil {
		return err
	}
	return m.NewTransportSession(id)
}

// NewSession allocates a free id and opens it.
func (p *Protocomm) NewSession() (uint32, error) {
	m, err := p.sessions()
	if err != nil {
		return 0, err
	}
	for {
		id, err := m.AllocateSessionID()
		if err != nil {
			return 0, err
		}
		err = m.NewTransportSession(id)
		if err == nil {
			return id, nil
		}
		// Lost a race for the id against an explicit OpenSession.
		if !errors.Is(err, security.ErrDuplicateSession) {
			return 0, err
		}
	}
}

// CloseSession closes a session, zeroizing its keys.
func (p *Protocomm) CloseSession(id uint32) error {
	m, err := p.sessions()
	if err != nil {
		return err
	}
	return m.CloseTransportSession(id)
}

// HandleRequest routes one transport request for session id to the named
// endpoint and returns the bytes to send back.
func (p *Protocomm) HandleRequest(name string, id uint32, in []byte) ([]byte, error) {
	p.mu.RLock()
	ep, ok := p.endpoints[name]
	m, pop, closed := p.manager, p.pop, p.closed
	p.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEndpointNotFound, name)
	}

	switch ep.kind {
	case kindVersion:
		if m == nil {
			return nil, ErrSecurityNotSet
		}
		return versionReply(ep, m.Scheme())

	case kindSecurity:
		step, err := m.HandleRequest(pop, id, in)
		if err != nil {
			return nil, err
		}
		if step.Done && p.log != nil {
			p.log.Debugf("session %d secured", id)
		}
		return step.Out, nil

	default:
		if m == nil {
			return nil, ErrSecurityNotSet
		}
		req, err := m.Decrypt(id, in)
		if err != nil {
			return nil, err
		}
		resp, err := ep.handler(id, req)
		if err != nil {
			return nil, fmt.Errorf("protocomm: endpoint %q: %w", name, err)
		}
		return m.Encrypt(id, resp)
	}
}

// Close removes every endpoint and closes all sessions.
func (p *Protocomm) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if p.manager != nil {
		p.releaseSecurity()
	}
	p.endpoints = make(map[string]*endpoint)
	p.closed = true
	return nil
}
