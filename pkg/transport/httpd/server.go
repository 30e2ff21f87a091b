// Package httpd carries protocomm requests over HTTP, the way a device in
// SoftAP mode serves its provisioning endpoints:
//
//	POST /<endpoint>    body: request bytes    reply: response bytes
//
// A handshake request without a live cookie opens a session and sets a
// cookie holding a random UUID; later requests carrying the cookie reuse
// that session. The version endpoint is answered without a session, and any
// other request without one is refused as not secured. Session creation is
// rate limited per remote address, handshake requests per session. Sessions
// idle for longer than SessionTimeout are closed.
package httpd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/backkem/protocomm/pkg/protocomm"
	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"golang.org/x/time/rate"
)

// Defaults.
const (
	CookieName = "session"

	// StatusHeader carries the transport.Status of a failed request.
	StatusHeader = "X-Protocomm-Status"

	DefaultSessionTimeout = 2 * time.Minute
	DefaultHandshakeRate  = rate.Limit(5)
	DefaultHandshakeBurst = 10
	DefaultSessionRate    = rate.Limit(1)
	DefaultSessionBurst   = 4
	DefaultMaxBodySize    = 64 * 1024
)

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	// Handler receives the requests. Required.
	Handler transport.Handler

	// SecurityEndpoint is the endpoint whose requests are rate limited.
	// Default: protocomm.DefaultSecurityEndpoint
	SecurityEndpoint string

	// VersionEndpoint is answered without opening a session.
	// Default: protocomm.DefaultVersionEndpoint
	VersionEndpoint string

	// SessionTimeout closes sessions idle for this long.
	// Default: DefaultSessionTimeout
	SessionTimeout time.Duration

	// HandshakeRate and HandshakeBurst bound handshake requests per session.
	// Default: DefaultHandshakeRate, DefaultHandshakeBurst
	HandshakeRate  rate.Limit
	HandshakeBurst int

	// SessionRate and SessionBurst bound session creation per remote address.
	// Default: DefaultSessionRate, DefaultSessionBurst
	SessionRate  rate.Limit
	SessionBurst int

	// MaxBodySize bounds request bodies.
	// Default: DefaultMaxBodySize
	MaxBodySize int64

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type httpSession struct {
	id       uint32
	lastSeen time.Time
	limiter  *rate.Limiter
}

type peerLimit struct {
	lastSeen time.Time
	limiter  *rate.Limiter
}

// Server is an http.Handler serving protocomm endpoints.
type Server struct {
	config ServerConfig
	log    logging.LeveledLogger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[uuid.UUID]*httpSession
	peers    map[string]*peerLimit

	srvMu   sync.Mutex
	httpSrv *http.Server
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates the HTTP transport.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, transport.ErrNoHandler
	}
	if config.SecurityEndpoint == "" {
		config.SecurityEndpoint = protocomm.DefaultSecurityEndpoint
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	if config.HandshakeRate <= 0 {
		config.HandshakeRate = DefaultHandshakeRate
	}
	if config.HandshakeBurst <= 0 {
		config.HandshakeBurst = DefaultHandshakeBurst
	}
	if config.VersionEndpoint == "" {
		config.VersionEndpoint = protocomm.DefaultVersionEndpoint
	}
	if config.SessionRate <= 0 {
		config.SessionRate = DefaultSessionRate
	}
	if config.SessionBurst <= 0 {
		config.SessionBurst = DefaultSessionBurst
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}

	s := &Server{
		config:   config,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*httpSession),
		peers:    make(map[string]*peerLimit),
		closeCh:  make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("transport-http")
	}
	return s, nil
}

// ServeHTTP handles one request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	endpoint := strings.TrimPrefix(r.URL.Path, "/")
	if endpoint == "" || !s.config.Handler.HasEndpoint(endpoint) {
		s.fail(w, transport.StatusEndpointNotFound, protocomm.ErrEndpointNotFound.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, transport.StatusInvalidRequest, transport.ErrMessageTooLarge.Error())
			return
		}
		s.fail(w, transport.StatusInvalidRequest, err.Error())
		return
	}

	sess := s.lookup(r)
	if sess == nil {
		if endpoint == s.config.VersionEndpoint {
			s.reply(w, endpoint, 0, body)
			return
		}
		if endpoint != s.config.SecurityEndpoint {
			s.fail(w, transport.StatusNotSecured, security.ErrNotSecured.Error())
			return
		}
		if sess, err = s.open(w, r); err != nil {
			s.fail(w, transport.StatusOf(err), err.Error())
			return
		}
	}

	if endpoint == s.config.SecurityEndpoint && !sess.limiter.Allow() {
		s.fail(w, transport.StatusRateLimited, transport.ErrRateLimited.Error())
		return
	}

	s.reply(w, endpoint, sess.id, body)
}

func (s *Server) reply(w http.ResponseWriter, endpoint string, id uint32, body []byte) {
	out, err := s.config.Handler.HandleRequest(endpoint, id, body)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("session %d: %s: %v", id, endpoint, err)
		}
		s.fail(w, transport.StatusOf(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// lookup returns the live session named by the request cookie, or nil.
func (s *Server) lookup(r *http.Request) *httpSession {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil
	}
	key, err := uuid.Parse(c.Value)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	sess.lastSeen = s.now()
	return sess
}

// open starts a session for a handshake request and sets its cookie.
func (s *Server) open(w http.ResponseWriter, r *http.Request) (*httpSession, error) {
	now := s.now()
	if !s.allowPeer(r, now) {
		return nil, transport.ErrRateLimited
	}

	id, err := s.config.Handler.NewSession()
	if err != nil {
		return nil, err
	}
	key := uuid.New()
	sess := &httpSession{
		id:       id,
		lastSeen: now,
		limiter:  rate.NewLimiter(s.config.HandshakeRate, s.config.HandshakeBurst),
	}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    key.String(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	if s.log != nil {
		s.log.Debugf("session %d: opened for %s", id, r.RemoteAddr)
	}
	return sess, nil
}

// allowPeer charges one session creation to the request's remote host.
func (s *Server) allowPeer(r *http.Request, now time.Time) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.peers[host]
	if !ok {
		peer = &peerLimit{limiter: rate.NewLimiter(s.config.SessionRate, s.config.SessionBurst)}
		s.peers[host] = peer
	}
	peer.lastSeen = now
	return peer.limiter.AllowN(now, 1)
}

func (s *Server) fail(w http.ResponseWriter, status transport.Status, msg string) {
	w.Header().Set(StatusHeader, strconv.Itoa(int(status)))
	http.Error(w, msg, httpStatus(status))
}

func httpStatus(s transport.Status) int {
	switch s {
	case transport.StatusEndpointNotFound:
		return http.StatusNotFound
	case transport.StatusUnknownSession:
		return http.StatusGone
	case transport.StatusNotSecured:
		return http.StatusForbidden
	case transport.StatusAuthenticationFailed:
		return http.StatusUnauthorized
	case transport.StatusMissingPoP:
		return http.StatusPreconditionFailed
	case transport.StatusInvalidRequest:
		return http.StatusBadRequest
	case transport.StatusRateLimited:
		return http.StatusTooManyRequests
	case transport.StatusBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ExpireIdle closes sessions not seen since SessionTimeout before now and
// returns how many were closed.
func (s *Server) ExpireIdle(now time.Time) int {
	cutoff := now.Add(-s.config.SessionTimeout)

	var expired []uint32
	s.mu.Lock()
	for key, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, sess.id)
			delete(s.sessions, key)
		}
	}
	for host, peer := range s.peers {
		if peer.lastSeen.Before(cutoff) {
			delete(s.peers, host)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.config.Handler.CloseSession(id)
		if s.log != nil {
			s.log.Debugf("session %d: expired", id)
		}
	}
	return len(expired)
}

// SessionCount returns the number of cookie-bound sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve accepts HTTP connections on l until Shutdown. It also runs the idle
// session sweeper.
func (s *Server) Serve(l net.Listener) error {
	s.srvMu.Lock()
	if s.httpSrv != nil {
		s.srvMu.Unlock()
		return transport.ErrAlreadyStarted
	}
	select {
	case <-s.closeCh:
		s.srvMu.Unlock()
		return transport.ErrClosed
	default:
	}
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.wg.Add(1)
	s.srvMu.Unlock()

	go s.sweep()

	if s.log != nil {
		s.log.Infof("starting HTTP transport on %s", l.Addr())
	}
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) sweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SessionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.ExpireIdle(s.now())
		}
	}
}

// Shutdown stops the HTTP server, closes every session and waits for the
// sweeper to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	select {
	case <-s.closeCh:
		s.srvMu.Unlock()
		return transport.ErrClosed
	default:
	}
	close(s.closeCh)
	srv := s.httpSrv
	s.srvMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[uuid.UUID]*httpSession)
	s.mu.Unlock()
	for _, sess := range sessions {
		s.config.Handler.CloseSession(sess.id)
	}
	return err
}
