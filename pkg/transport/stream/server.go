// Package stream carries protocomm requests as length-prefixed frames over
// any reliable byte stream: TCP sockets, serial lines or net.Pipe.
//
// Each connection is one session. The server opens the session when the
// connection is accepted and closes it, zeroizing its keys, when the
// connection ends.
package stream

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/protocomm/pkg/transport"
	"github.com/pion/logging"
)

// Server accepts stream connections and serves frames on them.
type Server struct {
	listener    net.Listener
	handler     transport.Handler
	idleTimeout time.Duration
	closeCh     chan struct{}
	wg          sync.WaitGroup
	log         logging.LeveledLogger

	connsMu sync.Mutex
	conns   map[net.Conn]uint32

	mu      sync.RWMutex
	started bool
	closed  bool
}

// ServerConfig configures the stream server.
type ServerConfig struct {
	// Listener is an optional pre-existing Listener to use.
	// If nil, a TCP listener is created on ListenAddr.
	Listener net.Listener

	// ListenAddr is the address to listen on (e.g., ":8081").
	// Ignored if Listener is provided.
	ListenAddr string

	// Handler receives the requests. Required.
	Handler transport.Handler

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewServer creates a stream server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, transport.ErrNoHandler
	}

	s := &Server{
		listener:    config.Listener,
		handler:     config.Handler,
		idleTimeout: config.IdleTimeout,
		closeCh:     make(chan struct{}),
		conns:       make(map[net.Conn]uint32),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("transport-stream")
	}

	if s.listener == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		s.listener = listener
	}
	return s, nil
}

// Start begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infof("starting stream transport on %s", s.listener.Addr())
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every connection, closing their sessions,
// and waits for the connection goroutines to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	if s.log != nil {
		s.log.Info("stopping stream transport")
	}

	close(s.closeCh)
	s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ServeConn serves an already established connection (a serial port, one
// end of net.Pipe) until it ends. It blocks; the connection is closed on
// return.
func (s *Server) ServeConn(conn net.Conn) error {
	s.mu.RLock()
	closed := s.closed
	if !closed {
		s.wg.Add(1)
	}
	s.mu.RUnlock()
	if closed {
		conn.Close()
		return transport.ErrClosed
	}

	return s.handleConn(conn)
}

// ActiveConns returns the number of connections being served.
func (s *Server) ActiveConns() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the request loop for one connection. The caller has
// already added it to the wait group.
func (s *Server) handleConn(conn net.Conn) error {
	defer s.wg.Done()
	defer conn.Close()

	id, err := s.handler.NewSession()
	if err != nil {
		if s.log != nil {
			s.log.Warnf("%s: no session: %v", conn.RemoteAddr(), err)
		}
		WriteResponse(conn, transport.StatusOf(err), []byte(err.Error()))
		return err
	}

	s.connsMu.Lock()
	s.conns[conn] = id
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		s.handler.CloseSession(id)
		if s.log != nil {
			s.log.Debugf("session %d: connection from %s closed", id, conn.RemoteAddr())
		}
	}()

	if s.log != nil {
		s.log.Debugf("session %d: connection from %s", id, conn.RemoteAddr())
	}

	for {
		select {
		case <-s.closeCh:
			return nil
		default:
		}

		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		req, err := ReadRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, transport.ErrInvalidFrame) || errors.Is(err, transport.ErrMessageTooLarge) {
				// The stream cannot be resynchronized after a bad frame.
				WriteResponse(conn, transport.StatusOf(err), []byte(err.Error()))
			}
			return err
		}

		out, err := s.handler.HandleRequest(req.Endpoint, id, req.Payload)
		if err != nil {
			if s.log != nil {
				s.log.Debugf("session %d: %s: %v", id, req.Endpoint, err)
			}
			if werr := WriteResponse(conn, transport.StatusOf(err), []byte(err.Error())); werr != nil {
				return werr
			}
			continue
		}
		if err := WriteResponse(conn, transport.StatusOK, out); err != nil {
			return err
		}
	}
}
