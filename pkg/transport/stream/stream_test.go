package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/backkem/protocomm/pkg/protocomm"
	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/transport"
	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPoP = security.PoP("abcd1234")

func newDevice(t *testing.T, version security.Version) *protocomm.Protocomm {
	t.Helper()

	p := protocomm.New(protocomm.Config{})
	require.NoError(t, p.SetSecurity(protocomm.DefaultSecurityEndpoint, version, testPoP))
	require.NoError(t, p.SetVersion(protocomm.DefaultVersionEndpoint, "test"))
	require.NoError(t, p.AddEndpoint("echo", func(_ uint32, req []byte) ([]byte, error) {
		return req, nil
	}))
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, "echo", []byte("ping")))

	// len(4 BE) | epLen | endpoint | payload
	raw := buf.Bytes()
	assert.Equal(t, uint32(1+4+4), binary.BigEndian.Uint32(raw))
	assert.Equal(t, byte(4), raw[4])

	req, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "echo", req.Endpoint)
	assert.Equal(t, []byte("ping"), req.Payload)

	require.NoError(t, WriteResponse(&buf, transport.StatusNotSecured, []byte("nope")))
	resp, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusNotSecured, resp.Status)
	assert.Equal(t, "nope", string(resp.Payload))
}

func TestFrames_Invalid(t *testing.T) {
	assert.ErrorIs(t, WriteRequest(&bytes.Buffer{}, "", nil), transport.ErrInvalidFrame)
	assert.ErrorIs(t, WriteRequest(&bytes.Buffer{}, string(make([]byte, 256)), nil), transport.ErrInvalidFrame)
	assert.ErrorIs(t, WriteRequest(&bytes.Buffer{}, "x", make([]byte, MaxFrameSize)), transport.ErrMessageTooLarge)

	tooBig := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadRequest(bytes.NewReader(tooBig))
	assert.ErrorIs(t, err, transport.ErrMessageTooLarge)

	badEndpoint := []byte{0, 0, 0, 2, 5, 'x'}
	_, err = ReadRequest(bytes.NewReader(badEndpoint))
	assert.ErrorIs(t, err, transport.ErrInvalidFrame)

	truncated := []byte{0, 0, 0, 9, 1}
	_, err = ReadRequest(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestServer_TCP(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	p := newDevice(t, security.Version2)
	srv, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", Handler: p})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	assert.ErrorIs(t, srv.Start(), transport.ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, "tcp", srv.Addr().String())
	require.NoError(t, err)

	c, err := protocomm.NewClient(protocomm.ClientConfig{
		Transport:     conn,
		DetectVersion: true,
		PoP:           testPoP,
	})
	require.NoError(t, err)
	require.NoError(t, c.Handshake(ctx))

	resp, err := c.Call(ctx, "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp))

	_, err = conn.RoundTrip(ctx, "missing", nil)
	assert.ErrorIs(t, err, protocomm.ErrEndpointNotFound)

	require.Eventually(t, func() bool { return p.Manager().SessionCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return p.Manager().SessionCount() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop())
	assert.ErrorIs(t, srv.Stop(), transport.ErrClosed)
}

func TestServer_PipeSessionPerConnection(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	p := newDevice(t, security.Version1)
	srv, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", Handler: p})
	require.NoError(t, err)
	defer srv.Stop()

	ctx := context.Background()
	var clients []*Client
	for i := 0; i < 2; i++ {
		devSide, cliSide := net.Pipe()
		go srv.ServeConn(devSide)
		clients = append(clients, NewClient(cliSide))
	}

	a, err := protocomm.NewClient(protocomm.ClientConfig{Transport: clients[0], Version: security.Version1, PoP: testPoP})
	require.NoError(t, err)
	require.NoError(t, a.Handshake(ctx))

	// The second connection has its own, unsecured session.
	_, err = clients[1].RoundTrip(ctx, "echo", make([]byte, 40))
	assert.ErrorIs(t, err, security.ErrNotSecured)

	resp, err := a.Call(ctx, "echo", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(resp))

	for _, c := range clients {
		c.Close()
	}
}

func TestServer_WrongPoP(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	p := newDevice(t, security.Version1)
	srv, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", Handler: p})
	require.NoError(t, err)
	defer srv.Stop()

	devSide, cliSide := net.Pipe()
	go srv.ServeConn(devSide)
	conn := NewClient(cliSide)
	defer conn.Close()

	c, err := protocomm.NewClient(protocomm.ClientConfig{Transport: conn, Version: security.Version1, PoP: security.PoP("bad")})
	require.NoError(t, err)
	err = c.Handshake(context.Background())
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)
}

func TestServer_BadFrameClosesConnection(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	p := newDevice(t, security.Version0)
	srv, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", Handler: p})
	require.NoError(t, err)
	defer srv.Stop()

	devSide, cliSide := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(devSide) }()

	go cliSide.Write([]byte{0, 0, 0, 1, 0})
	resp, err := ReadResponse(cliSide)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusInvalidRequest, resp.Status)

	assert.ErrorIs(t, <-done, transport.ErrInvalidFrame)
	cliSide.Close()
}

func TestServer_ContextCancel(t *testing.T) {
	devSide, cliSide := net.Pipe()
	defer devSide.Close()
	c := NewClient(cliSide)
	defer c.Close()

	// Nobody answers on devSide beyond draining the request.
	go func() {
		ReadRequest(devSide)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.RoundTrip(ctx, "echo", []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewServer_NoHandler(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.ErrorIs(t, err, transport.ErrNoHandler)
}
