package session

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/security/registry"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPoP = security.PoP("abcd1234")

func newTestManager(t *testing.T, version security.Version) *Manager {
	t.Helper()

	m, err := NewManager(ManagerConfig{
		Version:       version,
		MaxSessions:   64,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Init())
	t.Cleanup(m.Cleanup)
	return m
}

// handshake runs a client initiator against session id and returns its codec.
// It reports failures as errors so that goroutines may call it.
func handshake(m *Manager, id uint32, clientPoP, devicePoP security.PoP) (security.Codec, error) {
	cli, err := m.Scheme().NewInitiator(clientPoP, security.Env{})
	if err != nil {
		return nil, err
	}

	req, err := cli.Start()
	if err != nil {
		return nil, err
	}
	for {
		step, err := m.HandleRequest(devicePoP, id, req)
		if err != nil {
			return nil, err
		}
		next, done, err := cli.Next(step.Out)
		if err != nil {
			return nil, err
		}
		if done {
			if !step.Done {
				return nil, fmt.Errorf("session %d: client finished before device", id)
			}
			return cli.Codec()
		}
		req = next
	}
}

func TestNewManager(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	assert.Equal(t, security.Version0, m.Scheme().Version())
	assert.False(t, m.Initialized())

	_, err = NewManager(ManagerConfig{Version: 9})
	assert.ErrorIs(t, err, security.ErrUnsupportedVersion)
}

func TestManager_InitCleanup(t *testing.T) {
	m, err := NewManager(ManagerConfig{Version: security.Version1})
	require.NoError(t, err)

	assert.ErrorIs(t, m.NewTransportSession(1), security.ErrNotInitialized)
	m.Cleanup() // no-op before Init

	require.NoError(t, m.Init())
	assert.ErrorIs(t, m.Init(), security.ErrAlreadyInitialized)

	require.NoError(t, m.NewTransportSession(1))
	require.NoError(t, m.NewTransportSession(2))
	m.Cleanup()
	assert.False(t, m.Initialized())
	assert.Equal(t, 0, m.SessionCount())

	_, err = m.State(1)
	assert.ErrorIs(t, err, security.ErrUnknownSession)

	m.Cleanup()
	require.NoError(t, m.Init())
	m.Cleanup()
}

func TestManager_Select(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)

	require.NoError(t, m.Select(security.Version2))
	assert.Equal(t, security.Version2, m.Scheme().Version())
	assert.ErrorIs(t, m.Select(5), security.ErrUnsupportedVersion)

	require.NoError(t, m.Init())
	assert.ErrorIs(t, m.Select(security.Version1), security.ErrAlreadyInitialized)
	assert.ErrorIs(t, m.Use(nil), ErrNilScheme)

	m.Cleanup()
	require.NoError(t, m.Select(security.Version1))
}

func TestManager_UnknownSession(t *testing.T) {
	m := newTestManager(t, security.Version1)

	_, err := m.HandleRequest(testPoP, 5, []byte{0})
	assert.ErrorIs(t, err, security.ErrUnknownSession)
	_, err = m.Encrypt(5, []byte("x"))
	assert.ErrorIs(t, err, security.ErrUnknownSession)
	_, err = m.Decrypt(5, []byte("x"))
	assert.ErrorIs(t, err, security.ErrUnknownSession)
	assert.ErrorIs(t, m.CloseTransportSession(5), security.ErrUnknownSession)

	require.NoError(t, m.NewTransportSession(5))
	require.NoError(t, m.CloseTransportSession(5))

	_, err = m.HandleRequest(testPoP, 5, []byte{0})
	assert.ErrorIs(t, err, security.ErrUnknownSession)
	_, err = m.Encrypt(5, []byte("x"))
	assert.ErrorIs(t, err, security.ErrUnknownSession)
}

func TestManager_DuplicateSession(t *testing.T) {
	m := newTestManager(t, security.Version0)

	require.NoError(t, m.NewTransportSession(1))
	assert.ErrorIs(t, m.NewTransportSession(1), security.ErrDuplicateSession)

	// Reconnect: close the stale session first.
	require.NoError(t, m.CloseTransportSession(1))
	assert.NoError(t, m.NewTransportSession(1))
}

func TestManager_DoubleClose(t *testing.T) {
	m := newTestManager(t, security.Version1)

	require.NoError(t, m.NewTransportSession(1))
	assert.NoError(t, m.CloseTransportSession(1))
	assert.ErrorIs(t, m.CloseTransportSession(1), security.ErrUnknownSession)
}

func TestManager_NotSecured(t *testing.T) {
	m := newTestManager(t, security.Version2)

	// Created.
	require.NoError(t, m.NewTransportSession(1))
	_, err := m.Encrypt(1, []byte("x"))
	assert.ErrorIs(t, err, security.ErrNotSecured)

	// Authenticating: one of three sec2 round trips done.
	cli, err := m.Scheme().NewInitiator(testPoP, security.Env{})
	require.NoError(t, err)
	req, err := cli.Start()
	require.NoError(t, err)
	step, err := m.HandleRequest(testPoP, 1, req)
	require.NoError(t, err)
	assert.False(t, step.Done)

	state, err := m.State(1)
	require.NoError(t, err)
	assert.Equal(t, security.StateAuthenticating, state)
	_, err = m.Decrypt(1, make([]byte, 64))
	assert.ErrorIs(t, err, security.ErrNotSecured)

	// Failed: garbage where SessionCommand1 belongs.
	_, err = m.HandleRequest(testPoP, 1, []byte{0xFF})
	assert.ErrorIs(t, err, security.ErrInvalidMessage)
	state, _ = m.State(1)
	assert.Equal(t, security.StateFailed, state)

	_, err = m.Encrypt(1, []byte("x"))
	assert.ErrorIs(t, err, security.ErrNotSecured)
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)
}

func TestManager_RoundTrip(t *testing.T) {
	for _, v := range registry.Versions() {
		t.Run(v.String(), func(t *testing.T) {
			m := newTestManager(t, v)
			require.NoError(t, m.NewTransportSession(1))

			codec, err := handshake(m, 1, testPoP, testPoP)
			require.NoError(t, err)

			state, err := m.State(1)
			require.NoError(t, err)
			assert.Equal(t, security.StateSecured, state)

			for _, msg := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte("payload"), 100)} {
				ct, err := m.Encrypt(1, msg)
				require.NoError(t, err)
				assert.Len(t, ct, len(msg)+m.Scheme().Overhead())

				pt, err := m.Decrypt(1, ct)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(msg, pt), "device Decrypt() = %x, want %x", pt, msg)

				pt, err = codec.Decrypt(ct)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(msg, pt), "client Decrypt() = %x, want %x", pt, msg)
			}

			_, err = m.HandleRequest(testPoP, 1, []byte{0})
			assert.ErrorIs(t, err, security.ErrAlreadyAuthenticated)
		})
	}
}

func TestManager_PoPMismatch(t *testing.T) {
	m := newTestManager(t, security.Version1)
	require.NoError(t, m.NewTransportSession(1))

	_, err := handshake(m, 1, security.PoP("wrong"), testPoP)
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)

	state, err := m.State(1)
	require.NoError(t, err)
	assert.Equal(t, security.StateFailed, state)

	_, err = m.HandleRequest(testPoP, 1, []byte{0})
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)
	_, err = m.Encrypt(1, []byte("ping"))
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)
	_, err = m.Decrypt(1, make([]byte, 40))
	assert.ErrorIs(t, err, security.ErrAuthenticationFailed)

	assert.NoError(t, m.CloseTransportSession(1))
}

func TestManager_MissingPoP(t *testing.T) {
	m := newTestManager(t, security.Version2)
	require.NoError(t, m.NewTransportSession(1))

	_, err := m.HandleRequest(nil, 1, []byte{0})
	assert.ErrorIs(t, err, security.ErrMissingPoP)

	state, err := m.State(1)
	require.NoError(t, err)
	assert.Equal(t, security.StateCreated, state)

	// sec1 accepts an empty PoP as "no secret".
	m1 := newTestManager(t, security.Version1)
	require.NoError(t, m1.NewTransportSession(1))
	_, err = handshake(m1, 1, nil, nil)
	assert.NoError(t, err)
}

func TestManager_PingScenario(t *testing.T) {
	m := newTestManager(t, security.Version1)

	require.NoError(t, m.NewTransportSession(1))
	cli, err := m.Scheme().NewInitiator(testPoP, security.Env{})
	require.NoError(t, err)
	req, err := cli.Start()
	require.NoError(t, err)

	step, err := m.HandleRequest(testPoP, 1, req)
	require.NoError(t, err)
	require.True(t, step.Done, "handshake should complete in one round trip")
	state, _ := m.State(1)
	require.Equal(t, security.StateSecured, state)

	ct, err := m.Encrypt(1, []byte("ping"))
	require.NoError(t, err)
	assert.Len(t, ct, 4+m.Scheme().Overhead())

	pt, err := m.Decrypt(1, ct)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(pt))

	require.NoError(t, m.NewTransportSession(2))
	_, err = handshake(m, 2, testPoP, testPoP)
	require.NoError(t, err)

	pt, err = m.Decrypt(2, ct)
	if err == nil {
		assert.NotEqual(t, "ping", string(pt))
	}

	// A failed decrypt leaves session 2 usable.
	ct2, err := m.Encrypt(2, []byte("pong"))
	require.NoError(t, err)
	pt, err = m.Decrypt(2, ct2)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(pt))
}

func TestManager_ReplayRejected(t *testing.T) {
	for _, v := range []security.Version{security.Version1, security.Version2} {
		t.Run(v.String(), func(t *testing.T) {
			m := newTestManager(t, v)
			require.NoError(t, m.NewTransportSession(1))
			codec, err := handshake(m, 1, testPoP, testPoP)
			require.NoError(t, err)

			ct, err := codec.Encrypt([]byte("cmd"))
			require.NoError(t, err)
			pt, err := m.Decrypt(1, ct)
			require.NoError(t, err)
			assert.Equal(t, "cmd", string(pt))

			_, err = m.Decrypt(1, ct)
			assert.ErrorIs(t, err, security.ErrDecryptFailed)

			state, err := m.State(1)
			require.NoError(t, err)
			assert.Equal(t, security.StateSecured, state)

			ct, err = codec.Encrypt([]byte("next"))
			require.NoError(t, err)
			pt, err = m.Decrypt(1, ct)
			require.NoError(t, err)
			assert.Equal(t, "next", string(pt))
		})
	}
}

func TestManager_ConcurrentSessions(t *testing.T) {
	m := newTestManager(t, security.Version1)

	const sessions = 16
	var wg sync.WaitGroup
	for i := uint32(1); i <= sessions; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()

			if err := m.NewTransportSession(id); err != nil {
				t.Errorf("NewTransportSession(%d) error = %v", id, err)
				return
			}
			codec, err := handshake(m, id, testPoP, testPoP)
			if err != nil {
				t.Errorf("session %d handshake error = %v", id, err)
				return
			}
			for j := 0; j < 50; j++ {
				ct, err := codec.Encrypt([]byte{byte(id), byte(j)})
				if err != nil {
					t.Errorf("session %d Encrypt error = %v", id, err)
					return
				}
				pt, err := m.Decrypt(id, ct)
				if err != nil || !bytes.Equal(pt, []byte{byte(id), byte(j)}) {
					t.Errorf("session %d Decrypt = %x, %v", id, pt, err)
					return
				}
			}
			if err := m.CloseTransportSession(id); err != nil {
				t.Errorf("CloseTransportSession(%d) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.SessionCount())
}

func TestManager_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewManager(ManagerConfig{Version: security.Version1, Registerer: reg})
	require.NoError(t, err)
	require.NoError(t, m.Init())
	defer m.Cleanup()

	require.NoError(t, m.NewTransportSession(1))
	require.NoError(t, m.NewTransportSession(2))
	_, err = handshake(m, 1, testPoP, testPoP)
	require.NoError(t, err)
	_, err = handshake(m, 2, security.PoP("bad"), testPoP)
	require.Error(t, err)
	require.NoError(t, m.CloseTransportSession(2))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.events.WithLabelValues(eventOpened)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.events.WithLabelValues(eventSecured)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.events.WithLabelValues(eventFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.events.WithLabelValues(eventClosed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.active))

	// A second manager on the same registry shares the collectors.
	_, err = NewManager(ManagerConfig{Registerer: reg})
	assert.NoError(t, err)
}
