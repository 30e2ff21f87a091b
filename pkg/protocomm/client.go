package protocomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/backkem/protocomm/pkg/security"
	"github.com/backkem/protocomm/pkg/security/registry"
	"github.com/pion/logging"
)

// ErrNotConnected is returned by Client.Call before a successful Handshake.
var ErrNotConnected = errors.New("protocomm: client has no secured session")

// RoundTripper delivers one request to a named endpoint of a device and
// returns its reply. Implementations keep the device-side session bound to
// the connection (a cookie, a stream) across calls.
type RoundTripper interface {
	RoundTrip(ctx context.Context, endpoint string, payload []byte) ([]byte, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Transport carries requests to the device. Required.
	Transport RoundTripper

	// Version selects the scheme. Ignored when DetectVersion is set.
	Version security.Version

	// DetectVersion asks the version endpoint for the scheme first.
	DetectVersion bool

	// PoP is the proof of possession.
	PoP security.PoP

	// SecurityEndpoint defaults to DefaultSecurityEndpoint.
	SecurityEndpoint string

	// VersionEndpoint defaults to DefaultVersionEndpoint.
	VersionEndpoint string

	// Rand is the entropy source. Nil means crypto/rand.
	Rand io.Reader

	// LoggerFactory creates loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// Client is the peer side of a Protocomm device.
type Client struct {
	config ClientConfig
	log    logging.LeveledLogger

	mu    sync.Mutex
	codec security.Codec
}

// NewClient creates a client. Call Handshake before Call.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Transport == nil {
		return nil, errors.New("protocomm: client transport is required")
	}
	if config.SecurityEndpoint == "" {
		config.SecurityEndpoint = DefaultSecurityEndpoint
	}
	if config.VersionEndpoint == "" {
		config.VersionEndpoint = DefaultVersionEndpoint
	}

	c := &Client{config: config}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("protocomm-client")
	}
	return c, nil
}

// VersionInfo queries the device's version endpoint.
func (c *Client) VersionInfo(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	body, err := c.config.Transport.RoundTrip(ctx, c.config.VersionEndpoint, nil)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return info, fmt.Errorf("protocomm: version reply: %w", err)
	}
	return info, nil
}

// Handshake runs the scheme's handshake over the security endpoint.
func (c *Client) Handshake(ctx context.Context) error {
	version := c.config.Version
	if c.config.DetectVersion {
		info, err := c.VersionInfo(ctx)
		if err != nil {
			return err
		}
		version = security.Version(info.SecurityVersion)
	}

	scheme, err := registry.Lookup(version)
	if err != nil {
		return err
	}
	hs, err := scheme.NewInitiator(c.config.PoP, security.Env{
		Rand:          c.config.Rand,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	req, err := hs.Start()
	if err != nil {
		return err
	}
	for rounds := 1; ; rounds++ {
		resp, err := c.config.Transport.RoundTrip(ctx, c.config.SecurityEndpoint, req)
		if err != nil {
			return fmt.Errorf("protocomm: handshake round %d: %w", rounds, err)
		}
		next, done, err := hs.Next(resp)
		if err != nil {
			return err
		}
		if done {
			if c.log != nil {
				c.log.Debugf("%s handshake complete after %d round trips", version, rounds)
			}
			break
		}
		req = next
	}

	codec, err := hs.Codec()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()
	return nil
}

// Call sends payload to an application endpoint and returns the decrypted
// reply.
func (c *Client) Call(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.codec == nil {
		return nil, ErrNotConnected
	}
	req, err := c.codec.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.config.Transport.RoundTrip(ctx, endpoint, req)
	if err != nil {
		return nil, err
	}
	return c.codec.Decrypt(resp)
}
