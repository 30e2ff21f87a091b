package stream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/backkem/protocomm/pkg/protocomm"
)

// Client sends requests over one stream connection. It implements
// protocomm.RoundTripper; the device binds the session to the connection.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

var _ protocomm.RoundTripper = (*Client)(nil)

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Dial connects to a stream server.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// RoundTrip sends one request and waits for its response. Cancelling ctx
// aborts the exchange; the connection should then be closed since a late
// response would desynchronize it.
func (c *Client) RoundTrip(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := WriteRequest(c.conn, endpoint, payload); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	resp, err := ReadResponse(c.conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := resp.Status.Err(string(resp.Payload)); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Close closes the connection, ending the device-side session.
func (c *Client) Close() error {
	return c.conn.Close()
}
