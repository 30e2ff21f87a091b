package httpd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"

	"github.com/backkem/protocomm/pkg/protocomm"
	"github.com/backkem/protocomm/pkg/transport"
)

// Client posts requests to an httpd Server. It implements
// protocomm.RoundTripper; its cookie jar keeps the device session.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ protocomm.RoundTripper = (*Client)(nil)

// NewClient creates a client for baseURL (e.g. "http://192.168.4.1:80").
// A nil hc gets a fresh http.Client with its own cookie jar.
func NewClient(baseURL string, hc *http.Client) (*Client, error) {
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc = &http.Client{Jar: jar}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}, nil
}

// RoundTrip posts payload to the endpoint.
func (c *Client) RoundTrip(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	msg := strings.TrimSpace(string(body))
	if v := resp.Header.Get(StatusHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return nil, transport.Status(n).Err(msg)
		}
	}
	return nil, fmt.Errorf("%w: http %d: %s", transport.ErrRemote, resp.StatusCode, msg)
}
