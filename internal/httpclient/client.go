// Package httpclient provides streaming HTTP downloads for dataset mirrors
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is the default timeout for a single download
	DefaultTimeout = 30 * time.Second

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "clover-data/1.0"
)

// Client is an interface for HTTP operations
type Client interface {
	// Open performs an HTTP GET request and returns the response body and its
	// declared length (-1 when unknown). The caller closes the body.
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewDefaultClient creates a new default HTTP client with the specified timeout.
// The timeout covers the whole transfer including the body.
// If timeout is 0, uses DefaultTimeout
func NewDefaultClient(timeout time.Duration) *DefaultClient {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Timeout returns the per-request timeout
func (c *DefaultClient) Timeout() time.Duration {
	return c.timeout
}

// Open performs an HTTP GET request
func (c *DefaultClient) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		_ = resp.Body.Close()
		return nil, 0, NewHTTPError(resp.StatusCode, url, resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}
