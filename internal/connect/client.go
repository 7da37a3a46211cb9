// Package connect is a client for the versioned REST API of the automation
// platform whose service account key is rotated.
//
// Every call is synchronous, authenticated with basic credentials and
// returns an *Outcome classified by HTTP status family. The client never
// retries; callers decide what a failed outcome means.
package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/systmms/keyrotate/internal/logging"
)

const maxBodyBytes = 1 << 20

// Client issues authenticated operations against the API
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	key      string
	logger   *logging.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithLogger sets the logger used to report outcomes
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client rooted at baseURL, e.g.
// https://dev.example.com/mtk-connect/api/v1
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			// Credentials are never replayed to a redirect target; a 3xx
			// is reported as its own failure class.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithCredentials returns a copy of the client authenticating as username/key
func (c *Client) WithCredentials(username, key string) *Client {
	clone := *c
	clone.username = username
	clone.key = key
	return &clone
}

// BaseURL returns the API root the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one call; built by the endpoint helpers in endpoints.go
type request struct {
	operation string
	method    string
	path      string
	query     url.Values
	body      interface{}
}

func (c *Client) do(ctx context.Context, r request) *Outcome {
	outcome := &Outcome{Operation: r.operation, Class: ClassTransport}

	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return outcome.fail(fmt.Errorf("failed to encode request body: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return outcome.fail(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.username, c.key)

	c.logger.Debug("%s %s %s", r.operation, r.method, target)

	resp, err := c.http.Do(req)
	if err != nil {
		return outcome.fail(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	outcome.StatusCode = resp.StatusCode
	outcome.Class = classify(resp.StatusCode)
	outcome.Body = data
	if outcome.Class != ClassSuccess {
		// Failure bodies end up in error values; drop echoed credentials
		outcome.Body = []byte(c.logger.Scrub(logging.Redact(string(data), []string{c.key})))
	}
	if err != nil {
		return outcome.fail(fmt.Errorf("failed to read response body: %w", err))
	}
	outcome.OK = outcome.Class == ClassSuccess
	return outcome
}

// report logs an outcome with its operation, status code and body.
func (c *Client) report(o *Outcome) {
	switch {
	case o.Class == ClassTransport:
		c.logger.Error("%s failed: %v", o.Operation, o.Err)
	case o.OK:
		c.logger.Info("%s done successfully (HTTP %d)", o.Operation, o.StatusCode)
		if len(o.Body) > 0 {
			c.logger.Debug("%s response: %s", o.Operation, string(o.Body))
		}
	case o.Err != nil:
		c.logger.Error("%s: %v (HTTP %d)", o.Operation, o.Err, o.StatusCode)
	default:
		c.logger.Error("%s: %s (HTTP %d): %s", o.Operation, o.Class, o.StatusCode, string(o.Body))
	}
}
