// Package transport executes JSON requests against a tour operator's HTTP
// API: bearer auth, outbound pacing and classification of every failure
// into a typed Error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/tourbridge/internal/logging"
)

const maxResponseSize = 5 * 1024 * 1024 // 5MB

// DefaultTimeout bounds a single request when the caller sets none.
const DefaultTimeout = 30 * time.Second

// Authenticator supplies bearer tokens. Invalidate is called after a 401 so
// the next request fetches a fresh token.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Waiter paces outbound requests per key.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Client talks to one operator.
type Client struct {
	operator string
	baseURL  string
	http     *http.Client
	auth     Authenticator
	limiter  Waiter
	headers  http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
		}
	}
}

// WithAuth attaches bearer tokens from a.
func WithAuth(a Authenticator) Option {
	return func(c *Client) { c.auth = a }
}

// WithLimiter paces requests through w, keyed by operator.
func WithLimiter(w Waiter) Option {
	return func(c *Client) { c.limiter = w }
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// New creates a client for operator rooted at baseURL.
func New(operator, baseURL string, opts ...Option) *Client {
	c := &Client{
		operator: operator,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: DefaultTimeout},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Operator returns the operator key this client talks to.
func (c *Client) Operator() string { return c.operator }

// Get issues a GET with query parameters and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

// Do sends one request. Any non-2xx response or network failure is returned
// as *Error; out may be nil to discard the body.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.operator); err != nil {
			return c.networkError(method, path, err)
		}
	}

	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return fmt.Errorf("%s: obtain token: %w", c.operator, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.networkError(method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return c.networkError(method, path, err)
	}

	logging.L(ctx).Debug("operator request",
		"operator", c.operator,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := statusKind(resp.StatusCode)
		if kind == KindUnauthorized && c.auth != nil {
			c.auth.Invalidate()
		}
		return &Error{
			Operator:   c.operator,
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       truncate(string(respBody), maxErrorBody),
		}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s %s %s: decode response: %w", c.operator, method, path, err)
	}
	return nil
}

func (c *Client) networkError(method, path string, err error) error {
	kind := KindTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{
		Operator: c.operator,
		Kind:     kind,
		Method:   method,
		Path:     path,
		Err:      err,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
