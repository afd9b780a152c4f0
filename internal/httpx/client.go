// Package httpx is a small HTTP client bound to one base address. It enforces
// TLS unless verification is disabled, applies a per-call timeout, retries
// connection-level failures a bounded number of times and can rate limit
// outbound calls.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
)

// Options configures a Client.
type Options struct {
	BaseURL string

	// VerifyTLS requires an https base address and verifies certificates.
	VerifyTLS bool

	// Timeout bounds each call, including reading the body. 0 means 60s.
	Timeout time.Duration

	// MaxRetries is the number of extra attempts after a connection failure,
	// on top of the first one. 0 means 3.
	MaxRetries int

	// RetryDelay is the fixed pause between attempts. 0 retries immediately.
	RetryDelay time.Duration

	// RequestsPerSecond throttles outbound calls. 0 disables throttling.
	RequestsPerSecond float64

	// Header is sent with every request.
	Header http.Header

	// Transport overrides the underlying round tripper (tests).
	Transport http.RoundTripper
}

// Client sends requests relative to a base address.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	header     http.Header
	limiter    *rate.Limiter
	maxTries   uint
	retryDelay time.Duration
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base address: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base address %q: scheme and host are required", opts.BaseURL)
	}
	if opts.VerifyTLS && base.Scheme != "https" {
		return nil, fmt.Errorf("base address %q must be https when TLS verification is enabled", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := max(opts.RetryDelay, 0)

	rt := opts.Transport
	if rt == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if !opts.VerifyTLS {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // G402: verification explicitly disabled by operator config
		}
		rt = otelhttp.NewTransport(tr)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		base:       base,
		httpClient: &http.Client{Timeout: timeout, Transport: rt},
		header:     opts.Header.Clone(),
		limiter:    limiter,
		maxTries:   uint(maxRetries) + 1, //nolint:gosec // G115: maxRetries is positive
		retryDelay: retryDelay,
	}, nil
}

// Request is one call relative to the base address.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Header      http.Header
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// URL resolves path against the base address.
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

// Do sends req and returns the response whatever its status code. Only
// connection-level failures are retried; they surface as *TransportError once
// the attempts are exhausted. A connection lost after the request went out is
// retried for idempotent methods only.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	target := c.URL(req.Path, req.Query)
	var attempts int

	op := func() (*Response, error) {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		resp, err := c.send(ctx, req, target)
		if err != nil {
			if retryable(req.Method, err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if transient(err) {
			return nil, &TransportError{Method: req.Method, URL: target, Attempts: attempts, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req *Request, target string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := c.httpClient.Do(httpReq) //nolint:gosec // G704: target is built from operator configured base address
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// transient reports whether err is a connection-level failure worth an
// immediate retry.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// retryable reports whether a failed attempt may be sent again. A request
// that never got a connection is always safe to resend.
func retryable(method string, err error) bool {
	if !transient(err) {
		return false
	}
	if dialFailure(err) {
		return true
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func dialFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
