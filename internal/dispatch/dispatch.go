// ABOUTME: Outbound HTTP client that posts JSON payloads to workflow engine webhooks
// ABOUTME: Bounded timeout, no retry, failures reported as *UpstreamError

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single webhook call when none is configured.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body is kept for logs.
const maxErrorBody = 512

// Policy says what a call site does with a dispatch failure.
type Policy int

const (
	// BestEffort logs the failure and carries on.
	BestEffort Policy = iota
	// ReportFailure hands the failure back so it can be surfaced to the user.
	ReportFailure
)

func (p Policy) String() string {
	switch p {
	case BestEffort:
		return "best_effort"
	case ReportFailure:
		return "report_failure"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// UpstreamError is returned when the workflow engine cannot be reached or
// answers with a non-2xx status. StatusCode is 0 for transport failures.
type UpstreamError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("POST %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("POST %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Client posts JSON to the workflow engine.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is kept as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client with the given per-call timeout.
func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		http:   &http.Client{Timeout: timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "dispatch")
	return c
}

// Post sends payload as JSON to url and waits for the response status.
func (c *Client) Post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &UpstreamError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("dispatch failed", "url", url, "error", err)
		return &UpstreamError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("dispatch rejected",
			"url", url,
			"status", resp.StatusCode,
			"body", string(snippet))
		return &UpstreamError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("dispatched", "url", url, "status", resp.StatusCode, "elapsed", time.Since(start))
	return nil
}
