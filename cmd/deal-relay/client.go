// ABOUTME: HTTP client the operator commands use to query a running relay
// ABOUTME: Resolves the relay address from --addr or the config's http_addr

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/deal-relay/internal/config"
)

const clientTimeout = 10 * time.Second

// relayClient talks to the relay's read-only HTTP endpoints
type relayClient struct {
	baseURL string
	http    *http.Client
}

// newRelayClient builds a client from the --addr flag, falling back to the
// config file's listen address.
func newRelayClient(opts *rootOptions) (*relayClient, error) {
	addr := opts.addr
	if addr == "" {
		configPath := config.ResolvePath(opts.configPath)
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	return &relayClient{
		baseURL: baseURLFor(addr),
		http:    &http.Client{Timeout: clientTimeout},
	}, nil
}

// baseURLFor turns a listen address into something a local client can dial.
// Wildcard hosts become loopback.
func baseURLFor(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// apiError is the relay's JSON error body
type apiError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// getJSON fetches path and decodes the body into dst. Non-2xx responses are
// returned as errors carrying the relay's error message when present.
func (c *relayClient) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
