// ABOUTME: Tests for the deal-relay CLI: logger, address resolution, rendering and commands
// ABOUTME: Client commands run against an httptest relay stand-in

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deal-relay/internal/catalog"
	"github.com/2389/deal-relay/internal/config"
	"github.com/2389/deal-relay/internal/store"
)

func TestBaseURLFor(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"0.0.0.0:8000", "http://127.0.0.1:8000"},
		{":8000", "http://127.0.0.1:8000"},
		{"[::]:8000", "http://127.0.0.1:8000"},
		{"localhost:9000", "http://localhost:9000"},
		{"http://relay.internal:8000/", "http://relay.internal:8000"},
		{"https://relay.example.com", "https://relay.example.com"},
		{"relay", "http://relay"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, baseURLFor(tt.addr))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&colorHandler{out: &buf, mu: &sync.Mutex{}, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("component", "relay").Info("callback accepted", "conversation_id", "c1")
	logger.WithGroup("store").Warn("slow write", "ms", 250)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF callback accepted")
	assert.Contains(t, out, "component=relay")
	assert.Contains(t, out, "conversation_id=c1")
	assert.Contains(t, out, "WRN slow write")
	assert.Contains(t, out, "store.ms=250")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestColorHandler_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(&colorHandler{out: &buf, mu: &sync.Mutex{}, level: slog.LevelInfo})

	var wg sync.WaitGroup
	for i := range 8 {
		logger := base.With("worker", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				logger.Info("tick")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 400)
	for _, line := range lines {
		assert.Contains(t, line, "INF tick worker=")
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("dispatching", "url", "http://n8n:5678/webhook/orchestrator")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatching", entry["msg"])
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "http://n8n:5678/webhook/orchestrator", entry["url"])
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "-", relativeTime(time.Time{}, now))
	assert.Equal(t, "just now", relativeTime(now.Add(-10*time.Second), now))
	assert.Equal(t, "5m ago", relativeTime(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", relativeTime(now.Add(-3*time.Hour), now))
	assert.Equal(t, now.Add(-400*24*time.Hour).Local().Format("2006-01-02"),
		relativeTime(now.Add(-400*24*time.Hour), now))
}

func sampleAgents() map[string][]*catalog.Agent {
	return map[string][]*catalog.Agent{
		"targeting": {
			{ID: "research", Name: "Account Research", Stage: "targeting", WebhookPath: "/webhook/research"},
		},
		"origination": {},
		"progression": {},
		"growth":      {},
		"custom": {
			{ID: "pricing", Name: "Pricing Desk", Stage: "custom", WebhookPath: "/webhook/pricing"},
		},
	}
}

func sampleTransaction() *store.Transaction {
	return &store.Transaction{
		ID:          "0f8c2a7e-1111-2222-3333-444455556666",
		Description: "Acme Renewal",
		Research:    "Acme buys widgets",
		Solution:    "Bundle pricing",
		History: []store.HistoryEntry{
			{Sender: "user", Message: "start Acme Renewal"},
			{Sender: "research", Message: "Acme buys widgets"},
		},
		Revision:  3,
		UpdatedAt: time.Now().Add(-2 * time.Minute),
	}
}

func TestRenderAgents(t *testing.T) {
	var buf bytes.Buffer
	renderAgents(&buf, sampleAgents())
	out := buf.String()

	assert.Contains(t, out, "2 agent(s)")
	assert.Contains(t, out, "Account Research")
	assert.Contains(t, out, "/webhook/pricing")

	// standard stages come first, in order, then extras
	idx := func(s string) int { return strings.Index(out, s) }
	assert.Less(t, idx("targeting"), idx("origination"))
	assert.Less(t, idx("origination"), idx("progression"))
	assert.Less(t, idx("growth"), idx("custom"))
}

func TestRenderAgents_Empty(t *testing.T) {
	var buf bytes.Buffer
	renderAgents(&buf, map[string][]*catalog.Agent{"targeting": {}})
	assert.Contains(t, buf.String(), "No agents configured")
}

func TestRenderTransactions(t *testing.T) {
	var buf bytes.Buffer
	renderTransactions(&buf, []*store.Transaction{sampleTransaction()}, time.Now())
	out := buf.String()

	assert.Contains(t, out, "1 transaction(s)")
	assert.Contains(t, out, "0f8c2a7e")
	assert.NotContains(t, out, "0f8c2a7e-1111")
	assert.Contains(t, out, "Acme Renewal")
	assert.Contains(t, out, "2/6")
	assert.Contains(t, out, "2m ago")
}

func TestRenderTransactions_Empty(t *testing.T) {
	var buf bytes.Buffer
	renderTransactions(&buf, nil, time.Now())
	assert.Contains(t, buf.String(), "No transactions found")
}

func TestRenderTransaction(t *testing.T) {
	var buf bytes.Buffer
	renderTransaction(&buf, sampleTransaction())
	out := buf.String()

	assert.Contains(t, out, "rev 3")
	assert.Contains(t, out, "Acme buys widgets")
	assert.Contains(t, out, "(empty)")
	assert.Contains(t, out, "research: Acme buys widgets")
	assert.Less(t, strings.Index(out, "research"), strings.Index(out, "solution"))
}

// fakeRelay serves canned responses for the read-only endpoints
func fakeRelay(t *testing.T, ready int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != http.StatusOK {
			writeJSON(w, ready, map[string]any{"ok": false, "error": "store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agents": 2})
	})
	mux.HandleFunc("GET /agents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sampleAgents())
	})
	mux.HandleFunc("GET /transactions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []*store.Transaction{sampleTransaction()})
	})
	mux.HandleFunc("GET /transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != sampleTransaction().ID {
			writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "transaction not found"})
			return
		}
		writeJSON(w, http.StatusOK, sampleTransaction())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionFlag(t *testing.T) {
	orig := version
	version = "v1.2.3"
	t.Cleanup(func() { version = orig })

	out, err := runCLI(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3\n", out)
}

func TestHealthCommand(t *testing.T) {
	srv := fakeRelay(t, http.StatusOK)

	out, err := runCLI(t, "--addr", srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "2 agents")
}

func TestHealthCommand_Unready(t *testing.T) {
	srv := fakeRelay(t, http.StatusServiceUnavailable)

	_, err := runCLI(t, "--addr", srv.URL, "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestHealthCommand_AddrFromConfig(t *testing.T) {
	srv := fakeRelay(t, http.StatusOK)

	cfgPath := filepath.Join(t.TempDir(), "relay.yaml")
	cfg := "server:\n  http_addr: \"" + strings.TrimPrefix(srv.URL, "http://") + "\"\n" +
		"database:\n  driver: memory\ncallback:\n  secret: s3cret\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out, err := runCLI(t, "--config", cfgPath, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
}

func TestAgentsCommand(t *testing.T) {
	srv := fakeRelay(t, http.StatusOK)

	out, err := runCLI(t, "--addr", srv.URL, "agents")
	require.NoError(t, err)
	assert.Contains(t, out, "Account Research")

	out, err = runCLI(t, "--addr", srv.URL, "agents", "--json")
	require.NoError(t, err)
	var grouped map[string][]catalog.Agent
	require.NoError(t, json.Unmarshal([]byte(out), &grouped))
	assert.Equal(t, "research", grouped["targeting"][0].ID)
}

func TestTransactionsCommand(t *testing.T) {
	srv := fakeRelay(t, http.StatusOK)

	out, err := runCLI(t, "--addr", srv.URL, "transactions")
	require.NoError(t, err)
	assert.Contains(t, out, "Acme Renewal")

	out, err = runCLI(t, "--addr", srv.URL, "txns", sampleTransaction().ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Bundle pricing")

	_, err = runCLI(t, "--addr", srv.URL, "transactions", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction not found")
}

func TestRunInit_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	cfgPath := filepath.Join(dir, "conf", "relay.yaml")

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(""), &out, cfgPath))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.HTTPAddr)
	assert.Equal(t, store.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "data", "deal-relay", "relay.db"), cfg.Database.Path)
	assert.Len(t, cfg.Callback.Secret, 43)
	assert.Zero(t, cfg.Retention.MaxAge)

	_, err = os.Stat(filepath.Join(dir, "data", "deal-relay"))
	assert.NoError(t, err, "data directory should exist")

	info, err := os.Stat(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRunInit_Answers(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")

	answers := strings.Join([]string{
		"",
		"127.0.0.1:9000",
		"https://app.example.com, http://localhost:3000",
		"memory",
		"http://engine.internal:5678",
		"http://relay.internal:9000",
		"my-secret",
		"/etc/deal-relay/agents",
		"72h",
		"debug",
		"json",
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out, cfgPath))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, store.DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "http://engine.internal:5678", cfg.Engine.BaseURL)
	assert.Equal(t, "my-secret", cfg.Callback.Secret)
	assert.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestRunInit_RejectsInvalidAnswers(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "relay.yaml")

	answers := "\n\n\npostgres\n"
	err := runInit(strings.NewReader(answers), &bytes.Buffer{}, cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generated config is invalid")

	_, statErr := os.Stat(cfgPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunInit_KeepsExistingFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("original"), 0o600))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader("\nno\n"), &out, cfgPath))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestPrintStartup(t *testing.T) {
	cfg := config.Default()
	cfg.Callback.Secret = "s"

	var buf bytes.Buffer
	printStartup(&buf, "/etc/deal-relay/relay.yaml", cfg)
	out := buf.String()

	assert.Contains(t, out, "version: dev")
	assert.Contains(t, out, "/etc/deal-relay/relay.yaml")
	assert.Contains(t, out, "http://n8n:5678/webhook/orchestrator")
	assert.Contains(t, out, "sqlite ./data/relay.db")
	assert.Contains(t, out, "disabled")

	buf.Reset()
	cfg.Retention.MaxAge = 48 * time.Hour
	printStartup(&buf, "relay.yaml", cfg)
	assert.Contains(t, buf.String(), "48h0m0s")
}

func TestServeCommand_MissingConfig(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}
