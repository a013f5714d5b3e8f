// ABOUTME: Tests for the relay HTTP API handlers
// ABOUTME: Verifies request validation, error mapping, CORS and the full chat flow

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deal-relay/internal/conversation"
	"github.com/2389/deal-relay/internal/store"
)

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func callbackTarget(convo, secret string) string {
	q := url.Values{}
	q.Set("convo", convo)
	q.Set("secret", secret)
	return "/webhooks/n8n/callback?" + q.Encode()
}

func TestHealth(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"agents":1}`, rec.Body.String())

	require.NoError(t, gw.store.Close())

	rec = doJSON(t, h, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", decodeBody[OKResponse](t, rec).Error)
}

func TestListAgents(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	grouped := decodeBody[map[string][]map[string]any](t, rec)
	for _, stage := range []string{"targeting", "origination", "progression", "growth"} {
		assert.Contains(t, grouped, stage)
	}
	require.Len(t, grouped["targeting"], 1)
	assert.Equal(t, "research", grouped["targeting"][0]["id"])
	assert.Equal(t, "/webhook/research", grouped["targeting"][0]["webhook_path"])
}

func TestChatStart(t *testing.T) {
	gw, engine := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/chat/start", StartChatRequest{
		AgentID: "research",
		Inputs:  map[string]any{"company": "Acme"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[StartChatResponse](t, rec)
	require.NotEmpty(t, resp.ConversationID)

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/webhook/research", calls[0].Path)
	assert.Equal(t, "Acme", calls[0].Body["company"])
	assert.Equal(t,
		"http://relay.test/webhooks/n8n/callback?convo="+resp.ConversationID+"&secret="+testSecret,
		calls[0].Body["callback_url"])
}

func TestChatStart_EngineDownStillSucceeds(t *testing.T) {
	gw, engine := newTestGateway(t)
	engine.SetStatus(http.StatusBadGateway)

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/chat/start", StartChatRequest{AgentID: "research"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatStart_Errors(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Handler()

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing agent", StartChatRequest{}, http.StatusBadRequest},
		{"unknown agent", StartChatRequest{AgentID: "ghost"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/chat/start", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, decodeBody[OKResponse](t, rec).Error)
		})
	}
}

func TestChatSend_Validation(t *testing.T) {
	gw, engine := newTestGateway(t)
	h := gw.Handler()

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "not json"},
		{"missing conversation", SendChatRequest{Message: "hi"}},
		{"missing message", SendChatRequest{ConversationID: "c1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/chat/send", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			resp := decodeBody[OKResponse](t, rec)
			assert.False(t, resp.OK)
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Empty(t, engine.Calls())
}

func TestChatSend_EngineFailureStillAccepted(t *testing.T) {
	gw, engine := newTestGateway(t)
	engine.SetStatus(http.StatusInternalServerError)

	msgs, _ := gw.broadcaster.Subscribe(t.Context(), conversation.Topic("c1"))

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/chat/send", SendChatRequest{ConversationID: "c1", Message: "hi"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	msg := <-msgs
	assert.Equal(t, conversation.MessageTypeError, msg.Type)
	assert.True(t, strings.HasPrefix(msg.Data["error"].(string), "Failed to reach workflow engine: "))
}

func TestCallback_BadSecret(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Handler()

	require.Equal(t, http.StatusOK,
		doJSON(t, h, http.MethodPost, "/chat/send", SendChatRequest{ConversationID: "c1", Message: "start Acme"}).Code)

	rec := doJSON(t, h, http.MethodPost, callbackTarget("c1", "wrong"), map[string]any{"agentType": "research", "result": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"bad secret"}`, rec.Body.String())

	txns, err := gw.relay.ListTransactions(t.Context())
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Empty(t, txns[0].History)
	assert.Empty(t, txns[0].Research)
}

func TestCallback_InvalidBody(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodPost, callbackTarget("c1", testSecret), "[1,2]")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactions(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodGet, "/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, d := range []string{"Acme Deal", "Globex Renewal"} {
		doJSON(t, h, http.MethodPost, "/chat/send", SendChatRequest{ConversationID: "c1", Message: "start " + d})
	}

	rec = doJSON(t, h, http.MethodGet, "/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txns := decodeBody[[]store.Transaction](t, rec)
	require.Len(t, txns, 2)
	assert.Equal(t, "Globex Renewal", txns[0].Description, "newest first")

	rec = doJSON(t, h, http.MethodGet, "/transactions/"+txns[1].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Acme Deal", decodeBody[store.Transaction](t, rec).Description)

	rec = doJSON(t, h, http.MethodGet, "/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	gw, _ := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/chat/send", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORS(t *testing.T) {
	gw, _ := newTestGateway(t)
	h := gw.Handler()

	t.Run("preflight allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/chat/send", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "content-type")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("preflight rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/chat/send", nil)
		req.Header.Set("Origin", "https://evil.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("simple request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestParseOrigins(t *testing.T) {
	allowed, patterns := parseOrigins([]string{"http://localhost:5173/", " https://deals.example.com ", "", "*"})

	assert.True(t, allowed["http://localhost:5173"])
	assert.True(t, allowed["https://deals.example.com"])
	assert.True(t, allowed["*"])
	assert.Equal(t, []string{"localhost:5173", "deals.example.com", "*"}, patterns)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", conversation.ErrInvalidRequest), http.StatusBadRequest},
		{conversation.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("agent: %w", conversation.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("callback: %w", conversation.ErrCallbackPending), http.StatusConflict},
		{fmt.Errorf("op: %w: %w", conversation.ErrStoreUnavailable, errors.New("disk")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "error %v", tt.err)
	}
}

// TestChatFlow drives the whole relay over HTTP: start, callback, recall,
// ordinary message, and checks what the engine and the store saw.
func TestChatFlow(t *testing.T) {
	gw, engine := newTestGateway(t)
	h := gw.Handler()
	ctx := t.Context()

	msgs, _ := gw.broadcaster.Subscribe(ctx, conversation.Topic("c1"))

	send := func(text string) {
		t.Helper()
		rec := doJSON(t, h, http.MethodPost, "/chat/send", SendChatRequest{ConversationID: "c1", Message: text})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	send("start Acme Deal")
	assert.Equal(t, "Started new transaction: Acme Deal", (<-msgs).Data["result"])

	rec := doJSON(t, h, http.MethodPost, callbackTarget("c1", testSecret),
		map[string]any{"agentType": "research", "result": "Found 3 leads"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	got := <-msgs
	assert.Equal(t, conversation.MessageTypeResult, got.Type)
	assert.Equal(t, "Found 3 leads", got.Data["result"])

	send("start Globex Renewal")
	<-msgs
	send("recall acme")
	assert.Equal(t, "Recalled transaction: Acme Deal", (<-msgs).Data["result"])

	send("who are the buyers?")

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/webhook/orchestrator", calls[0].Path)
	assert.Equal(t, "who are the buyers?", calls[0].Body["message"])

	snapshot := calls[0].Body["transaction"].(map[string]any)
	assert.Equal(t, "Acme Deal", snapshot["description"])
	assert.Equal(t, "Found 3 leads", snapshot["research"])
	assert.Len(t, snapshot["history"], 2)
	assert.Equal(t, calls[0].Body["transaction_id"], snapshot["id"])
}
