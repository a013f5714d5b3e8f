// ABOUTME: HTTP API handlers for starting chats, relaying messages and ingesting callbacks
// ABOUTME: Maps relay errors to status codes and applies CORS for the browser client

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/deal-relay/internal/conversation"
)

// maxBodyBytes caps request bodies, callbacks included.
const maxBodyBytes = 1 << 20

// StartChatRequest is the JSON request body for POST /chat/start.
type StartChatRequest struct {
	AgentID string         `json:"agent_id"`
	Inputs  map[string]any `json:"inputs"`
}

// StartChatResponse is the JSON response for POST /chat/start.
type StartChatResponse struct {
	ConversationID string `json:"conversation_id"`
}

// SendChatRequest is the JSON request body for POST /chat/send.
type SendChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// OKResponse acknowledges an accepted request. Error is set when OK is false.
type OKResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleHealth reports liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleReady reports whether the transaction store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.relay.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agents": g.catalog.Len()})
}

// handleListAgents handles GET /agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.relay.Agents())
}

// handleChatStart handles POST /chat/start.
func (g *Gateway) handleChatStart(w http.ResponseWriter, r *http.Request) {
	var req StartChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := g.relay.StartConversation(r.Context(), req.AgentID, req.Inputs)
	if err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, StartChatResponse{ConversationID: id})
}

// handleChatSend handles POST /chat/send. Success only means the message was
// accepted; results arrive on the conversation stream.
func (g *Gateway) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req SendChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.relay.HandleMessage(r.Context(), req.ConversationID, req.Message); err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleCallback handles POST /webhooks/n8n/callback?convo=<id>&secret=<secret>.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := g.relay.IngestCallback(r.Context(), q.Get("convo"), q.Get("secret"), body); err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleListTransactions handles GET /transactions.
func (g *Gateway) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := g.relay.ListTransactions(r.Context())
	if err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, txns)
}

// handleGetTransaction handles GET /transactions/{id}.
func (g *Gateway) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := g.relay.Transaction(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendRelayError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, txn)
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// statusFor maps relay errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrCallbackPending):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendRelayError writes err with its mapped status. Server-side failures are
// logged and not echoed to the client.
func (g *Gateway) sendRelayError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case errors.Is(err, conversation.ErrUnauthorized):
		msg = "bad secret"
	case status == http.StatusServiceUnavailable:
		g.logger.Error("store unavailable", "error", err)
		msg = "store unavailable"
	case status >= 500:
		g.logger.Error("request failed", "error", err)
		msg = "internal server error"
	}
	g.sendJSONError(w, status, msg)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, OKResponse{OK: false, Error: message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// parseOrigins splits configured origins into the CORS allow set and the
// host patterns the WebSocket handshake checks.
func parseOrigins(origins []string) (map[string]bool, []string) {
	allowed := make(map[string]bool, len(origins))
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		allowed[o] = true
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return allowed, patterns
}

func (g *Gateway) originAllowed(origin string) bool {
	return g.origins["*"] || g.origins[origin]
}

// withCORS answers preflight requests and tags responses for allowed origins.
func (g *Gateway) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && g.originAllowed(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if h := r.Header.Get("Access-Control-Request-Headers"); h != "" {
				w.Header().Set("Access-Control-Allow-Headers", h)
			} else {
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
