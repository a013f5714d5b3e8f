// ABOUTME: Streaming sessions that push a conversation's messages to a client
// ABOUTME: WebSocket at /ws/{convo} and Server-Sent Events at /stream/{convo}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/deal-relay/internal/conversation"
)

// wsWriteTimeout bounds a single frame write to a slow client
const wsWriteTimeout = 10 * time.Second

// handleWebSocket handles GET /ws/{convo}. Every message published to the
// conversation after the handshake is sent as a JSON text frame, in order.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	convo := r.PathValue("convo")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error
		g.logger.Warn("websocket handshake failed", "conversation_id", convo, "error", err)
		return
	}
	defer conn.CloseNow()

	// Clients never send anything we need; CloseRead cancels ctx when they go away
	ctx := conn.CloseRead(r.Context())

	topic := conversation.Topic(convo)
	msgs, subID := g.broadcaster.Subscribe(ctx, topic)
	defer g.broadcaster.Unsubscribe(topic, subID)

	g.logger.Debug("websocket session opened", "conversation_id", convo, "sub_id", subID)
	defer g.logger.Debug("websocket session closed", "conversation_id", convo, "sub_id", subID)

	if err := writeFrame(ctx, conn, conversation.StatusMessage("connected")); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
				return
			}
			if err := writeFrame(ctx, conn, msg); err != nil {
				g.logger.Debug("websocket write failed", "conversation_id", convo, "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg *conversation.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleStream handles GET /stream/{convo} as Server-Sent Events. The event
// name is the message type and the data line is the whole message.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	convo := r.PathValue("convo")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before acknowledging so nothing published after "connected" is missed
	topic := conversation.Topic(convo)
	msgs, subID := g.broadcaster.Subscribe(r.Context(), topic)
	defer g.broadcaster.Unsubscribe(topic, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	connected := conversation.StatusMessage("connected")
	g.writeSSEEvent(w, connected.Type, connected)
	flusher.Flush()

	heartbeat := time.NewTicker(g.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case msg, ok := <-msgs:
			if !ok {
				return
			}
			g.writeSSEEvent(w, msg.Type, msg)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
