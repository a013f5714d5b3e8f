// ABOUTME: In-memory fan-out channel bus for conversation topics
// ABOUTME: Publishes relay messages to every live subscriber of a conversation

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Message types pushed to clients
const (
	MessageTypeStatus = "status"
	MessageTypeResult = "n8n_result"
	MessageTypeError  = "error"
)

// Message is a tagged channel message. Data is free-form and serialized verbatim
// to connected clients. Status messages carry Text at the top level instead.
type Message struct {
	Type string         `json:"type"`
	Text string         `json:"message,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// StatusMessage builds a status message, e.g. {"type":"status","message":"connected"}.
func StatusMessage(status string) *Message {
	return &Message{Type: MessageTypeStatus, Text: status}
}

// ResultMessage builds an n8n_result message carrying result.
func ResultMessage(result any) *Message {
	return &Message{Type: MessageTypeResult, Data: map[string]any{"result": result}}
}

// ErrorMessage builds an error message carrying a human-readable description.
func ErrorMessage(text string) *Message {
	return &Message{Type: MessageTypeError, Data: map[string]any{"error": text}}
}

// Topic returns the channel name for a conversation.
func Topic(conversationID string) string {
	return "chat:" + conversationID
}

// Broadcaster provides in-memory pub/sub keyed by topic. It is not a queue:
// a subscriber only sees messages published after it subscribed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Message // topic -> subID -> ch

	// pubMu serializes publishes so every subscriber observes the same order
	pubMu sync.Mutex

	closed bool

	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Message),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for messages on the given topic.
// Returns a channel that receives messages and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled, and the channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Message, string) {
	subID := uuid.New().String()
	ch := make(chan *Message, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Message)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends a message to all current subscribers of topic.
// Non-blocking: messages are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(topic string, msg *Message) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		b.logger.Debug("no subscribers", "topic", topic, "type", msg.Type)
		return
	}

	// Holding the read lock keeps Unsubscribe from closing a channel mid-send
	for id, ch := range subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("dropped message for slow subscriber",
				"topic", topic,
				"sub_id", id,
				"type", msg.Type)
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broadcaster) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
// Later subscriptions get an already closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
