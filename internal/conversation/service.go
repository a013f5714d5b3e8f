// ABOUTME: Relay service correlating chat conversations with workflow engine jobs
// ABOUTME: Parses commands, binds transactions, dispatches work and ingests callbacks

package conversation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/2389/deal-relay/internal/catalog"
	"github.com/2389/deal-relay/internal/dedupe"
	"github.com/2389/deal-relay/internal/dispatch"
	"github.com/2389/deal-relay/internal/store"
)

const (
	// maxUpdateAttempts bounds read-modify-write retries on revision conflicts
	maxUpdateAttempts = 5

	defaultDescription = "New Deal"

	senderUser  = "user"
	senderAgent = "agent"
)

// AgentCatalog is what the service needs from the agent catalog
type AgentCatalog interface {
	Get(id string) (*catalog.Agent, error)
	Grouped() map[string][]*catalog.Agent
}

// Dispatcher posts a payload to a workflow engine webhook
type Dispatcher interface {
	Post(ctx context.Context, url string, payload any) error
}

// Publisher pushes messages to a conversation topic
type Publisher interface {
	Publish(topic string, msg *Message)
}

// Deduper tracks callback keys that are being or have been applied
type Deduper interface {
	Claim(key string) dedupe.State
	Complete(key string)
	Forget(key string)
}

// Config holds the addresses and secret the relay needs.
type Config struct {
	EngineBaseURL    string // e.g. http://n8n:5678
	OrchestratorPath string // webhook for ordinary chat messages
	CallbackBaseURL  string // must be reachable from the engine
	CallbackSecret   string
}

// Service owns the conversation lifecycle. It is the only writer of
// transaction state and the only publisher of relay results.
type Service struct {
	store      store.Store
	agents     AgentCatalog
	dispatcher Dispatcher
	publisher  Publisher
	dedupe     Deduper
	cfg        Config
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDeduper enables callbackId deduplication.
func WithDeduper(d Deduper) Option {
	return func(s *Service) { s.dedupe = d }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a relay service.
func NewService(st store.Store, agents AgentCatalog, d Dispatcher, p Publisher, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:      st,
		agents:     agents,
		dispatcher: d,
		publisher:  p,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay")
	return s
}

// CallbackURL is the address the engine calls back for a conversation.
func (s *Service) CallbackURL(conversationID string) string {
	q := url.Values{}
	q.Set("convo", conversationID)
	q.Set("secret", s.cfg.CallbackSecret)
	return strings.TrimRight(s.cfg.CallbackBaseURL, "/") + "/webhooks/n8n/callback?" + q.Encode()
}

func (s *Service) engineURL(path string) string {
	return strings.TrimRight(s.cfg.EngineBaseURL, "/") + path
}

// StartConversation opens a new conversation with an agent and kicks off its
// workflow. Dispatch failures are logged, not returned.
func (s *Service) StartConversation(ctx context.Context, agentID string, inputs map[string]any) (string, error) {
	if agentID == "" {
		return "", invalid("agent_id is required")
	}
	agent, err := s.agents.Get(agentID)
	if err != nil {
		return "", fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}

	conversationID := uuid.New().String()

	payload := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		payload[k] = v
	}
	payload["callback_url"] = s.CallbackURL(conversationID)

	_ = s.dispatch(ctx, dispatch.BestEffort, s.engineURL(agent.WebhookPath), payload)

	s.logger.Info("conversation started",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return conversationID, nil
}

// HandleMessage processes one chat message. "start" and "recall" are handled
// locally; anything else is forwarded to the orchestrator workflow. Results
// reach the client through the conversation topic, never the return value.
func (s *Service) HandleMessage(ctx context.Context, conversationID, text string) error {
	if conversationID == "" {
		return invalid("conversation_id is required")
	}
	if strings.TrimSpace(text) == "" {
		return invalid("message is required")
	}

	cmd, arg := parseCommand(text)
	switch cmd {
	case "start":
		return s.startTransaction(ctx, conversationID, arg)
	case "recall":
		return s.recallTransaction(ctx, conversationID, arg)
	default:
		return s.relayMessage(ctx, conversationID, text)
	}
}

// parseCommand splits off a case-insensitive leading keyword.
func parseCommand(text string) (cmd, arg string) {
	trimmed := strings.TrimSpace(text)
	word, rest, _ := strings.Cut(trimmed, " ")
	switch kw := strings.ToLower(word); kw {
	case "start", "recall":
		return kw, strings.TrimSpace(rest)
	}
	return "", trimmed
}

func (s *Service) startTransaction(ctx context.Context, conversationID, description string) error {
	if description == "" {
		description = defaultDescription
	}

	txn := &store.Transaction{Description: description}
	if err := s.createTransaction(ctx, conversationID, txn); err != nil {
		return err
	}

	s.logger.Info("transaction started",
		"conversation_id", conversationID,
		"transaction_id", txn.ID,
		"description", description)

	s.publisher.Publish(Topic(conversationID), ResultMessage("Started new transaction: "+description))
	return nil
}

// createTransaction persists txn under a fresh ID, binds the conversation to
// it and indexes its description.
func (s *Service) createTransaction(ctx context.Context, conversationID string, txn *store.Transaction) error {
	txn.ID = uuid.New().String()
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return storeError("creating transaction", err)
	}
	if err := s.store.BindConversation(ctx, conversationID, txn.ID); err != nil {
		return storeError("binding conversation", err)
	}
	if err := s.store.IndexByDescription(ctx, txn.Description, txn.ID); err != nil {
		return storeError("indexing transaction", err)
	}
	return nil
}

func (s *Service) recallTransaction(ctx context.Context, conversationID, search string) error {
	search = store.NormalizeDescription(search)
	if search == "" {
		s.publisher.Publish(Topic(conversationID), ResultMessage("Usage: recall <search text>"))
		return nil
	}

	txn, err := s.store.FindByDescriptionSubstring(ctx, search)
	if errors.Is(err, store.ErrNotFound) {
		s.publisher.Publish(Topic(conversationID), ResultMessage("No transaction found matching: "+search))
		return nil
	}
	if err != nil {
		return storeError("searching transactions", err)
	}

	if err := s.store.BindConversation(ctx, conversationID, txn.ID); err != nil {
		return storeError("binding conversation", err)
	}

	s.logger.Info("transaction recalled",
		"conversation_id", conversationID,
		"transaction_id", txn.ID)

	s.publisher.Publish(Topic(conversationID), ResultMessage("Recalled transaction: "+txn.Description))
	return nil
}

func (s *Service) relayMessage(ctx context.Context, conversationID, text string) error {
	var snapshot *store.Transaction

	txnID, err := s.boundTransaction(ctx, conversationID)
	if err != nil {
		return err
	}
	if txnID != "" {
		snapshot, err = s.updateTransaction(ctx, txnID, func(t *store.Transaction) {
			t.Append(senderUser, text)
		})
		switch {
		case errors.Is(err, ErrNotFound):
			// Binding outlived its transaction, e.g. after a retention sweep
			s.logger.Warn("bound transaction missing", "conversation_id", conversationID, "transaction_id", txnID)
			snapshot = nil
		case err != nil:
			return err
		}
	}

	payload := map[string]any{
		"message":         text,
		"conversation_id": conversationID,
		"transaction_id":  nil,
		"transaction":     nil,
		"callback_url":    s.CallbackURL(conversationID),
	}
	if snapshot != nil {
		payload["transaction_id"] = snapshot.ID
		payload["transaction"] = snapshot
	}

	if err := s.dispatch(ctx, dispatch.ReportFailure, s.engineURL(s.cfg.OrchestratorPath), payload); err != nil {
		s.publisher.Publish(Topic(conversationID), ErrorMessage("Failed to reach workflow engine: "+err.Error()))
	}
	return nil
}

// IngestCallback applies a workflow result to the conversation's transaction
// and pushes the callback body to connected clients.
func (s *Service) IngestCallback(ctx context.Context, conversationID, secret string, body []byte) error {
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.CallbackSecret)) != 1 {
		s.logger.Warn("callback rejected", "conversation_id", conversationID, "reason", "bad secret")
		return ErrUnauthorized
	}
	if conversationID == "" {
		return invalid("convo is required")
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return invalid("callback body must be a JSON object")
	}

	doc := gjson.ParseBytes(body)
	agentType := doc.Get("agentType").String()
	result := resultText(doc.Get("result"))

	if cbID := doc.Get("callbackId").String(); cbID != "" && s.dedupe != nil {
		key := dedupe.Key(conversationID, cbID)
		switch s.dedupe.Claim(key) {
		case dedupe.StateDone:
			s.logger.Info("duplicate callback ignored", "conversation_id", conversationID, "callback_id", cbID)
			return nil
		case dedupe.StatePending:
			s.logger.Info("duplicate callback while first is pending", "conversation_id", conversationID, "callback_id", cbID)
			return fmt.Errorf("callback %q: %w", cbID, ErrCallbackPending)
		}
		if err := s.applyCallback(ctx, conversationID, doc, agentType, result); err != nil {
			s.dedupe.Forget(key)
			return err
		}
		s.dedupe.Complete(key)
	} else if err := s.applyCallback(ctx, conversationID, doc, agentType, result); err != nil {
		return err
	}

	data, _ := doc.Value().(map[string]any)
	s.publisher.Publish(Topic(conversationID), &Message{Type: MessageTypeResult, Data: data})
	return nil
}

// applyCallback records the result on the bound transaction, else on the one
// the body names. With neither, a transaction is created and bound.
func (s *Service) applyCallback(ctx context.Context, conversationID string, doc gjson.Result, agentType, result string) error {
	boundID, err := s.boundTransaction(ctx, conversationID)
	if err != nil {
		return err
	}
	txnID := boundID
	if txnID == "" {
		txnID = doc.Get("transactionId").String()
	}
	if txnID == "" {
		txnID = doc.Get("transaction_id").String()
	}

	sender := agentType
	if sender == "" {
		sender = senderAgent
	}
	record := func(t *store.Transaction) {
		t.Append(sender, result)
		t.SetField(agentType, result)
	}

	if txnID != "" {
		_, err = s.updateTransaction(ctx, txnID, record)
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if boundID == "" {
			s.logger.Warn("callback names unknown transaction",
				"conversation_id", conversationID,
				"transaction_id", txnID)
			return nil
		}
		// Binding outlived its transaction, e.g. after a retention sweep
		s.logger.Warn("bound transaction missing", "conversation_id", conversationID, "transaction_id", txnID)
	}

	txn := &store.Transaction{Description: defaultDescription}
	record(txn)
	if err := s.createTransaction(ctx, conversationID, txn); err != nil {
		return err
	}
	s.logger.Info("transaction created from callback",
		"conversation_id", conversationID,
		"transaction_id", txn.ID,
		"agent_type", agentType)
	return nil
}

// resultText is the stored form of a result: strings as is, anything else
// as raw JSON.
func resultText(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Null:
		return ""
	default:
		return r.Raw
	}
}

// boundTransaction returns the transaction bound to a conversation, or "" if none.
func (s *Service) boundTransaction(ctx context.Context, conversationID string) (string, error) {
	id, err := s.store.ResolveConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", storeError("resolving conversation", err)
	}
	return id, nil
}

// updateTransaction applies mutate with an optimistic revision check,
// re-reading and retrying when another writer got there first.
func (s *Service) updateTransaction(ctx context.Context, id string, mutate func(*store.Transaction)) (*store.Transaction, error) {
	var lastErr error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		txn, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			return nil, storeError("loading transaction", err)
		}

		mutate(txn)

		err = s.store.PutTransaction(ctx, txn)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, storeError("saving transaction", err)
		}

		lastErr = err
		s.logger.Debug("revision conflict, retrying", "transaction_id", id, "attempt", attempt)
	}
	return nil, storeError(fmt.Sprintf("saving transaction after %d attempts", maxUpdateAttempts), lastErr)
}

// dispatch posts to the engine and applies policy to any failure.
func (s *Service) dispatch(ctx context.Context, policy dispatch.Policy, target string, payload any) error {
	err := s.dispatcher.Post(ctx, target, payload)
	if err == nil {
		return nil
	}
	if policy == dispatch.BestEffort {
		s.logger.Warn("dispatch failed", "url", target, "policy", policy, "error", err)
		return nil
	}
	return err
}

// ListTransactions returns every transaction, newest first.
func (s *Service) ListTransactions(ctx context.Context) ([]*store.Transaction, error) {
	txns, err := s.store.ListTransactions(ctx)
	if err != nil {
		return nil, storeError("listing transactions", err)
	}
	return txns, nil
}

// Transaction returns one transaction by ID.
func (s *Service) Transaction(ctx context.Context, id string) (*store.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, storeError("loading transaction", err)
	}
	return txn, nil
}

// Agents returns the catalog grouped by stage.
func (s *Service) Agents() map[string][]*catalog.Agent {
	return s.agents.Grouped()
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// PruneIdle deletes transactions not updated since before.
func (s *Service) PruneIdle(ctx context.Context, before time.Time) (int, error) {
	n, err := s.store.PruneTransactions(ctx, before)
	if err != nil {
		return 0, storeError("pruning transactions", err)
	}
	return n, nil
}
