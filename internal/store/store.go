// ABOUTME: Store interface and data types for deal-relay persistence
// ABOUTME: Defines Transaction, HistoryEntry and the Store interface used by the relay

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by PutTransaction when the stored revision no longer
// matches the revision the caller read.
var ErrConflict = errors.New("revision conflict")

// Domain field names a callback may overwrite.
const (
	FieldResearch     = "research"
	FieldArchetype    = "archetype"
	FieldValueProp    = "value_prop"
	FieldBuyerProfile = "buyer_profile"
	FieldBusinessCase = "business_case"
	FieldSolution     = "solution"
)

// DomainFields lists every overwritable domain field in display order.
var DomainFields = []string{
	FieldResearch,
	FieldArchetype,
	FieldValueProp,
	FieldBuyerProfile,
	FieldBusinessCase,
	FieldSolution,
}

// HistoryEntry is one line of a transaction's conversation log
type HistoryEntry struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// Transaction is a deal record bound to one or more conversations over its lifetime.
// History only grows; domain fields are replaced wholesale.
type Transaction struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Research     string         `json:"research"`
	Archetype    string         `json:"archetype"`
	ValueProp    string         `json:"value_prop"`
	BuyerProfile string         `json:"buyer_profile"`
	BusinessCase string         `json:"business_case"`
	Solution     string         `json:"solution"`
	History      []HistoryEntry `json:"history"`
	Revision     int64          `json:"revision"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SetField overwrites the named domain field. Returns false if name is not a
// domain field, in which case the transaction is left untouched.
func (t *Transaction) SetField(name, value string) bool {
	switch name {
	case FieldResearch:
		t.Research = value
	case FieldArchetype:
		t.Archetype = value
	case FieldValueProp:
		t.ValueProp = value
	case FieldBuyerProfile:
		t.BuyerProfile = value
	case FieldBusinessCase:
		t.BusinessCase = value
	case FieldSolution:
		t.Solution = value
	default:
		return false
	}
	return true
}

// Field returns the value of the named domain field.
func (t *Transaction) Field(name string) (string, bool) {
	switch name {
	case FieldResearch:
		return t.Research, true
	case FieldArchetype:
		return t.Archetype, true
	case FieldValueProp:
		return t.ValueProp, true
	case FieldBuyerProfile:
		return t.BuyerProfile, true
	case FieldBusinessCase:
		return t.BusinessCase, true
	case FieldSolution:
		return t.Solution, true
	}
	return "", false
}

// Append adds an entry to the end of the history.
func (t *Transaction) Append(sender, message string) {
	t.History = append(t.History, HistoryEntry{Sender: sender, Message: message})
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.History = make([]HistoryEntry, len(t.History))
	copy(c.History, t.History)
	return &c
}

// NormalizeDescription produces the key used by the description index.
func NormalizeDescription(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Store defines the interface for transaction and conversation binding persistence.
//
// All writes are keyed overwrites. PutTransaction is a compare-and-swap on
// Revision: the caller passes the transaction it read, and the write fails with
// ErrConflict if someone else wrote in between.
type Store interface {
	// Transactions
	CreateTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	PutTransaction(ctx context.Context, txn *Transaction) error
	ListTransactions(ctx context.Context) ([]*Transaction, error)

	// Conversation bindings
	BindConversation(ctx context.Context, conversationID, transactionID string) error
	ResolveConversation(ctx context.Context, conversationID string) (string, error)

	// Description index. Lookups scan most recently indexed entries first.
	IndexByDescription(ctx context.Context, description, transactionID string) error
	FindByDescriptionSubstring(ctx context.Context, text string) (*Transaction, error)

	// PruneTransactions deletes transactions not updated since before, along
	// with their bindings and index entries. Returns the number removed.
	PruneTransactions(ctx context.Context, before time.Time) (int, error)

	// Ping reports whether the backing store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// prepareCreate fills in defaults shared by every backend.
func prepareCreate(txn *Transaction, now time.Time) {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = txn.CreatedAt
	txn.Revision = 1
	if txn.History == nil {
		txn.History = []HistoryEntry{}
	}
}
