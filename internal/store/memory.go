// ABOUTME: In-memory Store implementation for tests and ephemeral deployments
// ABOUTME: Mirrors SQLiteStore semantics including revision checks and search order

package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction // keyed by transaction ID
	order        []string                // transaction IDs in creation order
	bindings     map[string]string       // conversation ID -> transaction ID
	index        map[string]indexEntry   // normalized description -> entry
	indexSeq     uint64
	closed       bool
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		bindings:     make(map[string]string),
		index:        make(map[string]indexEntry),
	}
}

// CreateTransaction stores a copy of txn at revision 1.
func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *Transaction) error {
	prepareCreate(txn, time.Now().UTC())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions[txn.ID] = txn.Clone()
	m.order = append(m.order, txn.ID)
	return nil
}

// GetTransaction returns a copy of the stored transaction.
func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return txn.Clone(), nil
}

// PutTransaction replaces the stored transaction if the revision still matches.
func (m *MemoryStore) PutTransaction(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[txn.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Revision != txn.Revision {
		return ErrConflict
	}

	txn.Revision++
	txn.UpdatedAt = time.Now().UTC()
	m.transactions[txn.ID] = txn.Clone()
	return nil
}

// ListTransactions returns copies of every transaction, newest first.
func (m *MemoryStore) ListTransactions(ctx context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txns := make([]*Transaction, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		if txn, ok := m.transactions[m.order[i]]; ok {
			txns = append(txns, txn.Clone())
		}
	}
	return txns, nil
}

// BindConversation points a conversation at a transaction.
func (m *MemoryStore) BindConversation(ctx context.Context, conversationID, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bindings[conversationID] = transactionID
	return nil
}

// ResolveConversation returns the transaction ID bound to a conversation.
func (m *MemoryStore) ResolveConversation(ctx context.Context, conversationID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txnID, ok := m.bindings[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return txnID, nil
}

// IndexByDescription records the normalized description for substring search.
func (m *MemoryStore) IndexByDescription(ctx context.Context, description, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.indexSeq++
	m.index[NormalizeDescription(description)] = indexEntry{TransactionID: transactionID, Seq: m.indexSeq}
	return nil
}

// FindByDescriptionSubstring returns the most recently indexed match.
func (m *MemoryStore) FindByDescriptionSubstring(ctx context.Context, text string) (*Transaction, error) {
	needle := NormalizeDescription(text)

	m.mu.RLock()
	var best indexEntry
	for key, e := range m.index {
		if strings.Contains(key, needle) && e.Seq > best.Seq {
			best = e
		}
	}
	m.mu.RUnlock()

	if best.TransactionID == "" {
		return nil, ErrNotFound
	}
	return m.GetTransaction(ctx, best.TransactionID)
}

// PruneTransactions removes transactions idle since before.
func (m *MemoryStore) PruneTransactions(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := map[string]bool{}
	kept := m.order[:0]
	for _, id := range m.order {
		txn, ok := m.transactions[id]
		if ok && txn.UpdatedAt.Before(before) {
			delete(m.transactions, id)
			stale[id] = true
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept

	for convo, txnID := range m.bindings {
		if stale[txnID] {
			delete(m.bindings, convo)
		}
	}
	for key, e := range m.index {
		if stale[e.TransactionID] {
			delete(m.index, key)
		}
	}
	return len(stale), nil
}

// Ping always succeeds unless the store was closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
