// ABOUTME: BoltDB implementation of the Store interface using go.etcd.io/bbolt
// ABOUTME: Keeps transactions as JSON values in buckets with a sequence-ordered index

package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTransactions = []byte("transactions")
	bucketOrder        = []byte("transaction_order") // seq -> transaction id
	bucketBindings     = []byte("conversation_bindings")
	bucketDescIndex    = []byte("description_index") // normalized -> indexEntry
)

// indexEntry is the value stored under a normalized description
type indexEntry struct {
	TransactionID string `json:"transaction_id"`
	Seq           uint64 `json:"seq"`
}

// boltRecord wraps a transaction with its creation sequence
type boltRecord struct {
	Transaction
	Seq uint64 `json:"seq"`
}

// BoltStore implements the Store interface on a single bbolt file.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTransactions, bucketOrder, bucketBindings, bucketDescIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("bolt store initialized", "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Close closes the database file
func (s *BoltStore) Close() error {
	s.logger.Info("closing bolt store")
	return s.db.Close()
}

// Ping verifies the database can start a read transaction.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func getRecord(b *bolt.Bucket, id string) (*boltRecord, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	var rec boltRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decoding transaction %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(b *bolt.Bucket, rec *boltRecord) error {
	enc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	return b.Put([]byte(rec.ID), enc)
}

// CreateTransaction stores a new transaction at revision 1.
func (s *BoltStore) CreateTransaction(ctx context.Context, txn *Transaction) error {
	prepareCreate(txn, time.Now().UTC())

	err := s.db.Update(func(tx *bolt.Tx) error {
		order := tx.Bucket(bucketOrder)
		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		if err := putRecord(tx.Bucket(bucketTransactions), &boltRecord{Transaction: *txn, Seq: seq}); err != nil {
			return err
		}
		return order.Put(seqKey(seq), []byte(txn.ID))
	})
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}

	s.logger.Debug("created transaction", "id", txn.ID, "description", txn.Description)
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *BoltStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var txn *Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx.Bucket(bucketTransactions), id)
		if err != nil {
			return err
		}
		txn = &rec.Transaction
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// PutTransaction replaces the stored transaction if the revision still matches.
func (s *BoltStore) PutTransaction(ctx context.Context, txn *Transaction) error {
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		rec, err := getRecord(b, txn.ID)
		if err != nil {
			return err
		}
		if rec.Revision != txn.Revision {
			return ErrConflict
		}
		next := *txn
		next.Revision++
		next.UpdatedAt = now
		return putRecord(b, &boltRecord{Transaction: next, Seq: rec.Seq})
	})
	if err != nil {
		return err
	}

	txn.Revision++
	txn.UpdatedAt = now
	return nil
}

// ListTransactions returns every transaction, newest first.
func (s *BoltStore) ListTransactions(ctx context.Context) ([]*Transaction, error) {
	txns := []*Transaction{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		c := tx.Bucket(bucketOrder).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			rec, err := getRecord(b, string(v))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			txns = append(txns, &rec.Transaction)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txns, nil
}

// BindConversation points a conversation at a transaction.
func (s *BoltStore) BindConversation(ctx context.Context, conversationID, transactionID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).Put([]byte(conversationID), []byte(transactionID))
	})
	if err != nil {
		return fmt.Errorf("binding conversation: %w", err)
	}
	return nil
}

// ResolveConversation returns the transaction ID bound to a conversation.
func (s *BoltStore) ResolveConversation(ctx context.Context, conversationID string) (string, error) {
	var txnID string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBindings).Get([]byte(conversationID))
		if v == nil {
			return ErrNotFound
		}
		txnID = string(v)
		return nil
	})
	return txnID, err
}

// IndexByDescription records the normalized description for substring search.
func (s *BoltStore) IndexByDescription(ctx context.Context, description, transactionID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDescIndex)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		enc, err := json.Marshal(indexEntry{TransactionID: transactionID, Seq: seq})
		if err != nil {
			return err
		}
		return b.Put([]byte(NormalizeDescription(description)), enc)
	})
	if err != nil {
		return fmt.Errorf("indexing description: %w", err)
	}
	return nil
}

// FindByDescriptionSubstring returns the most recently indexed match.
func (s *BoltStore) FindByDescriptionSubstring(ctx context.Context, text string) (*Transaction, error) {
	needle := NormalizeDescription(text)
	var best indexEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDescIndex).ForEach(func(k, v []byte) error {
			if !strings.Contains(string(k), needle) {
				return nil
			}
			var e indexEntry
			if err := json.Unmarshal(v, &e); err != nil {
				// Skip malformed entries instead of failing the whole search
				return nil
			}
			if e.Seq > best.Seq {
				best = e
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("searching description index: %w", err)
	}
	if best.TransactionID == "" {
		return nil, ErrNotFound
	}
	return s.GetTransaction(ctx, best.TransactionID)
}

// PruneTransactions removes transactions idle since before.
func (s *BoltStore) PruneTransactions(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		txns := tx.Bucket(bucketTransactions)
		stale := map[string]uint64{}
		err := txns.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.UpdatedAt.Before(before) {
				stale[rec.ID] = rec.Seq
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		for id, seq := range stale {
			if err := txns.Delete([]byte(id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketOrder).Delete(seqKey(seq)); err != nil {
				return err
			}
		}

		if err := deleteWhere(tx.Bucket(bucketBindings), func(v []byte) bool {
			_, ok := stale[string(v)]
			return ok
		}); err != nil {
			return err
		}

		if err := deleteWhere(tx.Bucket(bucketDescIndex), func(v []byte) bool {
			var e indexEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return false
			}
			_, ok := stale[e.TransactionID]
			return ok
		}); err != nil {
			return err
		}

		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning transactions: %w", err)
	}
	if removed > 0 {
		s.logger.Info("pruned idle transactions", "count", removed)
	}
	return removed, nil
}

// deleteWhere removes every key in b whose value matches.
// The bucket must not be modified inside ForEach, so keys are collected first.
func deleteWhere(b *bolt.Bucket, match func(v []byte) bool) error {
	var keys [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		if match(v) {
			keys = append(keys, bytes.Clone(k))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
