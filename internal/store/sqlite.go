// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists transactions, conversation bindings and the description index

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time, and an in-memory database lives per connection
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transactions (
			id            TEXT PRIMARY KEY,
			description   TEXT NOT NULL,
			research      TEXT NOT NULL DEFAULT '',
			archetype     TEXT NOT NULL DEFAULT '',
			value_prop    TEXT NOT NULL DEFAULT '',
			buyer_profile TEXT NOT NULL DEFAULT '',
			business_case TEXT NOT NULL DEFAULT '',
			solution      TEXT NOT NULL DEFAULT '',
			history_json  TEXT NOT NULL DEFAULT '[]',
			revision      INTEGER NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_updated ON transactions(updated_at);

		CREATE TABLE IF NOT EXISTS conversation_bindings (
			conversation_id TEXT PRIMARY KEY,
			transaction_id  TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_bindings_transaction ON conversation_bindings(transaction_id);

		CREATE TABLE IF NOT EXISTS description_index (
			normalized     TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			seq            INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_description_seq ON description_index(seq DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTransaction inserts a new transaction at revision 1.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, txn *Transaction) error {
	prepareCreate(txn, time.Now().UTC())

	history, err := json.Marshal(txn.History)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	query := `
		INSERT INTO transactions (id, description, research, archetype, value_prop,
			buyer_profile, business_case, solution, history_json, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		txn.ID,
		txn.Description,
		txn.Research,
		txn.Archetype,
		txn.ValueProp,
		txn.BuyerProfile,
		txn.BusinessCase,
		txn.Solution,
		string(history),
		txn.Revision,
		txn.CreatedAt.UTC().Format(time.RFC3339),
		txn.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}

	s.logger.Debug("created transaction", "id", txn.ID, "description", txn.Description)
	return nil
}

const selectTransaction = `
	SELECT id, description, research, archetype, value_prop, buyer_profile,
		business_case, solution, history_json, revision, created_at, updated_at
	FROM transactions
`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var historyJSON, createdAtStr, updatedAtStr string

	if err := row.Scan(
		&txn.ID,
		&txn.Description,
		&txn.Research,
		&txn.Archetype,
		&txn.ValueProp,
		&txn.BuyerProfile,
		&txn.BusinessCase,
		&txn.Solution,
		&historyJSON,
		&txn.Revision,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(historyJSON), &txn.History); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}

	var err error
	txn.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	txn.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &txn, nil
}

// GetTransaction retrieves a transaction by ID.
// Returns ErrNotFound if the transaction doesn't exist.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	txn, err := scanTransaction(s.db.QueryRowContext(ctx, selectTransaction+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying transaction: %w", err)
	}
	return txn, nil
}

// PutTransaction replaces the stored transaction if its revision still matches
// txn.Revision. On success txn.Revision and txn.UpdatedAt reflect the new row.
func (s *SQLiteStore) PutTransaction(ctx context.Context, txn *Transaction) error {
	history, err := json.Marshal(txn.History)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE transactions
		SET description = ?, research = ?, archetype = ?, value_prop = ?, buyer_profile = ?,
			business_case = ?, solution = ?, history_json = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		txn.Description,
		txn.Research,
		txn.Archetype,
		txn.ValueProp,
		txn.BuyerProfile,
		txn.BusinessCase,
		txn.Solution,
		string(history),
		now.Format(time.RFC3339),
		txn.ID,
		txn.Revision,
	)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE id = ?`, txn.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking transaction: %w", err)
		}
		return ErrConflict
	}

	txn.Revision++
	txn.UpdatedAt = now
	s.logger.Debug("updated transaction", "id", txn.ID, "revision", txn.Revision)
	return nil
}

// ListTransactions returns every transaction, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+" ORDER BY rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	txns := []*Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction rows: %w", err)
	}

	return txns, nil
}

// BindConversation points a conversation at a transaction, replacing any prior binding.
func (s *SQLiteStore) BindConversation(ctx context.Context, conversationID, transactionID string) error {
	query := `
		INSERT INTO conversation_bindings (conversation_id, transaction_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			transaction_id = excluded.transaction_id,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, conversationID, transactionID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("binding conversation: %w", err)
	}

	s.logger.Debug("bound conversation", "conversation_id", conversationID, "transaction_id", transactionID)
	return nil
}

// ResolveConversation returns the transaction ID bound to a conversation.
// Returns ErrNotFound if nothing is bound.
func (s *SQLiteStore) ResolveConversation(ctx context.Context, conversationID string) (string, error) {
	var txnID string
	err := s.db.QueryRowContext(ctx,
		`SELECT transaction_id FROM conversation_bindings WHERE conversation_id = ?`,
		conversationID,
	).Scan(&txnID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying binding: %w", err)
	}
	return txnID, nil
}

// IndexByDescription records the normalized description for substring search.
// Re-indexing the same description moves it to the front of the search order.
func (s *SQLiteStore) IndexByDescription(ctx context.Context, description, transactionID string) error {
	query := `
		INSERT INTO description_index (normalized, transaction_id, seq)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM description_index))
		ON CONFLICT(normalized) DO UPDATE SET
			transaction_id = excluded.transaction_id,
			seq = excluded.seq
	`
	_, err := s.db.ExecContext(ctx, query, NormalizeDescription(description), transactionID)
	if err != nil {
		return fmt.Errorf("indexing description: %w", err)
	}
	return nil
}

// FindByDescriptionSubstring returns the most recently indexed transaction whose
// normalized description contains text. Returns ErrNotFound if none match.
func (s *SQLiteStore) FindByDescriptionSubstring(ctx context.Context, text string) (*Transaction, error) {
	var txnID string
	// instr avoids treating % and _ in user input as LIKE wildcards
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id FROM description_index
		WHERE instr(normalized, ?) > 0
		ORDER BY seq DESC
		LIMIT 1
	`, NormalizeDescription(text)).Scan(&txnID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("searching description index: %w", err)
	}
	return s.GetTransaction(ctx, txnID)
}

// PruneTransactions removes transactions idle since before.
func (s *SQLiteStore) PruneTransactions(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := before.UTC().Format(time.RFC3339)
	stale := `SELECT id FROM transactions WHERE updated_at < ?`

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_bindings WHERE transaction_id IN (`+stale+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("pruning bindings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM description_index WHERE transaction_id IN (`+stale+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("pruning description index: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning transactions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	if removed > 0 {
		s.logger.Info("pruned idle transactions", "count", removed, "before", cutoff)
	}
	return int(removed), nil
}
