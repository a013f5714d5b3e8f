// Package store persists deal transactions and the conversation bindings that
// point at them.
//
// # Backends
//
// Three implementations satisfy the Store interface and are selected by
// Open(driver, path):
//
//   - sqlite: modernc.org/sqlite with WAL mode and a single connection
//   - bolt: a go.etcd.io/bbolt file with one bucket per keyspace
//   - memory: maps guarded by a RWMutex, for tests and throwaway runs
//
// # Data Model
//
//   - Transaction: one deal, its six stage fields and an append-only history
//   - conversation binding: conversation ID -> transaction ID
//   - description index: normalized description -> transaction ID, ordered by
//     insertion so the newest match wins
//
// # Concurrency
//
// PutTransaction is a compare-and-swap on Revision. A writer that lost the race
// gets ErrConflict and is expected to re-read and reapply its change:
//
//	for {
//	    txn, _ := s.GetTransaction(ctx, id)
//	    txn.Append("agent", "result")
//	    if err := s.PutTransaction(ctx, txn); !errors.Is(err, store.ErrConflict) {
//	        return err
//	    }
//	}
//
// # Errors
//
//   - ErrNotFound: transaction or binding does not exist
//   - ErrConflict: revision mismatch on PutTransaction
//
// All methods accept context.Context for cancellation support.
package store
