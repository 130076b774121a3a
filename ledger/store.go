/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the contract between the settlement engine and the database.
  Implementations keep append-only semantics; the single permitted
  mutation is MarkReversed.

APPEND-ONLY CONTRACT:
  - Append():       idempotent multi-entry write
  - MarkReversed(): one-time nil -> timestamp transition of ReversedAt
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  Originals are unique on (OrderID, PayeeID, Type); reversals are unique on
  ReversalOfID. Appending an entry whose key already exists is a no-op
  success. A replayed "order paid" or a retried refund therefore never
  creates duplicates.

IMPLEMENTATIONS:
  - ledger/store/memory.go:     in-memory (tests/dev)
  - store/sqlite/sqlite.go:     SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - settlement/engine.go: the only writer
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for entry persistence (append-only)
// =============================================================================

// Store persists ledger entries.
type Store interface {
	// Append inserts entries, skipping any whose idempotency key already
	// exists. Returns how many entries were newly inserted.
	Append(ctx context.Context, entries []Entry) (int, error)

	// ListEntries returns every entry for the order (originals and
	// reversals) ordered by creation.
	ListEntries(ctx context.Context, orderID OrderID) ([]Entry, error)

	// ListUnreversed returns original entries of the order whose
	// ReversedAt is nil.
	ListUnreversed(ctx context.Context, orderID OrderID) ([]Entry, error)

	// Get returns a single entry or ErrEntryNotFound.
	Get(ctx context.Context, id EntryID) (Entry, error)

	// MarkReversed sets ReversedAt on an original entry.
	// Returns ErrAlreadyReversed if it was already set.
	MarkReversed(ctx context.Context, entryID, reversalEntryID EntryID, at time.Time) error
}

// =============================================================================
// TRANSACTIONAL STORE - For callers wanting all-or-nothing refunds
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
