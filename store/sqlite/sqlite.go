/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Persists commission ledger entries in a single append-only table. The
  same schema runs on PostgreSQL (see store/postgres) with only dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  - INSERT ... ON CONFLICT DO NOTHING is the only insert; duplicates are
    absorbed, never reported
  - the only UPDATE is the guarded reversed_at IS NULL transition
  - no DELETE statements

KEY TABLE:
  ledger_entries: one row per original or reversal entry

INDEXES:
  - idx_ledger_original_key: unique (order_id, payee_id, entry_type) for originals
  - idx_ledger_reversal_of:  unique (reversal_of_id) for reversals
  - idx_ledger_unreversed:   (order_id, reversed_at), the ListUnreversed hot path

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; SQLite has a single writer anyway.
  Busy/locked errors are reported as ledger.ErrTransient.

WAL MODE:
  Opened with WAL so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/commission-ledger/ledger"
)

// Store implements ledger.Store and ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		reversed_at TEXT,
		reversed_by_id TEXT,
		reversal_of_id TEXT REFERENCES ledger_entries(id),
		meta_json TEXT
	);

	-- One original per (order, payee, role)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_original_key
		ON ledger_entries(order_id, payee_id, entry_type)
		WHERE reversal_of_id IS NULL;

	-- At most one reversal per original
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reversal_of
		ON ledger_entries(reversal_of_id)
		WHERE reversal_of_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_ledger_unreversed
		ON ledger_entries(order_id, reversed_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// Append inserts entries in one transaction and returns how many were new.
func (s *Store) Append(ctx context.Context, entries []ledger.Entry) (int, error) {
	for _, e := range entries {
		if err := ledger.ValidateForAppend(e); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	n, err := s.appendTx(ctx, sqlTx, entries)
	if err != nil {
		return 0, err
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("failed to commit entries: %w", err))
	}
	return n, nil
}

func (s *Store) appendTx(ctx context.Context, q querier, entries []ledger.Entry) (int, error) {
	query := `
		INSERT INTO ledger_entries
		(id, order_id, payee_id, entry_type, amount_cents, currency,
		 created_at, reversal_of_id, meta_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	inserted := 0
	for _, e := range entries {
		if e.IsReversal() {
			if err := checkReversalTarget(ctx, q, e); err != nil {
				return 0, err
			}
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		metaJSON, err := encodeMeta(e.Meta)
		if err != nil {
			return 0, err
		}

		res, err := q.ExecContext(ctx, query,
			string(e.ID),
			string(e.OrderID),
			string(e.PayeeID),
			string(e.Type),
			e.AmountCents,
			e.Currency,
			createdAt.UTC().Format(time.RFC3339Nano),
			nullString(string(e.ReversalOfID)),
			metaJSON,
		)
		if err != nil {
			if isForeignKeyError(err) {
				return 0, fmt.Errorf("%w: reversal %s targets %s", ledger.ErrEntryNotFound, e.ID, e.ReversalOfID)
			}
			return 0, classify(fmt.Errorf("failed to append entry %s: %w", e.ID, err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func checkReversalTarget(ctx context.Context, q querier, e ledger.Entry) error {
	var target sql.NullString
	err := q.QueryRowContext(ctx,
		"SELECT reversal_of_id FROM ledger_entries WHERE id = ?",
		string(e.ReversalOfID),
	).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: reversal %s targets %s", ledger.ErrEntryNotFound, e.ID, e.ReversalOfID)
	}
	if err != nil {
		return classify(fmt.Errorf("failed to load reversal target: %w", err))
	}
	if target.Valid {
		return fmt.Errorf("%w: %s", ledger.ErrNotReversible, e.ReversalOfID)
	}
	return nil
}

// ListEntries returns every entry for the order in insertion order.
func (s *Store) ListEntries(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, orderID)
}

// ListUnreversed returns originals whose reversed_at is still NULL.
func (s *Store) ListUnreversed(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUnreversed(ctx, s.db, orderID)
}

func (s *Store) Get(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

// MarkReversed sets reversed_at once. The WHERE clause is the guard: the
// first writer wins and every later caller sees ErrAlreadyReversed.
func (s *Store) MarkReversed(ctx context.Context, entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markReversed(ctx, s.db, entryID, reversalEntryID, at)
}

const selectEntries = `
	SELECT id, order_id, payee_id, entry_type, amount_cents, currency,
	       created_at, reversed_at, reversed_by_id, reversal_of_id, meta_json
	FROM ledger_entries
`

func listEntries(ctx context.Context, q querier, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return queryEntries(ctx, q, selectEntries+" WHERE order_id = ? ORDER BY rowid ASC", string(orderID))
}

func listUnreversed(ctx context.Context, q querier, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return queryEntries(ctx, q, selectEntries+`
		WHERE order_id = ? AND reversed_at IS NULL AND reversal_of_id IS NULL
		ORDER BY rowid ASC`, string(orderID))
}

func getEntry(ctx context.Context, q querier, id ledger.EntryID) (ledger.Entry, error) {
	entries, err := queryEntries(ctx, q, selectEntries+" WHERE id = ?", string(id))
	if err != nil {
		return ledger.Entry{}, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return entries[0], nil
}

func markReversed(ctx context.Context, q querier, entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET reversed_at = ?, reversed_by_id = ?
		WHERE id = ? AND reversal_of_id IS NULL AND reversed_at IS NULL
	`, at.UTC().Format(time.RFC3339Nano), string(reversalEntryID), string(entryID))
	if err != nil {
		return classify(fmt.Errorf("failed to mark %s reversed: %w", entryID, err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: find out why
	e, err := getEntry(ctx, q, entryID)
	if err != nil {
		return err
	}
	if e.IsReversal() {
		return fmt.Errorf("%w: %s", ledger.ErrNotReversible, entryID)
	}
	return fmt.Errorf("%w: %s", ledger.ErrAlreadyReversed, entryID)
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query entries: %w", err))
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, classify(rows.Err())
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		createdAt    string
		reversedAt   sql.NullString
		reversedByID sql.NullString
		reversalOfID sql.NullString
		metaJSON     sql.NullString
	)

	err := rows.Scan(
		&e.ID, &e.OrderID, &e.PayeeID, &e.Type, &e.AmountCents, &e.Currency,
		&createdAt, &reversedAt, &reversedByID, &reversalOfID, &metaJSON,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return e, fmt.Errorf("entry %s: bad created_at %q: %w", e.ID, createdAt, err)
	}
	if reversedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, reversedAt.String)
		if err != nil {
			return e, fmt.Errorf("entry %s: bad reversed_at %q: %w", e.ID, reversedAt.String, err)
		}
		e.ReversedAt = &t
	}
	e.ReversedByID = ledger.EntryID(reversedByID.String)
	e.ReversalOfID = ledger.EntryID(reversalOfID.String)

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Meta); err != nil {
			return e, fmt.Errorf("entry %s: bad meta: %w", e.ID, err)
		}
	}

	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	return classify(sqlTx.Commit())
}

// txStore runs on an open transaction; the parent lock is held by WithTx.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) Append(ctx context.Context, entries []ledger.Entry) (int, error) {
	for _, e := range entries {
		if err := ledger.ValidateForAppend(e); err != nil {
			return 0, err
		}
	}
	return ts.parent.appendTx(ctx, ts.tx, entries)
}

func (ts *txStore) ListEntries(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return listEntries(ctx, ts.tx, orderID)
}

func (ts *txStore) ListUnreversed(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return listUnreversed(ctx, ts.tx, orderID)
}

func (ts *txStore) Get(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) MarkReversed(ctx context.Context, entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	return markReversed(ctx, ts.tx, entryID, reversalEntryID, at)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeMeta(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode meta: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// classify marks busy/locked errors as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return ledger.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ledger.Transient(err)
	}
	return err
}
