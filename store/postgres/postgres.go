// Package postgres is the PostgreSQL ledger.Store, backed by a pgx pool.
//
// The schema mirrors store/sqlite. Row-level concurrency is left to the
// database: inserts are ON CONFLICT DO NOTHING against the idempotency
// indexes and the reversal mark is a guarded UPDATE, so no process-level
// lock is needed.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/commission-ledger/ledger"
)

const (
	codeForeignKeyViolation = "23503"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq BIGSERIAL NOT NULL,
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	payee_id TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	currency CHAR(3) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	reversed_at TIMESTAMPTZ,
	reversed_by_id TEXT,
	reversal_of_id TEXT REFERENCES ledger_entries(id),
	meta JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_original_key
	ON ledger_entries(order_id, payee_id, entry_type)
	WHERE reversal_of_id IS NULL;

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reversal_of
	ON ledger_entries(reversal_of_id)
	WHERE reversal_of_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_ledger_unreversed
	ON ledger_entries(order_id, reversed_at);
`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

// Append inserts entries in one transaction and returns how many were new.
func (s *Store) Append(ctx context.Context, entries []ledger.Entry) (int, error) {
	for _, e := range entries {
		if err := ledger.ValidateForAppend(e); err != nil {
			return 0, err
		}
	}

	var n int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		n, err = appendEntries(ctx, tx, entries)
		return err
	})
	return n, err
}

func (s *Store) ListEntries(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return listEntries(ctx, s.pool, orderID)
}

func (s *Store) ListUnreversed(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return listUnreversed(ctx, s.pool, orderID)
}

func (s *Store) Get(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	return getEntry(ctx, s.pool, id)
}

func (s *Store) MarkReversed(ctx context.Context, entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	return markReversed(ctx, s.pool, entryID, reversalEntryID, at)
}

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) Append(ctx context.Context, entries []ledger.Entry) (int, error) {
	for _, e := range entries {
		if err := ledger.ValidateForAppend(e); err != nil {
			return 0, err
		}
	}
	return appendEntries(ctx, ts.tx, entries)
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

// =============================================================================
// QUERIES
// =============================================================================

func appendEntries(ctx context.Context, q querier, entries []ledger.Entry) (int, error) {
	inserted := 0
	for _, e := range entries {
		if e.IsReversal() {
			var target *string
			err := q.QueryRow(ctx, `SELECT reversal_of_id FROM ledger_entries WHERE id = $1`, string(e.ReversalOfID)).Scan(&target)
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("%w: reversal %s targets %s", ledger.ErrEntryNotFound, e.ID, e.ReversalOfID)
			}
			if err != nil {
				return 0, classify(err)
			}
			if target != nil {
				return 0, fmt.Errorf("%w: %s", ledger.ErrNotReversible, e.ReversalOfID)
			}
		}

		var meta []byte
		if len(e.Meta) > 0 {
			b, err := json.Marshal(e.Meta)
			if err != nil {
				return 0, fmt.Errorf("encode meta for %s: %w", e.ID, err)
			}
			meta = b
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		tag, err := q.Exec(ctx, `
			INSERT INTO ledger_entries
			(id, order_id, payee_id, entry_type, amount_cents, currency, created_at, reversal_of_id, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING
		`,
			string(e.ID), string(e.OrderID), string(e.PayeeID), string(e.Type),
			e.AmountCents, e.Currency, createdAt.UTC(), nullable(string(e.ReversalOfID)), meta,
		)
		if err != nil {
			if pgCode(err) == codeForeignKeyViolation {
				return 0, fmt.Errorf("%w: reversal %s targets %s", ledger.ErrEntryNotFound, e.ID, e.ReversalOfID)
			}
			return 0, classify(fmt.Errorf("append entry %s: %w", e.ID, err))
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

const selectEntries = `
	SELECT id, order_id, payee_id, entry_type, amount_cents, currency,
	       created_at, reversed_at, reversed_by_id, reversal_of_id, meta
	FROM ledger_entries
`

func listEntries(ctx context.Context, q querier, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return queryEntries(ctx, q, selectEntries+` WHERE order_id = $1 ORDER BY seq`, string(orderID))
}

func listUnreversed(ctx context.Context, q querier, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return queryEntries(ctx, q, selectEntries+`
		WHERE order_id = $1 AND reversed_at IS NULL AND reversal_of_id IS NULL
		ORDER BY seq`, string(orderID))
}

func getEntry(ctx context.Context, q querier, id ledger.EntryID) (ledger.Entry, error) {
	entries, err := queryEntries(ctx, q, selectEntries+` WHERE id = $1`, string(id))
	if err != nil {
		return ledger.Entry{}, err
	}
	if len(entries) == 0 {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return entries[0], nil
}

func markReversed(ctx context.Context, q querier, entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE ledger_entries
		SET reversed_at = $1, reversed_by_id = $2
		WHERE id = $3 AND reversal_of_id IS NULL AND reversed_at IS NULL
	`, at.UTC(), string(reversalEntryID), string(entryID))
	if err != nil {
		return classify(fmt.Errorf("mark %s reversed: %w", entryID, err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	e, err := getEntry(ctx, q, entryID)
	if err != nil {
		return err
	}
	if e.IsReversal() {
		return fmt.Errorf("%w: %s", ledger.ErrNotReversible, entryID)
	}
	return fmt.Errorf("%w: %s", ledger.ErrAlreadyReversed, entryID)
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query entries: %w", err))
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			id, orderID, payeeID, typ string
			e                         ledger.Entry
			reversedBy, reversalOf    *string
			meta                      []byte
		)
		if err := rows.Scan(&id, &orderID, &payeeID, &typ, &e.AmountCents, &e.Currency,
			&e.CreatedAt, &e.ReversedAt, &reversedBy, &reversalOf, &meta); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.ID = ledger.EntryID(id)
		e.OrderID = ledger.OrderID(orderID)
		e.PayeeID = ledger.PayeeID(payeeID)
		e.Type = ledger.EntryType(typ)
		if reversedBy != nil {
			e.ReversedByID = ledger.EntryID(*reversedBy)
		}
		if reversalOf != nil {
			e.ReversalOfID = ledger.EntryID(*reversalOf)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("entry %s: bad meta: %w", e.ID, err)
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if e.ReversedAt != nil {
			t := e.ReversedAt.UTC()
			e.ReversedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify marks connection loss, timeouts and serialization failures as
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case codeSerialization, codeDeadlock:
		return ledger.Transient(err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ledger.Transient(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return ledger.Transient(err)
	}
	return err
}
