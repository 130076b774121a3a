// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/commission-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	entries map[ledger.EntryID]ledger.Entry
	byOrder map[ledger.OrderID][]ledger.EntryID
	keys    map[string]ledger.EntryID
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[ledger.EntryID]ledger.Entry),
		byOrder: make(map[ledger.OrderID][]ledger.EntryID),
		keys:    make(map[string]ledger.EntryID),
	}
}

// Append inserts entries, skipping existing idempotency keys.
func (m *Memory) Append(_ context.Context, entries []ledger.Entry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before writing anything
	for _, e := range entries {
		if err := m.validateLocked(e); err != nil {
			return 0, err
		}
	}

	inserted := 0
	for _, e := range entries {
		if m.appendLocked(e) {
			inserted++
		}
	}
	return inserted, nil
}

func (m *Memory) validateLocked(e ledger.Entry) error {
	if err := ledger.ValidateForAppend(e); err != nil {
		return err
	}
	if e.IsReversal() {
		orig, ok := m.entries[e.ReversalOfID]
		if !ok {
			return fmt.Errorf("%w: reversal %s points at %s", ledger.ErrEntryNotFound, e.ID, e.ReversalOfID)
		}
		if orig.IsReversal() {
			return fmt.Errorf("%w: %s", ledger.ErrNotReversible, e.ReversalOfID)
		}
	}
	return nil
}

func (m *Memory) appendLocked(e ledger.Entry) bool {
	key := e.IdempotencyKey()
	if _, dup := m.keys[key]; dup {
		return false
	}
	if _, dup := m.entries[e.ID]; dup {
		return false
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Meta = copyMeta(e.Meta)
	m.entries[e.ID] = e
	m.byOrder[e.OrderID] = append(m.byOrder[e.OrderID], e.ID)
	m.keys[key] = e.ID
	return true
}

func (m *Memory) ListEntries(_ context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(orderID, func(ledger.Entry) bool { return true }), nil
}

func (m *Memory) ListUnreversed(_ context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(orderID, func(e ledger.Entry) bool {
		return !e.IsReversal() && !e.IsReversed()
	}), nil
}

func (m *Memory) listLocked(orderID ledger.OrderID, keep func(ledger.Entry) bool) []ledger.Entry {
	var result []ledger.Entry
	for _, id := range m.byOrder[orderID] {
		e := m.entries[id]
		if keep(e) {
			result = append(result, cloneEntry(e))
		}
	}
	return result
}

func (m *Memory) Get(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return cloneEntry(e), nil
}

// MarkReversed performs the one-time ReversedAt transition.
func (m *Memory) MarkReversed(_ context.Context, entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markLocked(entryID, reversalEntryID, at)
}

func (m *Memory) markLocked(entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	e, ok := m.entries[entryID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, entryID)
	}
	if e.IsReversal() {
		return fmt.Errorf("%w: %s", ledger.ErrNotReversible, entryID)
	}
	if e.IsReversed() {
		return ledger.ErrAlreadyReversed
	}
	at = at.UTC()
	e.ReversedAt = &at
	e.ReversedByID = reversalEntryID
	m.entries[entryID] = e
	return nil
}

// Len returns the number of stored entries across all orders.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	if e.ReversedAt != nil {
		t := *e.ReversedAt
		e.ReversedAt = &t
	}
	e.Meta = copyMeta(e.Meta)
	return e
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries map[ledger.EntryID]ledger.Entry
	byOrder map[ledger.OrderID][]ledger.EntryID
	keys    map[string]ledger.EntryID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries: make(map[ledger.EntryID]ledger.Entry, len(tm.entries)),
		byOrder: make(map[ledger.OrderID][]ledger.EntryID, len(tm.byOrder)),
		keys:    make(map[string]ledger.EntryID, len(tm.keys)),
	}
	for k, v := range tm.entries {
		s.entries[k] = cloneEntry(v)
	}
	for k, v := range tm.byOrder {
		s.byOrder[k] = append([]ledger.EntryID{}, v...)
	}
	for k, v := range tm.keys {
		s.keys[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.byOrder = s.byOrder
	tm.keys = s.keys
}

// txMemoryView runs against the parent's maps; the parent lock is held by WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Append(_ context.Context, entries []ledger.Entry) (int, error) {
	for _, e := range entries {
		if err := tv.parent.validateLocked(e); err != nil {
			return 0, err
		}
	}
	inserted := 0
	for _, e := range entries {
		if tv.parent.appendLocked(e) {
			inserted++
		}
	}
	return inserted, nil
}

func (tv *txMemoryView) ListEntries(_ context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return tv.parent.listLocked(orderID, func(ledger.Entry) bool { return true }), nil
}

func (tv *txMemoryView) ListUnreversed(_ context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return tv.parent.listLocked(orderID, func(e ledger.Entry) bool {
		return !e.IsReversal() && !e.IsReversed()
	}), nil
}

func (tv *txMemoryView) Get(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	e, ok := tv.parent.entries[id]
	if !ok {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return cloneEntry(e), nil
}

func (tv *txMemoryView) MarkReversed(_ context.Context, entryID, reversalEntryID ledger.EntryID, at time.Time) error {
	return tv.parent.markLocked(entryID, reversalEntryID, at)
}
