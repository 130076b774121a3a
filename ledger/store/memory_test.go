package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func original(orderID, payeeID string, typ ledger.EntryType, cents int64) ledger.Entry {
	return ledger.Entry{
		ID:          ledger.OriginalID(ledger.OrderID(orderID), ledger.PayeeID(payeeID), typ),
		OrderID:     ledger.OrderID(orderID),
		PayeeID:     ledger.PayeeID(payeeID),
		Type:        typ,
		AmountCents: cents,
		Currency:    "USD",
		CreatedAt:   t0,
	}
}

// =============================================================================
// APPEND IDEMPOTENCY
// =============================================================================

func TestMemory_Append_DuplicateKeyIsNoop(t *testing.T) {
	// GIVEN: a platform fee entry already written
	// WHEN: the same logical entry is appended again
	// THEN: no error, nothing inserted, one row total
	s := store.NewMemory()
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	n, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := s.ListEntries(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemory_Append_DuplicateWithinBatch(t *testing.T) {
	s := store.NewMemory()
	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)

	n, err := s.Append(context.Background(), []ledger.Entry{e, e})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemory_Append_SamePayeeDifferentRoles(t *testing.T) {
	// One payee can hold several roles on one order (e.g. upline levels)
	s := store.NewMemory()
	n, err := s.Append(context.Background(), []ledger.Entry{
		original("ord-1", "alice", ledger.UplineLevel(1), 100),
		original("ord-1", "alice", ledger.UplineLevel(2), 10),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemory_Append_RejectsInvalidEntries(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	bad := original("ord-1", "platform", ledger.EntryPlatformFee, -5)
	_, err := s.Append(ctx, []ledger.Entry{original("ord-1", "x", ledger.EntryBuyerChain, 1), bad})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
	assert.Equal(t, 0, s.Len(), "batch is validated before anything is written")

	orphan := original("ord-1", "platform", ledger.EntryPlatformFee, 88).Reverse("refund", "", t0)
	_, err = s.Append(ctx, []ledger.Entry{orphan})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

// =============================================================================
// REVERSAL TRANSITION
// =============================================================================

func TestMemory_MarkReversed_OnlyOnce(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	rev := e.Reverse("customer refund", "admin-1", t0)
	_, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)
	_, err = s.Append(ctx, []ledger.Entry{rev})
	require.NoError(t, err)

	require.NoError(t, s.MarkReversed(ctx, e.ID, rev.ID, t0))
	err = s.MarkReversed(ctx, e.ID, rev.ID, t0.Add(time.Minute))
	assert.True(t, errors.Is(err, ledger.ErrAlreadyReversed))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReversedAt)
	assert.Equal(t, t0, *got.ReversedAt, "first writer wins")
	assert.Equal(t, rev.ID, got.ReversedByID)

	unreversed, err := s.ListUnreversed(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, unreversed)
}

func TestMemory_MarkReversed_Errors(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	err := s.MarkReversed(ctx, "missing", "rev", t0)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	rev := e.Reverse("", "", t0)
	_, err = s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)
	_, err = s.Append(ctx, []ledger.Entry{rev})
	require.NoError(t, err)

	err = s.MarkReversed(ctx, rev.ID, "whatever", t0)
	assert.ErrorIs(t, err, ledger.ErrNotReversible)
}

func TestMemory_ListUnreversed_ExcludesReversals(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	fee := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	proc := original("ord-1", "processor", ledger.EntryProcessingFee, 94)
	_, err := s.Append(ctx, []ledger.Entry{fee, proc})
	require.NoError(t, err)
	_, err = s.Append(ctx, []ledger.Entry{fee.Reverse("", "", t0)})
	require.NoError(t, err)

	unreversed, err := s.ListUnreversed(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, unreversed, 2, "reversal written but originals not yet marked")
	for _, e := range unreversed {
		assert.False(t, e.IsReversal())
	}
}

func TestMemory_ReturnedEntriesAreCopies(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	e.Meta = map[string]string{"k": "v"}
	_, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	got.Meta["k"] = "changed"

	again, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Meta["k"])
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTxMemory_RollbackOnError(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	_, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		rev := e.Reverse("", "", t0)
		if _, err := tx.Append(ctx, []ledger.Entry{rev}); err != nil {
			return err
		}
		if err := tx.MarkReversed(ctx, e.ID, rev.ID, t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := s.ListEntries(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ReversedAt)
}

func TestTxMemory_Commit(t *testing.T) {
	s := store.NewTxMemory()
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.Append(ctx, []ledger.Entry{e})
		return err
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(88), got.AmountCents)
}
