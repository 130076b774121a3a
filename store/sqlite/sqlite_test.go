package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/settlement"
	"github.com/warp/commission-ledger/store/sqlite"
)

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func original(orderID, payeeID string, typ ledger.EntryType, cents int64) ledger.Entry {
	return ledger.Entry{
		ID:          ledger.OriginalID(ledger.OrderID(orderID), ledger.PayeeID(payeeID), typ),
		OrderID:     ledger.OrderID(orderID),
		PayeeID:     ledger.PayeeID(payeeID),
		Type:        typ,
		AmountCents: cents,
		Currency:    "USD",
		CreatedAt:   t0,
		Meta:        map[string]string{"schedule_version": "v1"},
	}
}

// =============================================================================
// APPEND
// =============================================================================

func TestSQLite_Append_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	n, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, int64(88), got.AmountCents)
	assert.Equal(t, "USD", got.Currency)
	assert.True(t, t0.Equal(got.CreatedAt))
	assert.Equal(t, "v1", got.Meta["schedule_version"])
	assert.Nil(t, got.ReversedAt)
	assert.Empty(t, got.ReversalOfID)
}

func TestSQLite_Append_DuplicateIsNoop(t *testing.T) {
	// GIVEN: an order's entries already written
	// WHEN: the same batch is appended again
	// THEN: nothing new, no error
	s := newStore(t)
	ctx := context.Background()

	batch := []ledger.Entry{
		original("ord-1", "payment_processor", ledger.EntryProcessingFee, 94),
		original("ord-1", "platform", ledger.EntryPlatformFee, 88),
	}
	n, err := s.Append(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Append(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Same key, different id: the partial unique index absorbs it
	dup := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	dup.ID = "some-other-id"
	n, err = s.Append(ctx, []ledger.Entry{dup})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := s.ListEntries(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryProcessingFee, entries[0].Type, "insertion order")
}

func TestSQLite_Append_Reversals(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	_, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)

	rev := e.Reverse("refund", "admin-1", t0)
	n, err := s.Append(ctx, []ledger.Entry{rev})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second reversal of the same original is absorbed
	n, err = s.Append(ctx, []ledger.Entry{rev})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A reversal of a reversal is refused
	_, err = s.Append(ctx, []ledger.Entry{{
		ID: "rev-of-rev", OrderID: "ord-1", PayeeID: "platform", Type: ledger.EntryPlatformFee,
		AmountCents: -1, Currency: "USD", ReversalOfID: rev.ID,
	}})
	assert.ErrorIs(t, err, ledger.ErrNotReversible)

	orphan := original("ord-9", "platform", ledger.EntryPlatformFee, 10).Reverse("", "", t0)
	_, err = s.Append(ctx, []ledger.Entry{orphan})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestSQLite_Append_RejectsInvalid(t *testing.T) {
	s := newStore(t)
	_, err := s.Append(context.Background(), []ledger.Entry{original("ord-1", "platform", ledger.EntryPlatformFee, 0)})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
}

// =============================================================================
// REVERSAL TRANSITION
// =============================================================================

func TestSQLite_MarkReversed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	rev := e.Reverse("refund", "", t0)
	_, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)
	_, err = s.Append(ctx, []ledger.Entry{rev})
	require.NoError(t, err)

	unreversed, err := s.ListUnreversed(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, unreversed, 1)

	require.NoError(t, s.MarkReversed(ctx, e.ID, rev.ID, t0))
	assert.ErrorIs(t, s.MarkReversed(ctx, e.ID, rev.ID, t0.Add(time.Hour)), ledger.ErrAlreadyReversed)
	assert.ErrorIs(t, s.MarkReversed(ctx, rev.ID, "x", t0), ledger.ErrNotReversible)
	assert.ErrorIs(t, s.MarkReversed(ctx, "missing", "x", t0), ledger.ErrEntryNotFound)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReversedAt)
	assert.True(t, t0.Equal(*got.ReversedAt))
	assert.Equal(t, rev.ID, got.ReversedByID)

	unreversed, err = s.ListUnreversed(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, unreversed)
}

func TestSQLite_WithTx_Rollback(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	e := original("ord-1", "platform", ledger.EntryPlatformFee, 88)
	_, err := s.Append(ctx, []ledger.Entry{e})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx ledger.Store) error {
		rev := e.Reverse("", "", t0)
		if _, err := tx.Append(ctx, []ledger.Entry{rev}); err != nil {
			return err
		}
		if err := tx.MarkReversed(ctx, e.ID, rev.ID, t0); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	entries, err := s.ListEntries(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ReversedAt)
}

// =============================================================================
// END TO END
// =============================================================================

func newEngine(t *testing.T, s ledger.Store, opts ...settlement.Option) *settlement.Engine {
	t.Helper()
	dir := commission.NewStaticDirectory()
	require.NoError(t, dir.Link("buyer-1", "bob"))
	require.NoError(t, dir.Link("seller-1", "carol"))

	schedule := commission.FeeSchedule{
		Version:                  "v1",
		ProcessingFeeFixedCents:  30,
		ProcessingFeeBasisPoints: 290,
		PlatformFeeBasisPoints:   400,
		Chain: commission.ChainSpec{Slots: []commission.SlotSpec{
			{Role: ledger.EntryBuyerChain, Payee: commission.PayeeBuyerReferrer, BasisPoints: 100, Basis: commission.BasisGross},
			{Role: ledger.EntrySellerChain, Payee: commission.PayeeSellerReferrer, BasisPoints: 100, Basis: commission.BasisGross},
		}},
	}
	opts = append([]settlement.Option{settlement.WithLogger(zerolog.Nop())}, opts...)
	return settlement.NewEngine(s, commission.NewResolver(dir), settlement.NewStaticSchedule(schedule), opts...)
}

func TestSQLite_SettleAndRefund(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		t.Run(map[bool]string{false: "stepwise", true: "atomic"}[atomic], func(t *testing.T) {
			s := newStore(t)
			var opts []settlement.Option
			if atomic {
				opts = append(opts, settlement.WithAtomicRefunds())
			}
			e := newEngine(t, s, opts...)
			ctx := context.Background()

			ev := settlement.OrderPaidEvent{OrderID: "ord-1", GrossCents: 2200, Currency: "USD", SellerID: "seller-1", BuyerID: "buyer-1"}
			res, err := e.OrderPaid(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, 4, res.Created)

			replay, err := e.OrderPaid(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, 0, replay.Created)

			first, err := e.RefundRequested(ctx, settlement.RefundRequestedEvent{OrderID: "ord-1", Reason: "damaged"})
			require.NoError(t, err)
			assert.Equal(t, 4, first.ReversedCount)

			second, err := e.RefundRequested(ctx, settlement.RefundRequestedEvent{OrderID: "ord-1", Reason: "damaged"})
			require.NoError(t, err)
			assert.Equal(t, 0, second.ReversedCount)

			entries, err := s.ListEntries(ctx, "ord-1")
			require.NoError(t, err)
			assert.Len(t, entries, 8)
			assert.Zero(t, ledger.SignedSum(entries))

			report, err := e.Reconcile(ctx, "ord-1")
			require.NoError(t, err)
			assert.True(t, report.Balanced(), report.Violations)
		})
	}
}

func TestSQLite_ConcurrentRefunds(t *testing.T) {
	s, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	e := newEngine(t, s)
	ctx := context.Background()

	_, err = e.OrderPaid(ctx, settlement.OrderPaidEvent{OrderID: "ord-1", GrossCents: 2200, Currency: "USD", SellerID: "seller-1", BuyerID: "buyer-1"})
	require.NoError(t, err)

	counts := make([]int, 10)
	g, gctx := errgroup.WithContext(ctx)
	for i := range counts {
		g.Go(func() error {
			res, err := e.RefundRequested(gctx, settlement.RefundRequestedEvent{OrderID: "ord-1"})
			counts[i] = res.ReversedCount
			return err
		})
	}
	require.NoError(t, g.Wait())

	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 4, total)

	entries, err := s.ListEntries(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}
