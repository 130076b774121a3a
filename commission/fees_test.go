package commission_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func marketplaceSchedule() commission.FeeSchedule {
	return commission.FeeSchedule{
		Version:                  "2025-01",
		ProcessingFeeFixedCents:  30,
		ProcessingFeeBasisPoints: 290,
		PlatformFeeBasisPoints:   400,
		Chain: commission.ChainSpec{Slots: []commission.SlotSpec{
			{Role: ledger.EntryBuyerChain, Payee: commission.PayeeBuyerReferrer, BasisPoints: 100, Basis: commission.BasisGross},
			{Role: ledger.EntrySellerChain, Payee: commission.PayeeSellerReferrer, BasisPoints: 100, Basis: commission.BasisGross},
		}},
	}
}

func flatChain() []commission.ChainSlot {
	return []commission.ChainSlot{
		{Role: ledger.EntryBuyerChain, PayeeID: "bob", BasisPoints: 100, Basis: commission.BasisGross},
		{Role: ledger.EntrySellerChain, PayeeID: "carol", BasisPoints: 100, Basis: commission.BasisGross},
	}
}

// =============================================================================
// BREAKDOWN
// =============================================================================

func TestComputeBreakdown_MarketplaceSale(t *testing.T) {
	// GIVEN: a $22.00 sale at 2.9% + 30c processing, 4% platform, 1%/1% chain
	// WHEN: the breakdown is computed
	// THEN: 94 / 88 / 22 / 22 with 1974 net
	b, err := commission.ComputeBreakdown(2200, "USD", marketplaceSchedule(), flatChain())
	require.NoError(t, err)

	assert.Equal(t, int64(94), b.ProcessingFee)
	assert.Equal(t, int64(88), b.PlatformFee)
	require.Len(t, b.CommissionLines, 2)
	assert.Equal(t, int64(22), b.CommissionLines[0].AmountCents)
	assert.Equal(t, ledger.PayeeID("bob"), b.CommissionLines[0].PayeeID)
	assert.Equal(t, int64(22), b.CommissionLines[1].AmountCents)
	assert.Equal(t, int64(1974), b.NetAmount)
	assert.Equal(t, "2025-01", b.ScheduleVersion)
	assert.NoError(t, b.Validate())
}

func TestComputeBreakdown_Deterministic(t *testing.T) {
	a, err := commission.ComputeBreakdown(123457, "EUR", marketplaceSchedule(), flatChain())
	require.NoError(t, err)
	b, err := commission.ComputeBreakdown(123457, "EUR", marketplaceSchedule(), flatChain())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeBreakdown_RoundHalfUp(t *testing.T) {
	tests := []struct {
		name  string
		gross int64
		bps   commission.BasisPoints
		want  int64
	}{
		{"exact half rounds up", 50, 100, 1},
		{"just below half rounds down", 49, 100, 0},
		{"2.9% of 2200", 2200, 290, 64},
		{"2.9% of 1", 1, 290, 0},
		{"4% of 13", 13, 400, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.bps.Of(tt.gross))
		})
	}
}

func TestComputeBreakdown_NoChainIsFeeOnly(t *testing.T) {
	b, err := commission.ComputeBreakdown(2200, "USD", marketplaceSchedule(), nil)
	require.NoError(t, err)
	assert.Empty(t, b.CommissionLines)
	assert.Equal(t, int64(2200-94-88), b.NetAmount)
}

func TestComputeBreakdown_Cascade(t *testing.T) {
	// Level 1 5% of gross, levels 2 and 3 take 20% of the level above
	sched := marketplaceSchedule()
	sched.Chain = commission.ChainSpec{}
	chain := []commission.ChainSlot{
		{Role: ledger.UplineLevel(1), PayeeID: "a", BasisPoints: 500, Basis: commission.BasisGross},
		{Role: ledger.UplineLevel(2), PayeeID: "b", BasisPoints: 2000, Basis: commission.BasisPriorLevel},
		{Role: ledger.UplineLevel(3), PayeeID: "c", BasisPoints: 2000, Basis: commission.BasisPriorLevel},
	}

	b, err := commission.ComputeBreakdown(10000, "USD", sched, chain)
	require.NoError(t, err)
	require.Len(t, b.CommissionLines, 3)
	assert.Equal(t, int64(500), b.CommissionLines[0].AmountCents)
	assert.Equal(t, int64(100), b.CommissionLines[1].AmountCents)
	assert.Equal(t, int64(20), b.CommissionLines[2].AmountCents)
	assert.NoError(t, b.Validate())
}

func TestComputeBreakdown_ZeroAmountLinesKept(t *testing.T) {
	// 1% of 40 cents rounds to zero; the line stays in the breakdown
	b, err := commission.ComputeBreakdown(40, "USD", marketplaceSchedule(), flatChain())
	require.NoError(t, err)
	require.Len(t, b.CommissionLines, 2)
	assert.Zero(t, b.CommissionLines[0].AmountCents)
	assert.NoError(t, b.Validate())
}

// =============================================================================
// INPUT ERRORS
// =============================================================================

func TestComputeBreakdown_InvalidAmount(t *testing.T) {
	sched := marketplaceSchedule()

	_, err := commission.ComputeBreakdown(0, "USD", sched, nil)
	assert.ErrorIs(t, err, commission.ErrInvalidAmount)

	_, err = commission.ComputeBreakdown(-100, "USD", sched, nil)
	assert.ErrorIs(t, err, commission.ErrInvalidAmount)

	_, err = commission.ComputeBreakdown(100, "usd", sched, nil)
	assert.ErrorIs(t, err, commission.ErrInvalidAmount)

	_, err = commission.ComputeBreakdown(commission.MaxGrossCents+1, "USD", sched, nil)
	assert.ErrorIs(t, err, commission.ErrInvalidAmount)

	// 30c fixed processing fee on a 20c sale
	_, err = commission.ComputeBreakdown(20, "USD", sched, nil)
	assert.ErrorIs(t, err, commission.ErrInvalidAmount)
	assert.True(t, commission.IsInputError(err))
}

func TestFeeSchedule_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*commission.FeeSchedule)
	}{
		{"negative platform rate", func(s *commission.FeeSchedule) { s.PlatformFeeBasisPoints = -1 }},
		{"processing over 100%", func(s *commission.FeeSchedule) { s.ProcessingFeeBasisPoints = 10001 }},
		{"negative fixed fee", func(s *commission.FeeSchedule) { s.ProcessingFeeFixedCents = -1 }},
		{"rates total over 100%", func(s *commission.FeeSchedule) {
			s.ProcessingFeeBasisPoints = 5000
			s.PlatformFeeBasisPoints = 4900
		}},
		{"negative chain rate", func(s *commission.FeeSchedule) { s.Chain.Slots[0].BasisPoints = -100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := marketplaceSchedule()
			tt.mutate(&s)
			err := s.Validate()
			assert.ErrorIs(t, err, commission.ErrInvalidSchedule)

			_, err = commission.ComputeBreakdown(2200, "USD", s, nil)
			assert.ErrorIs(t, err, commission.ErrInvalidSchedule)
		})
	}

	assert.NoError(t, marketplaceSchedule().Validate())
}

func TestComputeBreakdown_RejectsHandBuiltChains(t *testing.T) {
	chain := []commission.ChainSlot{
		{Role: ledger.UplineLevel(2), PayeeID: "b", BasisPoints: 2000, Basis: commission.BasisPriorLevel},
	}
	_, err := commission.ComputeBreakdown(2200, "USD", marketplaceSchedule(), chain)
	assert.ErrorIs(t, err, commission.ErrInvalidSchedule)
}

// =============================================================================
// RECONCILIATION PROPERTY
// =============================================================================

func TestComputeBreakdown_AlwaysReconciles(t *testing.T) {
	// For any valid gross and schedule, no cent is created or destroyed
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		sched := commission.FeeSchedule{
			ProcessingFeeFixedCents:  rng.Int63n(50),
			ProcessingFeeBasisPoints: commission.BasisPoints(rng.Int63n(500)),
			PlatformFeeBasisPoints:   commission.BasisPoints(rng.Int63n(1500)),
		}
		chain := []commission.ChainSlot{
			{Role: ledger.UplineLevel(1), PayeeID: "a", BasisPoints: commission.BasisPoints(rng.Int63n(1000)), Basis: commission.BasisGross},
			{Role: ledger.UplineLevel(2), PayeeID: "b", BasisPoints: commission.BasisPoints(rng.Int63n(10001)), Basis: commission.BasisPriorLevel},
			{Role: ledger.EntrySellerChain, PayeeID: "c", BasisPoints: commission.BasisPoints(rng.Int63n(300)), Basis: commission.BasisGross},
		}
		gross := 1000 + rng.Int63n(1_000_000_000)

		b, err := commission.ComputeBreakdown(gross, "USD", sched, chain)
		require.NoError(t, err, "gross=%d sched=%+v", gross, sched)
		assert.Equal(t, gross, b.DistributedCents()+b.NetAmount)
		assert.GreaterOrEqual(t, b.NetAmount, int64(0))
		for _, l := range b.CommissionLines {
			assert.GreaterOrEqual(t, l.AmountCents, int64(0))
		}
	}
}
