package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/commission-ledger/ledger"
)

func TestOriginalID_Deterministic(t *testing.T) {
	a := ledger.OriginalID("ord-1", "platform", ledger.EntryPlatformFee)
	b := ledger.OriginalID("ord-1", "platform", ledger.EntryPlatformFee)
	c := ledger.OriginalID("ord-1", "platform", ledger.EntryProcessingFee)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, ledger.ReversalID(a))
}

func TestEntry_Reverse(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := ledger.Entry{
		ID:          ledger.OriginalID("ord-1", "bob", ledger.EntryBuyerChain),
		OrderID:     "ord-1",
		PayeeID:     "bob",
		Type:        ledger.EntryBuyerChain,
		AmountCents: 22,
		Currency:    "USD",
	}

	rev := orig.Reverse("duplicate charge", "admin-7", at)

	assert.Equal(t, int64(-22), rev.AmountCents)
	assert.Equal(t, orig.ID, rev.ReversalOfID)
	assert.Equal(t, ledger.ReversalID(orig.ID), rev.ID)
	assert.Equal(t, orig.PayeeID, rev.PayeeID)
	assert.Equal(t, orig.Type, rev.Type)
	assert.Equal(t, "true", rev.Meta[ledger.MetaReversal])
	assert.Equal(t, "duplicate charge", rev.Meta[ledger.MetaReason])
	assert.Equal(t, "admin-7", rev.Meta[ledger.MetaInitiatedBy])
	assert.True(t, rev.IsReversal())
	assert.NotEqual(t, orig.IdempotencyKey(), rev.IdempotencyKey())
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "22.00 USD", ledger.NewMoney(2200, "USD").String())
	assert.Equal(t, "-0.94 EUR", ledger.NewMoney(-94, "EUR").String())
	assert.Equal(t, "0.05 USD", ledger.NewMoney(5, "USD").String())
}

func TestValidCurrency(t *testing.T) {
	assert.True(t, ledger.ValidCurrency("USD"))
	assert.False(t, ledger.ValidCurrency("usd"))
	assert.False(t, ledger.ValidCurrency("US"))
	assert.False(t, ledger.ValidCurrency(""))
}

func TestUplineLevel(t *testing.T) {
	assert.Equal(t, ledger.EntryType("upline_level_3"), ledger.UplineLevel(3))
	assert.True(t, ledger.UplineLevel(1).IsUplineLevel())
	assert.False(t, ledger.EntryBuyerChain.IsUplineLevel())
}

func TestSignedSum(t *testing.T) {
	entries := []ledger.Entry{{AmountCents: 94}, {AmountCents: 88}, {AmountCents: -94}}
	assert.Equal(t, int64(88), ledger.SignedSum(entries))
}
