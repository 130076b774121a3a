/*
Package ledger provides the core types and persistence contract of the
commission ledger.

PURPOSE:
  This package contains the domain-agnostic pieces of the settlement
  system: money, ledger entries, identifiers and the append-only store
  contract. Fee calculation lives in package commission, orchestration in
  package settlement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: an integer number of minor units (cents) plus an ISO currency
  - Entry: an immutable ledger row recording who is owed what for an order
  - EntryType: the role of a line (platform_fee, buyer_chain, upline_level_2, ...)
  - Order/Payee/Entry IDs: type-safe identifiers

DESIGN PRINCIPLES:
  1. Integer money: amounts are int64 cents, never floats
  2. Immutability: entries are never edited; refunds append negative
     reversal entries
  3. Single transition: ReversedAt goes from nil to a timestamp exactly once
  4. Deterministic identity: an entry's ID is derived from its idempotency
     key, so replaying an event yields the same IDs

USAGE:
  e := ledger.Entry{
      OrderID:     "ord-1",
      PayeeID:     "platform",
      Type:        ledger.EntryPlatformFee,
      AmountCents: 88,
      Currency:    "USD",
  }
  e.ID = ledger.OriginalID(e.OrderID, e.PayeeID, e.Type)

SEE ALSO:
  - store.go: persistence interface
  - errors.go: storage error taxonomy
*/
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Integer minor units with currency
// =============================================================================

// Money is an amount in minor currency units. All engine arithmetic is done
// on Cents; decimal is used for display only.
type Money struct {
	Cents    int64
	Currency string
}

func NewMoney(cents int64, currency string) Money {
	return Money{Cents: cents, Currency: currency}
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents, Currency: m.Currency} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents, Currency: m.Currency} }
func (m Money) Neg() Money        { return Money{Cents: -m.Cents, Currency: m.Currency} }
func (m Money) IsZero() bool      { return m.Cents == 0 }
func (m Money) IsNegative() bool  { return m.Cents < 0 }

// Decimal returns the amount in major units (2200 cents -> 22.00).
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2) + " " + m.Currency
}

// ValidCurrency reports whether code looks like an ISO 4217 alpha-3 code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrderID string
type PayeeID string
type EntryID string

// EntryType is the role of a ledger line. Fee lines use the constants below;
// commission lines use the chain role configured for the slot.
type EntryType string

const (
	EntryPlatformFee   EntryType = "platform_fee"
	EntryProcessingFee EntryType = "processing_fee"
	EntryBuyerChain    EntryType = "buyer_chain"
	EntrySellerChain   EntryType = "seller_chain"
)

// UplineLevel returns the role for level n of a cascading chain.
func UplineLevel(n int) EntryType {
	return EntryType(fmt.Sprintf("upline_level_%d", n))
}

// IsUplineLevel reports whether t was produced by UplineLevel.
func (t EntryType) IsUplineLevel() bool {
	return strings.HasPrefix(string(t), "upline_level_")
}

// =============================================================================
// ENTRY - Immutable unit of truth
// =============================================================================

// Meta keys written on reversal entries.
const (
	MetaReversal    = "reversal"
	MetaReason      = "reason"
	MetaInitiatedBy = "initiated_by"
)

// Entry is one payee's credit (positive) or debit (negative) for one order.
//
// An original entry has ReversalOfID == "" and a positive amount. A reversal
// entry points back at its original via ReversalOfID and carries the exact
// negated amount. ReversedAt/ReversedByID are only ever set on originals.
type Entry struct {
	ID          EntryID
	OrderID     OrderID
	PayeeID     PayeeID
	Type        EntryType
	AmountCents int64
	Currency    string
	CreatedAt   time.Time

	ReversedAt   *time.Time
	ReversedByID EntryID

	ReversalOfID EntryID
	Meta         map[string]string
}

func (e Entry) IsReversal() bool { return e.ReversalOfID != "" }
func (e Entry) IsReversed() bool { return e.ReversedAt != nil }
func (e Entry) Money() Money     { return Money{Cents: e.AmountCents, Currency: e.Currency} }

// IdempotencyKey is the uniqueness key the store enforces for this entry.
func (e Entry) IdempotencyKey() string {
	if e.IsReversal() {
		return reversalKey(e.ReversalOfID)
	}
	return originalKey(e.OrderID, e.PayeeID, e.Type)
}

// Reverse builds the compensating entry for an original.
func (e Entry) Reverse(reason, initiatedBy string, at time.Time) Entry {
	meta := map[string]string{MetaReversal: "true"}
	if reason != "" {
		meta[MetaReason] = reason
	}
	if initiatedBy != "" {
		meta[MetaInitiatedBy] = initiatedBy
	}
	return Entry{
		ID:           ReversalID(e.ID),
		OrderID:      e.OrderID,
		PayeeID:      e.PayeeID,
		Type:         e.Type,
		AmountCents:  -e.AmountCents,
		Currency:     e.Currency,
		CreatedAt:    at,
		ReversalOfID: e.ID,
		Meta:         meta,
	}
}

// SignedSum returns the sum of AmountCents over entries.
func SignedSum(entries []Entry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.AmountCents
	}
	return sum
}
