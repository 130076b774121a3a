package settlement

import (
	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
)

// OrderPaidEvent is emitted once an order transitions to paid.
type OrderPaidEvent struct {
	OrderID    ledger.OrderID `json:"order_id"`
	GrossCents int64          `json:"gross_cents"`
	Currency   string         `json:"currency"`
	SellerID   ledger.PayeeID `json:"seller_id"`
	BuyerID    ledger.PayeeID `json:"buyer_id"`
}

func (e OrderPaidEvent) orderContext() commission.OrderContext {
	return commission.OrderContext{
		OrderID:    e.OrderID,
		GrossCents: e.GrossCents,
		Currency:   e.Currency,
		BuyerID:    e.BuyerID,
		SellerID:   e.SellerID,
	}
}

// RefundRequestedEvent is emitted after a refund has been authorised.
// Authorisation is entirely the emitter's responsibility.
type RefundRequestedEvent struct {
	OrderID     ledger.OrderID `json:"order_id"`
	Reason      string         `json:"reason"`
	InitiatedBy string         `json:"initiated_by"`
}

// SettlementResult describes the outcome of OrderPaid.
type SettlementResult struct {
	OrderID   ledger.OrderID
	Breakdown commission.FeeBreakdown
	Entries   []ledger.Entry
	Created   int  // entries newly written by this call
	Replayed  bool // some or all entries already existed
}

// RefundStatus lets callers phrase the outcome without inspecting counts.
type RefundStatus string

const (
	RefundRefunded        RefundStatus = "refunded"
	RefundAlreadyRefunded RefundStatus = "already_refunded"
	RefundNotSettled      RefundStatus = "not_settled"
)

// RefundResult is the engine's answer to RefundRequested. ReversedCount == 0
// on a retry is success.
type RefundResult struct {
	OK            bool
	ReversedCount int
	OrderID       ledger.OrderID
	Status        RefundStatus
}
