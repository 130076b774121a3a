/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are integer cents (*_cents). A display string in major units is
  added alongside where a human reads the response.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/schedule.go: ScheduleJSON, returned as-is by /api/schedule
*/
package api

import (
	"time"

	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/settlement"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// OrderPaidRequest is the body of POST /api/orders/{id}/paid. The order id
// comes from the path.
type OrderPaidRequest struct {
	GrossCents int64  `json:"gross_cents"`
	Currency   string `json:"currency"`
	SellerID   string `json:"seller_id"`
	BuyerID    string `json:"buyer_id"`
}

// QuoteRequest previews a breakdown without writing.
type QuoteRequest struct {
	OrderID string `json:"order_id,omitempty"`
	OrderPaidRequest
}

// RefundRequest is the body of POST /api/orders/{id}/refund.
type RefundRequest struct {
	Reason      string `json:"reason"`
	InitiatedBy string `json:"initiated_by"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO represents a ledger entry.
type EntryDTO struct {
	ID           string            `json:"id"`
	OrderID      string            `json:"order_id"`
	PayeeID      string            `json:"payee_id"`
	Type         string            `json:"type"`
	AmountCents  int64             `json:"amount_cents"`
	Amount       string            `json:"amount"`
	Currency     string            `json:"currency"`
	CreatedAt    string            `json:"created_at"`
	ReversedAt   *string           `json:"reversed_at,omitempty"`
	ReversedByID string            `json:"reversed_by_id,omitempty"`
	ReversalOfID string            `json:"reversal_of_id,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// CommissionLineDTO is one resolved commission line.
type CommissionLineDTO struct {
	PayeeID     string `json:"payee_id"`
	Role        string `json:"role"`
	Percent     string `json:"percent"`
	Basis       string `json:"basis"`
	AmountCents int64  `json:"amount_cents"`
}

// BreakdownDTO is a fee breakdown; gross always equals the sum of the rest.
type BreakdownDTO struct {
	GrossCents         int64               `json:"gross_cents"`
	Currency           string              `json:"currency"`
	ProcessingFeeCents int64               `json:"processing_fee_cents"`
	PlatformFeeCents   int64               `json:"platform_fee_cents"`
	Commissions        []CommissionLineDTO `json:"commissions"`
	NetCents           int64               `json:"net_cents"`
	Net                string              `json:"net"`
	ScheduleVersion    string              `json:"schedule_version,omitempty"`
}

// SettlementDTO is the response of POST /api/orders/{id}/paid.
type SettlementDTO struct {
	OrderID   string       `json:"order_id"`
	Created   int          `json:"created"`
	Replayed  bool         `json:"replayed"`
	Breakdown BreakdownDTO `json:"breakdown"`
	Entries   []EntryDTO   `json:"entries"`
}

// RefundDTO is the response of POST /api/orders/{id}/refund.
type RefundDTO struct {
	OK            bool   `json:"ok"`
	ReversedCount int    `json:"reversed_count"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
}

// ChainSlotDTO is one resolved payee/rate pair.
type ChainSlotDTO struct {
	Role    string `json:"role"`
	PayeeID string `json:"payee_id"`
	Percent string `json:"percent"`
	Basis   string `json:"basis"`
}

// QuoteDTO is the response of POST /api/quote.
type QuoteDTO struct {
	Breakdown BreakdownDTO   `json:"breakdown"`
	Chain     []ChainSlotDTO `json:"chain"`
}

// ReconciliationDTO is the audit of one order.
type ReconciliationDTO struct {
	OrderID          string   `json:"order_id"`
	State            string   `json:"state"`
	Balanced         bool     `json:"balanced"`
	Originals        int      `json:"originals"`
	Reversals        int      `json:"reversals"`
	Reversed         int      `json:"reversed"`
	OriginalCents    int64    `json:"original_cents"`
	SignedSumCents   int64    `json:"signed_sum_cents"`
	PendingReversals []string `json:"pending_reversals,omitempty"`
	Violations       []string `json:"violations,omitempty"`
}

// ReferralDTO is one directory link.
type ReferralDTO struct {
	PayeeID    string `json:"payee_id"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	OrderID     string `json:"order_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:           string(e.ID),
		OrderID:      string(e.OrderID),
		PayeeID:      string(e.PayeeID),
		Type:         string(e.Type),
		AmountCents:  e.AmountCents,
		Amount:       e.Money().Decimal().StringFixed(2),
		Currency:     e.Currency,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		ReversedByID: string(e.ReversedByID),
		ReversalOfID: string(e.ReversalOfID),
		Meta:         e.Meta,
	}
	if e.ReversedAt != nil {
		s := e.ReversedAt.UTC().Format(time.RFC3339)
		dto.ReversedAt = &s
	}
	return dto
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toBreakdownDTO(b commission.FeeBreakdown) BreakdownDTO {
	dto := BreakdownDTO{
		GrossCents:         b.GrossCents,
		Currency:           b.Currency,
		ProcessingFeeCents: b.ProcessingFee,
		PlatformFeeCents:   b.PlatformFee,
		Commissions:        make([]CommissionLineDTO, len(b.CommissionLines)),
		NetCents:           b.NetAmount,
		Net:                ledger.NewMoney(b.NetAmount, b.Currency).Decimal().StringFixed(2),
		ScheduleVersion:    b.ScheduleVersion,
	}
	for i, l := range b.CommissionLines {
		dto.Commissions[i] = CommissionLineDTO{
			PayeeID:     string(l.PayeeID),
			Role:        string(l.Role),
			Percent:     l.BasisPoints.Percent(),
			Basis:       string(l.Basis),
			AmountCents: l.AmountCents,
		}
	}
	return dto
}

func toChainDTOs(chain []commission.ChainSlot) []ChainSlotDTO {
	dtos := make([]ChainSlotDTO, len(chain))
	for i, s := range chain {
		dtos[i] = ChainSlotDTO{
			Role:    string(s.Role),
			PayeeID: string(s.PayeeID),
			Percent: s.BasisPoints.Percent(),
			Basis:   string(s.Basis),
		}
	}
	return dtos
}

func toSettlementDTO(res settlement.SettlementResult) SettlementDTO {
	return SettlementDTO{
		OrderID:   string(res.OrderID),
		Created:   res.Created,
		Replayed:  res.Replayed,
		Breakdown: toBreakdownDTO(res.Breakdown),
		Entries:   toEntryDTOs(res.Entries),
	}
}

func toReconciliationDTO(r settlement.Report) ReconciliationDTO {
	dto := ReconciliationDTO{
		OrderID:        string(r.OrderID),
		State:          string(r.State),
		Balanced:       r.Balanced(),
		Originals:      r.Originals,
		Reversals:      r.Reversals,
		Reversed:       r.Reversed,
		OriginalCents:  r.OriginalCents,
		SignedSumCents: r.SignedSumCents,
		Violations:     r.Violations,
	}
	for _, id := range r.PendingReversals {
		dto.PendingReversals = append(dto.PendingReversals, string(id))
	}
	return dto
}

func (r OrderPaidRequest) event(orderID string) settlement.OrderPaidEvent {
	return settlement.OrderPaidEvent{
		OrderID:    ledger.OrderID(orderID),
		GrossCents: r.GrossCents,
		Currency:   r.Currency,
		SellerID:   ledger.PayeeID(r.SellerID),
		BuyerID:    ledger.PayeeID(r.BuyerID),
	}
}

// ScenarioResultDTO is the response of POST /api/scenarios/load.
type ScenarioResultDTO struct {
	Status     string        `json:"status"`
	Scenario   string        `json:"scenario"`
	Settlement SettlementDTO `json:"settlement"`
	Refund     *RefundDTO    `json:"refund,omitempty"`
}
