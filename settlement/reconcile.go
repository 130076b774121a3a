package settlement

import (
	"context"
	"fmt"

	"github.com/warp/commission-ledger/ledger"
)

// OrderState summarises where an order is in its lifecycle.
type OrderState string

const (
	StateNotSettled OrderState = "not_settled"
	StateSettled    OrderState = "settled"
	StateRefunding  OrderState = "refunding" // reversals written, originals not all marked
	StateRefunded   OrderState = "refunded"
)

// Report is the result of auditing one order's entries.
type Report struct {
	OrderID          ledger.OrderID
	State            OrderState
	Originals        int
	Reversals        int
	Reversed         int
	OriginalCents    int64
	SignedSumCents   int64
	PendingReversals []ledger.EntryID
	Violations       []string
}

// Balanced is true when no violation was found.
func (r Report) Balanced() bool {
	return len(r.Violations) == 0
}

// Reconcile audits the stored entries of an order:
//   - every reversal negates an original of the same order
//   - an original is marked reversed iff exactly one reversal points at it
//   - the signed sum is the original total, or zero once fully refunded
//   - once any reversal exists, every original has one
//
// Violations are logged and counted, never repaired. Pending reversals (the
// crash window between append and mark) are reported but are not violations.
func (e *Engine) Reconcile(ctx context.Context, orderID ledger.OrderID) (Report, error) {
	if orderID == "" {
		return Report{}, fmt.Errorf("%w: order id is required", ErrInvalidEvent)
	}
	entries, err := e.store.ListEntries(ctx, orderID)
	if err != nil {
		return Report{}, fmt.Errorf("list entries for order %s: %w", orderID, err)
	}

	r := Report{OrderID: orderID, SignedSumCents: ledger.SignedSum(entries)}
	originals := make(map[ledger.EntryID]ledger.Entry)
	reversalsOf := make(map[ledger.EntryID][]ledger.Entry)

	for _, en := range entries {
		if en.IsReversal() {
			r.Reversals++
			reversalsOf[en.ReversalOfID] = append(reversalsOf[en.ReversalOfID], en)
			continue
		}
		r.Originals++
		r.OriginalCents += en.AmountCents
		originals[en.ID] = en
		if en.IsReversed() {
			r.Reversed++
		}
	}

	var outstanding int64
	for _, en := range entries {
		if en.IsReversal() {
			orig, ok := originals[en.ReversalOfID]
			switch {
			case !ok:
				r.Violations = append(r.Violations, fmt.Sprintf("reversal %s points at %s which is not on this order", en.ID, en.ReversalOfID))
			case en.AmountCents != -orig.AmountCents:
				r.Violations = append(r.Violations, fmt.Sprintf("reversal %s is %d, original %s is %d", en.ID, en.AmountCents, orig.ID, orig.AmountCents))
			}
			continue
		}

		revs := reversalsOf[en.ID]
		switch {
		case len(revs) > 1:
			r.Violations = append(r.Violations, fmt.Sprintf("original %s has %d reversals", en.ID, len(revs)))
		case en.IsReversed() && len(revs) == 0:
			r.Violations = append(r.Violations, fmt.Sprintf("original %s is marked reversed but has no reversal", en.ID))
		case en.IsReversed() && en.ReversedByID != revs[0].ID:
			r.Violations = append(r.Violations, fmt.Sprintf("original %s is marked reversed by %s, reversal is %s", en.ID, en.ReversedByID, revs[0].ID))
		case !en.IsReversed() && len(revs) == 1:
			r.PendingReversals = append(r.PendingReversals, en.ID)
		}
		if len(revs) == 0 {
			outstanding += en.AmountCents
			if r.Reversals > 0 {
				r.Violations = append(r.Violations, fmt.Sprintf("original %s has no reversal on a refunded order", en.ID))
			}
		}
		if en.AmountCents <= 0 {
			r.Violations = append(r.Violations, fmt.Sprintf("original %s is not positive (%d)", en.ID, en.AmountCents))
		}
	}

	if r.SignedSumCents != outstanding {
		r.Violations = append(r.Violations, fmt.Sprintf("signed sum %d does not match unreversed total %d", r.SignedSumCents, outstanding))
	}

	switch {
	case r.Originals == 0 && r.Reversals == 0:
		r.State = StateNotSettled
	case r.Reversals == 0:
		r.State = StateSettled
	case r.Reversed == r.Originals && len(r.PendingReversals) == 0:
		r.State = StateRefunded
	default:
		r.State = StateRefunding
	}

	if !r.Balanced() {
		e.log.Error().
			Str("order_id", string(orderID)).
			Strs("violations", r.Violations).
			Int64("expected", outstanding).
			Int64("actual", r.SignedSumCents).
			Msg("ledger invariant violation; manual reconciliation required")
		e.recorder.InvariantViolation(orderID)
	}
	return r, nil
}
