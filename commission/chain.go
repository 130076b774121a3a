/*
chain.go - Declarative commission chains and their resolution

PURPOSE:
  A chain spec lists commission slots in payout order. Each slot names a
  role, where its payee comes from, a rate and what the rate applies to.
  The same spec shape covers both chain structures seen in the domain:

  FLAT (1% buyer side, 1% seller side):
    [{buyer_chain,  buyer_referrer,  100 bps, gross},
     {seller_chain, seller_referrer, 100 bps, gross}]

  CASCADING (3-tier upline, each level a share of the level above):
    [{upline_level_1, seller_referrer, 500 bps,  gross},
     {upline_level_2, upline,          2000 bps, prior_level},
     {upline_level_3, upline,          2000 bps, prior_level}]

RUNS:
  A gross-based slot starts a run. prior_level/upline slots continue the
  run and depend on the slot before them. When a payee is missing the
  current run terminates: its remaining slots are skipped and their share
  stays in the net residual. The next gross-based slot starts a new run.

FALLBACK:
  A referenced payee that cannot be resolved is a
  ChainResolutionError unless FallbackToResidual is set, in which case it
  terminates the run like a missing payee. A payee is unresolvable when the
  directory does not know it, or when an upline slot reaches an identity
  already in the same run (including the identity the run started from).
  The other side of the order is not part of the run: a seller's upline
  may be the buyer.
*/
package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-ledger/ledger"
)

// =============================================================================
// CHAIN SPEC
// =============================================================================

// RateBasis says what a slot's rate is applied to.
type RateBasis string

const (
	BasisGross      RateBasis = "gross"
	BasisPriorLevel RateBasis = "prior_level"
)

// PayeeRef says where a slot's payee comes from.
type PayeeRef string

const (
	PayeeBuyerReferrer  PayeeRef = "buyer_referrer"
	PayeeSellerReferrer PayeeRef = "seller_referrer"
	PayeeUpline         PayeeRef = "upline" // referrer of the previous slot's payee
	PayeeFixed          PayeeRef = "fixed"  // SlotSpec.FixedPayee
)

// SlotSpec declares one commission slot.
type SlotSpec struct {
	Role        ledger.EntryType
	Payee       PayeeRef
	FixedPayee  ledger.PayeeID
	BasisPoints BasisPoints
	Basis       RateBasis
}

// ChainSpec is the declarative chain configuration.
type ChainSpec struct {
	Slots              []SlotSpec
	FallbackToResidual bool
}

// Validate checks the chain can be evaluated level by level.
func (c ChainSpec) Validate() error {
	roles := make(map[ledger.EntryType]bool, len(c.Slots))
	for i, s := range c.Slots {
		if s.Role == "" {
			return fmt.Errorf("%w: slot %d has no role", ErrInvalidSchedule, i)
		}
		if s.Role == ledger.EntryPlatformFee || s.Role == ledger.EntryProcessingFee {
			return fmt.Errorf("%w: slot %d uses reserved role %s", ErrInvalidSchedule, i, s.Role)
		}
		if roles[s.Role] {
			return fmt.Errorf("%w: role %s appears twice", ErrInvalidSchedule, s.Role)
		}
		roles[s.Role] = true

		if err := checkRate(string(s.Role), s.BasisPoints); err != nil {
			return err
		}
		switch s.Basis {
		case BasisGross:
		case BasisPriorLevel:
			if i == 0 {
				return fmt.Errorf("%w: %s is prior_level but is the first slot", ErrInvalidSchedule, s.Role)
			}
		default:
			return fmt.Errorf("%w: %s has unknown basis %q", ErrInvalidSchedule, s.Role, s.Basis)
		}
		switch s.Payee {
		case PayeeBuyerReferrer, PayeeSellerReferrer:
		case PayeeUpline:
			if i == 0 {
				return fmt.Errorf("%w: %s is upline but is the first slot", ErrInvalidSchedule, s.Role)
			}
		case PayeeFixed:
			if s.FixedPayee == "" {
				return fmt.Errorf("%w: %s is fixed but names no payee", ErrInvalidSchedule, s.Role)
			}
		default:
			return fmt.Errorf("%w: %s has unknown payee reference %q", ErrInvalidSchedule, s.Role, s.Payee)
		}
	}
	return nil
}

// EffectiveRate is the share of gross the whole chain can pay out when every
// slot resolves, before rounding.
func (c ChainSpec) EffectiveRate() decimal.Decimal {
	steps := make([]rateStep, len(c.Slots))
	for i, s := range c.Slots {
		steps[i] = rateStep{bps: s.BasisPoints, basis: s.Basis}
	}
	return effectiveRate(steps)
}

type rateStep struct {
	bps   BasisPoints
	basis RateBasis
}

func effectiveRate(steps []rateStep) decimal.Decimal {
	total := decimal.Zero
	level := decimal.Zero
	for _, s := range steps {
		if s.basis == BasisPriorLevel {
			level = level.Mul(s.bps.Fraction())
		} else {
			level = s.bps.Fraction()
		}
		total = total.Add(level)
	}
	return total
}

// =============================================================================
// RESOLUTION
// =============================================================================

// OrderContext is the sale the chain is resolved for.
type OrderContext struct {
	OrderID    ledger.OrderID
	GrossCents int64
	Currency   string
	BuyerID    ledger.PayeeID
	SellerID   ledger.PayeeID
}

// ChainSlot is one resolved (payee, role, rate) tuple.
type ChainSlot struct {
	Role        ledger.EntryType
	PayeeID     ledger.PayeeID
	BasisPoints BasisPoints
	Basis       RateBasis
}

// PayeeDirectory answers "who referred this identity".
//
// Referrer returns ("", nil) when id has no referrer and an error wrapping
// ErrUnknownPayee when id (or its referrer) is not a valid identity. Any
// other error is treated as infrastructure failure and returned as is.
type PayeeDirectory interface {
	Referrer(ctx context.Context, id ledger.PayeeID) (ledger.PayeeID, error)
}

// Resolver turns a ChainSpec into concrete payees for an order.
type Resolver struct {
	Directory PayeeDirectory
}

func NewResolver(dir PayeeDirectory) *Resolver {
	return &Resolver{Directory: dir}
}

// Resolve evaluates spec level by level in order.
func (r *Resolver) Resolve(ctx context.Context, order OrderContext, spec ChainSpec) ([]ChainSlot, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var (
		out        []ChainSlot
		prevPayee  ledger.PayeeID
		runAlive   bool
		runMembers map[ledger.PayeeID]bool
	)

	for _, s := range spec.Slots {
		continues := s.Basis == BasisPriorLevel || s.Payee == PayeeUpline
		subject := r.subject(order, s, prevPayee)
		if !continues {
			runAlive = true
			// the run's originating identity counts as a member
			runMembers = map[ledger.PayeeID]bool{}
			if subject != "" {
				runMembers[subject] = true
			}
		}
		if !runAlive {
			continue
		}

		payee, err := r.lookup(ctx, subject, s)
		if err != nil {
			if !errors.Is(err, ErrUnknownPayee) {
				return nil, fmt.Errorf("resolve %s for order %s: %w", s.Role, order.OrderID, err)
			}
			if !spec.FallbackToResidual {
				return nil, &ChainResolutionError{OrderID: order.OrderID, Role: s.Role, PayeeID: subject, Cause: err}
			}
			runAlive = false
			continue
		}
		if payee == "" {
			// Missing payee: the run ends, funds revert to the residual
			runAlive = false
			continue
		}
		if s.Payee == PayeeUpline && runMembers[payee] {
			cycle := fmt.Errorf("%w through %s", ErrReferralCycle, payee)
			if !spec.FallbackToResidual {
				return nil, &ChainResolutionError{OrderID: order.OrderID, Role: s.Role, PayeeID: payee, Cause: cycle}
			}
			runAlive = false
			continue
		}

		runMembers[payee] = true
		prevPayee = payee
		out = append(out, ChainSlot{
			Role:        s.Role,
			PayeeID:     payee,
			BasisPoints: s.BasisPoints,
			Basis:       s.Basis,
		})
	}
	return out, nil
}

// subject is the identity whose referrer fills the slot.
func (r *Resolver) subject(order OrderContext, s SlotSpec, prev ledger.PayeeID) ledger.PayeeID {
	switch s.Payee {
	case PayeeBuyerReferrer:
		return order.BuyerID
	case PayeeSellerReferrer:
		return order.SellerID
	case PayeeUpline:
		return prev
	}
	return ""
}

func (r *Resolver) lookup(ctx context.Context, subject ledger.PayeeID, s SlotSpec) (ledger.PayeeID, error) {
	if s.Payee == PayeeFixed {
		return s.FixedPayee, nil
	}
	if subject == "" || r.Directory == nil {
		// nobody to look up
		return "", nil
	}
	return r.Directory.Referrer(ctx, subject)
}
