/*
Package commission computes fee and commission splits for a sale.

PURPOSE:
  Converts a gross sale amount into a deterministic, reconciling breakdown:
  processing fee, platform fee, zero or more commission lines, and the net
  residual owed to the seller. No I/O; every function in fees.go is pure.

ROUNDING RULE:
  Every percentage line is round-half-up on integer cents:

      amount = (base * bps + 5000) / 10000

  The net amount is never computed from its own percentage. It is the
  remainder after every other line, so

      gross == processing + platform + sum(commissions) + net

  holds by construction: no cent is created or destroyed.

EXAMPLE (2200 cents, 2.9% + 30, 4% platform, 1% buyer chain, 1% seller chain):
  processing = (2200*290 + 5000)/10000 + 30 = 64 + 30 = 94
  platform   = (2200*400 + 5000)/10000      = 88
  buyer      = (2200*100 + 5000)/10000      = 22
  seller     = 22
  net        = 2200 - 94 - 88 - 22 - 22     = 1974

SEE ALSO:
  - chain.go: where commission slots come from
  - settlement/engine.go: turns a breakdown into ledger entries
*/
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-ledger/ledger"
)

// BasisPointsDenominator is 100% expressed in basis points.
const BasisPointsDenominator = 10000

// MaxGrossCents bounds gross so gross*bps cannot overflow int64.
const MaxGrossCents int64 = 100_000_000_000_000

// Default payees for the fee lines.
const (
	DefaultPlatformPayee   ledger.PayeeID = "platform"
	DefaultProcessingPayee ledger.PayeeID = "payment_processor"
)

// =============================================================================
// BASIS POINTS
// =============================================================================

// BasisPoints is a rate in hundredths of a percent (100 = 1%).
type BasisPoints int64

// Percent renders the rate as a percentage (290 -> "2.9").
func (b BasisPoints) Percent() string {
	return decimal.New(int64(b), -2).String()
}

// Fraction returns the rate as a fraction of one (290 -> 0.029).
func (b BasisPoints) Fraction() decimal.Decimal {
	return decimal.New(int64(b), -4)
}

// Of applies the rate to base cents, rounding half up.
func (b BasisPoints) Of(base int64) int64 {
	return roundHalfUp(base * int64(b))
}

func roundHalfUp(scaled int64) int64 {
	return (scaled + BasisPointsDenominator/2) / BasisPointsDenominator
}

// =============================================================================
// FEE SCHEDULE - Versioned, immutable-per-call configuration
// =============================================================================

// FeeSchedule enumerates the recognised fee model. Chain holds the named
// commission-rate slots (buyer_chain, seller_chain, upline_level_N, ...).
type FeeSchedule struct {
	Version string

	ProcessingFeeFixedCents  int64
	ProcessingFeeBasisPoints BasisPoints
	PlatformFeeBasisPoints   BasisPoints

	PlatformPayee   ledger.PayeeID
	ProcessingPayee ledger.PayeeID

	Chain ChainSpec
}

// PlatformPayeeID returns the configured platform payee or the default.
func (s FeeSchedule) PlatformPayeeID() ledger.PayeeID {
	if s.PlatformPayee == "" {
		return DefaultPlatformPayee
	}
	return s.PlatformPayee
}

// ProcessingPayeeID returns the configured processing payee or the default.
func (s FeeSchedule) ProcessingPayeeID() ledger.PayeeID {
	if s.ProcessingPayee == "" {
		return DefaultProcessingPayee
	}
	return s.ProcessingPayee
}

// Validate checks basis-point ranges and that the non-residual rates cannot
// exceed 100% of gross. Cascading levels count by their effective share of
// gross (level 2 at 10% of a 3% level 1 is 0.3% of gross).
func (s FeeSchedule) Validate() error {
	if s.ProcessingFeeFixedCents < 0 {
		return fmt.Errorf("%w: negative processing fixed fee %d", ErrInvalidSchedule, s.ProcessingFeeFixedCents)
	}
	if err := checkRate("processing", s.ProcessingFeeBasisPoints); err != nil {
		return err
	}
	if err := checkRate("platform", s.PlatformFeeBasisPoints); err != nil {
		return err
	}
	if err := s.Chain.Validate(); err != nil {
		return err
	}
	return checkTotal(s, s.Chain.EffectiveRate())
}

func checkTotal(s FeeSchedule, chainRate decimal.Decimal) error {
	total := s.ProcessingFeeBasisPoints.Fraction().
		Add(s.PlatformFeeBasisPoints.Fraction()).
		Add(chainRate)
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: non-residual rates total %s%% of gross, exceeding 100%%",
			ErrInvalidSchedule, total.Shift(2).String())
	}
	return nil
}

func checkRate(name string, bps BasisPoints) error {
	if bps < 0 {
		return fmt.Errorf("%w: %s rate is negative (%d bps)", ErrInvalidSchedule, name, bps)
	}
	if bps > BasisPointsDenominator {
		return fmt.Errorf("%w: %s rate exceeds 100%% (%d bps)", ErrInvalidSchedule, name, bps)
	}
	return nil
}

// =============================================================================
// BREAKDOWN
// =============================================================================

// CommissionLine is one payee's commission for one order and role.
type CommissionLine struct {
	PayeeID     ledger.PayeeID
	Role        ledger.EntryType
	BasisPoints BasisPoints
	Basis       RateBasis
	AmountCents int64
}

// FeeBreakdown is derived, never stored directly.
type FeeBreakdown struct {
	GrossCents      int64
	Currency        string
	ProcessingFee   int64
	PlatformFee     int64
	CommissionLines []CommissionLine
	NetAmount       int64
	ScheduleVersion string
}

// DistributedCents is everything except the net residual.
func (b FeeBreakdown) DistributedCents() int64 {
	sum := b.ProcessingFee + b.PlatformFee
	for _, l := range b.CommissionLines {
		sum += l.AmountCents
	}
	return sum
}

// Validate re-checks the reconciliation identity.
func (b FeeBreakdown) Validate() error {
	if got := b.DistributedCents() + b.NetAmount; got != b.GrossCents {
		return fmt.Errorf("breakdown does not reconcile: lines sum to %d, gross is %d", got, b.GrossCents)
	}
	if b.NetAmount < 0 {
		return fmt.Errorf("breakdown has negative net %d", b.NetAmount)
	}
	return nil
}

// ComputeBreakdown splits grossCents according to schedule and the resolved
// chain. A nil chain produces a fee-only breakdown. Pure: identical inputs
// always give identical output.
func ComputeBreakdown(grossCents int64, currency string, schedule FeeSchedule, chain []ChainSlot) (FeeBreakdown, error) {
	if grossCents <= 0 {
		return FeeBreakdown{}, fmt.Errorf("%w: gross must be positive, got %d", ErrInvalidAmount, grossCents)
	}
	if grossCents > MaxGrossCents {
		return FeeBreakdown{}, fmt.Errorf("%w: gross %d exceeds maximum %d", ErrInvalidAmount, grossCents, MaxGrossCents)
	}
	if !ledger.ValidCurrency(currency) {
		return FeeBreakdown{}, fmt.Errorf("%w: currency %q is not an ISO 4217 code", ErrInvalidAmount, currency)
	}
	if err := schedule.Validate(); err != nil {
		return FeeBreakdown{}, err
	}
	if err := validateSlots(chain, schedule); err != nil {
		return FeeBreakdown{}, err
	}

	b := FeeBreakdown{
		GrossCents:      grossCents,
		Currency:        currency,
		ProcessingFee:   schedule.ProcessingFeeFixedCents + schedule.ProcessingFeeBasisPoints.Of(grossCents),
		PlatformFee:     schedule.PlatformFeeBasisPoints.Of(grossCents),
		ScheduleVersion: schedule.Version,
	}

	var prior int64
	for i, slot := range chain {
		base := grossCents
		if slot.Basis == BasisPriorLevel {
			if i == 0 {
				return FeeBreakdown{}, fmt.Errorf("%w: %s is prior-level but has no preceding level", ErrInvalidSchedule, slot.Role)
			}
			base = prior
		}
		amount := slot.BasisPoints.Of(base)
		b.CommissionLines = append(b.CommissionLines, CommissionLine{
			PayeeID:     slot.PayeeID,
			Role:        slot.Role,
			BasisPoints: slot.BasisPoints,
			Basis:       slot.Basis,
			AmountCents: amount,
		})
		prior = amount
	}

	// Net is the remainder, computed last
	b.NetAmount = grossCents - b.DistributedCents()
	if b.NetAmount < 0 {
		return FeeBreakdown{}, fmt.Errorf("%w: gross %d does not cover fees of %d",
			ErrInvalidAmount, grossCents, b.DistributedCents())
	}
	return b, nil
}

// validateSlots guards against resolved chains that bypass ChainSpec
// validation (e.g. built by hand).
func validateSlots(chain []ChainSlot, schedule FeeSchedule) error {
	steps := make([]rateStep, 0, len(chain))
	for _, slot := range chain {
		if err := checkRate(string(slot.Role), slot.BasisPoints); err != nil {
			return err
		}
		steps = append(steps, rateStep{bps: slot.BasisPoints, basis: slot.Basis})
	}
	return checkTotal(schedule, effectiveRate(steps))
}
