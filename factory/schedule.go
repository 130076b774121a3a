/*
Package factory provides JSON to Go fee schedule conversion.

PURPOSE:
  Converts versioned JSON fee schedules into commission.FeeSchedule. Rates
  are written as percent strings ("2.9") and converted exactly to basis
  points; a rate finer than one basis point is rejected rather than rounded.

JSON SCHEMA:
  {
    "version": "2025-01",
    "processing_fee": {"fixed_cents": 30, "percent": "2.9"},
    "platform_fee": {"percent": "4"},
    "chain": {
      "fallback_to_residual": true,
      "slots": [
        {"role": "buyer_chain",  "payee": "buyer_referrer",  "percent": "1"},
        {"role": "seller_chain", "payee": "seller_referrer", "percent": "1"}
      ]
    }
  }

  Slot basis defaults to "gross". Cascading levels use
  {"payee": "upline", "basis": "prior_level"}.

USAGE:
  f := NewScheduleFactory()
  schedule, err := f.ParseSchedule(MarketplaceJSON("2025-01"))

SEE ALSO:
  - commission/fees.go: FeeSchedule
  - presets.go: ready-made schedules
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ScheduleJSON is the JSON representation of a fee schedule.
type ScheduleJSON struct {
	Version         string    `json:"version"`
	ProcessingFee   FeeJSON   `json:"processing_fee"`
	PlatformFee     FeeJSON   `json:"platform_fee"`
	PlatformPayee   string    `json:"platform_payee,omitempty"`
	ProcessingPayee string    `json:"processing_payee,omitempty"`
	Chain           ChainJSON `json:"chain"`
}

// FeeJSON is a percentage fee with an optional fixed part.
type FeeJSON struct {
	FixedCents int64  `json:"fixed_cents,omitempty"`
	Percent    string `json:"percent,omitempty"`
}

// ChainJSON is the declarative commission chain.
type ChainJSON struct {
	FallbackToResidual bool       `json:"fallback_to_residual,omitempty"`
	Slots              []SlotJSON `json:"slots,omitempty"`
}

// SlotJSON is one commission slot.
type SlotJSON struct {
	Role       string `json:"role"`
	Payee      string `json:"payee"`
	FixedPayee string `json:"fixed_payee,omitempty"`
	Percent    string `json:"percent"`
	Basis      string `json:"basis,omitempty"` // gross (default), prior_level
}

// =============================================================================
// SCHEDULE FACTORY
// =============================================================================

// ScheduleFactory converts JSON schedules to commission.FeeSchedule.
type ScheduleFactory struct{}

func NewScheduleFactory() *ScheduleFactory {
	return &ScheduleFactory{}
}

// ParseSchedule parses and validates a JSON schedule.
func (f *ScheduleFactory) ParseSchedule(jsonStr string) (commission.FeeSchedule, error) {
	var sj ScheduleJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return commission.FeeSchedule{}, fmt.Errorf("failed to parse schedule JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// LoadFile reads a schedule from disk.
func (f *ScheduleFactory) LoadFile(path string) (commission.FeeSchedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return commission.FeeSchedule{}, fmt.Errorf("read schedule %s: %w", path, err)
	}
	return f.ParseSchedule(string(data))
}

// FromJSON converts ScheduleJSON to a validated FeeSchedule.
func (f *ScheduleFactory) FromJSON(sj ScheduleJSON) (commission.FeeSchedule, error) {
	processing, err := ParsePercent(sj.ProcessingFee.Percent)
	if err != nil {
		return commission.FeeSchedule{}, fmt.Errorf("processing_fee: %w", err)
	}
	platform, err := ParsePercent(sj.PlatformFee.Percent)
	if err != nil {
		return commission.FeeSchedule{}, fmt.Errorf("platform_fee: %w", err)
	}
	if sj.PlatformFee.FixedCents != 0 {
		return commission.FeeSchedule{}, fmt.Errorf("%w: platform_fee has no fixed part", commission.ErrInvalidSchedule)
	}

	s := commission.FeeSchedule{
		Version:                  sj.Version,
		ProcessingFeeFixedCents:  sj.ProcessingFee.FixedCents,
		ProcessingFeeBasisPoints: processing,
		PlatformFeeBasisPoints:   platform,
		PlatformPayee:            ledger.PayeeID(sj.PlatformPayee),
		ProcessingPayee:          ledger.PayeeID(sj.ProcessingPayee),
		Chain:                    commission.ChainSpec{FallbackToResidual: sj.Chain.FallbackToResidual},
	}

	for i, slot := range sj.Chain.Slots {
		bps, err := ParsePercent(slot.Percent)
		if err != nil {
			return commission.FeeSchedule{}, fmt.Errorf("chain slot %d (%s): %w", i, slot.Role, err)
		}
		basis := commission.RateBasis(slot.Basis)
		if basis == "" {
			basis = commission.BasisGross
		}
		s.Chain.Slots = append(s.Chain.Slots, commission.SlotSpec{
			Role:        ledger.EntryType(slot.Role),
			Payee:       commission.PayeeRef(slot.Payee),
			FixedPayee:  ledger.PayeeID(slot.FixedPayee),
			BasisPoints: bps,
			Basis:       basis,
		})
	}

	if err := s.Validate(); err != nil {
		return commission.FeeSchedule{}, err
	}
	return s, nil
}

// ToJSON converts a FeeSchedule back to its JSON form.
func (f *ScheduleFactory) ToJSON(s commission.FeeSchedule) ScheduleJSON {
	sj := ScheduleJSON{
		Version:         s.Version,
		ProcessingFee:   FeeJSON{FixedCents: s.ProcessingFeeFixedCents, Percent: s.ProcessingFeeBasisPoints.Percent()},
		PlatformFee:     FeeJSON{Percent: s.PlatformFeeBasisPoints.Percent()},
		PlatformPayee:   string(s.PlatformPayee),
		ProcessingPayee: string(s.ProcessingPayee),
		Chain:           ChainJSON{FallbackToResidual: s.Chain.FallbackToResidual},
	}
	for _, slot := range s.Chain.Slots {
		sj.Chain.Slots = append(sj.Chain.Slots, SlotJSON{
			Role:       string(slot.Role),
			Payee:      string(slot.Payee),
			FixedPayee: string(slot.FixedPayee),
			Percent:    slot.BasisPoints.Percent(),
			Basis:      string(slot.Basis),
		})
	}
	return sj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// ParsePercent converts "2.9" to 290 basis points. Empty means zero.
func ParsePercent(s string) (commission.BasisPoints, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: percent %q is not a number", commission.ErrInvalidSchedule, s)
	}
	bps := d.Shift(2)
	if !bps.IsInteger() {
		return 0, fmt.Errorf("%w: percent %q is finer than one basis point", commission.ErrInvalidSchedule, s)
	}
	if bps.IsNegative() || bps.GreaterThan(decimal.NewFromInt(commission.BasisPointsDenominator)) {
		return 0, fmt.Errorf("%w: percent %q is outside 0-100", commission.ErrInvalidSchedule, s)
	}
	return commission.BasisPoints(bps.IntPart()), nil
}
