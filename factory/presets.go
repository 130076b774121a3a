package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/commission-ledger/ledger"
)

// MarketplaceJSON returns a marketplace schedule: 2.9% + 30c processing,
// 4% platform, 1% to the buyer's referrer and 1% to the seller's referrer.
func MarketplaceJSON(version string) string {
	sj := ScheduleJSON{
		Version:       version,
		ProcessingFee: FeeJSON{FixedCents: 30, Percent: "2.9"},
		PlatformFee:   FeeJSON{Percent: "4"},
		Chain: ChainJSON{
			FallbackToResidual: true,
			Slots: []SlotJSON{
				{Role: string(ledger.EntryBuyerChain), Payee: "buyer_referrer", Percent: "1", Basis: "gross"},
				{Role: string(ledger.EntrySellerChain), Payee: "seller_referrer", Percent: "1", Basis: "gross"},
			},
		},
	}
	b, _ := json.MarshalIndent(sj, "", "  ")
	return string(b)
}

// CascadeJSON returns a multi-level upline schedule. Level 1 takes
// level1Percent of gross; each further level takes levelPercent of the
// level above it.
func CascadeJSON(version, level1Percent, levelPercent string, levels int) string {
	sj := ScheduleJSON{
		Version:       version,
		ProcessingFee: FeeJSON{FixedCents: 30, Percent: "2.9"},
		PlatformFee:   FeeJSON{Percent: "4"},
		Chain:         ChainJSON{FallbackToResidual: true},
	}
	for n := 1; n <= levels; n++ {
		slot := SlotJSON{
			Role:    string(ledger.UplineLevel(n)),
			Payee:   "upline",
			Percent: levelPercent,
			Basis:   "prior_level",
		}
		if n == 1 {
			slot.Payee = "seller_referrer"
			slot.Percent = level1Percent
			slot.Basis = "gross"
		}
		sj.Chain.Slots = append(sj.Chain.Slots, slot)
	}
	b, _ := json.MarshalIndent(sj, "", "  ")
	return string(b)
}

// ThreeTierJSON is the 5% / 20% / 20% upline cascade.
func ThreeTierJSON(version string) string {
	return CascadeJSON(version, "5", "20", 3)
}

// Preset returns a named preset schedule JSON.
func Preset(name, version string) (string, error) {
	switch name {
	case "marketplace":
		return MarketplaceJSON(version), nil
	case "three-tier":
		return ThreeTierJSON(version), nil
	}
	return "", fmt.Errorf("unknown schedule preset %q", name)
}
