/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Installs a fee schedule and referral links, then settles a demo order
	through the engine so the resulting ledger can be inspected.

AVAILABLE SCENARIOS:
	marketplace:        2.9% + 30c processing, 4% platform, 1% buyer and
	                    seller referrers; $22.00 splits 94/88/22/22, net 1974
	marketplace-refund: the marketplace order, then refunded
	missing-referrer:   the buyer has no referrer; their 1% stays in net
	three-tier:         5% / 20% / 20% upline cascade on $100.00

HOW SCENARIOS WORK:
 1. Install the scenario's fee schedule
 2. Link referrals in the directory
 3. Settle the demo order (and refund it, if the scenario says so)

The ledger is append-only, so scenarios never reset it. Each scenario uses
its own order id; loading one twice replays it and writes nothing.

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "three-tier"}

SEE ALSO:
  - handlers.go: Handler
  - factory/presets.go: schedule JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/commission-ledger/factory"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	schedule  func() string
	referrals [][2]ledger.PayeeID
	order     settlement.OrderPaidEvent
	refund    bool
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "marketplace",
			Name:        "Marketplace Sale",
			Description: "Flat chain: 1% to the buyer's referrer, 1% to the seller's referrer",
			OrderID:     "demo-marketplace-1",
		},
		schedule:  func() string { return factory.MarketplaceJSON("demo-marketplace") },
		referrals: [][2]ledger.PayeeID{{"buyer-1", "bob"}, {"seller-1", "carol"}},
		order:     demoOrder("demo-marketplace-1", 2200, "seller-1", "buyer-1"),
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "marketplace-refund",
			Name:        "Marketplace Refund",
			Description: "The marketplace sale, refunded: four reversals, signed sum zero",
			OrderID:     "demo-marketplace-refund-1",
		},
		schedule:  func() string { return factory.MarketplaceJSON("demo-marketplace") },
		referrals: [][2]ledger.PayeeID{{"buyer-1", "bob"}, {"seller-1", "carol"}},
		order:     demoOrder("demo-marketplace-refund-1", 2200, "seller-1", "buyer-1"),
		refund:    true,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "missing-referrer",
			Name:        "Missing Referrer",
			Description: "Buyer without a referrer: their share stays with the seller",
			OrderID:     "demo-missing-referrer-1",
		},
		schedule:  func() string { return factory.MarketplaceJSON("demo-marketplace") },
		referrals: [][2]ledger.PayeeID{{"seller-1", "carol"}},
		order:     demoOrder("demo-missing-referrer-1", 2200, "seller-1", "buyer-3"),
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "three-tier",
			Name:        "Three-Tier Cascade",
			Description: "Upline cascade: 5% of gross, then 20% of each level above",
			OrderID:     "demo-three-tier-1",
		},
		schedule: func() string { return factory.ThreeTierJSON("demo-three-tier") },
		referrals: [][2]ledger.PayeeID{
			{"seller-2", "alice"},
			{"alice", "dave"},
			{"dave", "erin"},
		},
		order: demoOrder("demo-three-tier-1", 10000, "seller-2", "buyer-2"),
	},
}

func demoOrder(id string, gross int64, seller, buyer ledger.PayeeID) settlement.OrderPaidEvent {
	return settlement.OrderPaidEvent{
		OrderID:    ledger.OrderID(id),
		GrossCents: gross,
		Currency:   "USD",
		SellerID:   seller,
		BuyerID:    buyer,
	}
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	result, err := h.loadScenario(r.Context(), s)
	if err != nil {
		h.writeEngineError(w, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, s scenario) (ScenarioResultDTO, error) {
	schedule, err := h.ScheduleFactory.ParseSchedule(s.schedule())
	if err != nil {
		return ScenarioResultDTO{}, fmt.Errorf("scenario schedule: %w", err)
	}
	if err := h.Schedule.Set(schedule); err != nil {
		return ScenarioResultDTO{}, err
	}

	h.Directory.Register(s.order.BuyerID, s.order.SellerID)
	for _, link := range s.referrals {
		if err := h.Directory.Link(link[0], link[1]); err != nil {
			return ScenarioResultDTO{}, fmt.Errorf("scenario referral %s -> %s: %w", link[0], link[1], err)
		}
	}

	res, err := h.Engine.OrderPaid(ctx, s.order)
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	out := ScenarioResultDTO{Status: "loaded", Scenario: s.ID, Settlement: toSettlementDTO(res)}

	if s.refund {
		rr, err := h.Engine.RefundRequested(ctx, settlement.RefundRequestedEvent{
			OrderID:     s.order.OrderID,
			Reason:      "demo refund",
			InitiatedBy: "scenario",
		})
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		out.Refund = &RefundDTO{
			OK:            rr.OK,
			ReversedCount: rr.ReversedCount,
			OrderID:       string(rr.OrderID),
			Status:        string(rr.Status),
		}
	}

	h.log.Info().Str("scenario", s.ID).Int("created", res.Created).Msg("scenario loaded")
	return out, nil
}
