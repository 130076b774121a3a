package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t, nil)
	list := decode[[]ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios", nil))
	require.Len(t, list, len(scenarios))
	assert.Equal(t, "marketplace", list[0].ID)
}

func TestLoadScenario_AllScenariosReconcile(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			ts := newTestServer(t, nil)

			rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: s.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			res := decode[ScenarioResultDTO](t, rec)
			assert.Equal(t, "loaded", res.Status)

			b := res.Settlement.Breakdown
			sum := b.ProcessingFeeCents + b.PlatformFeeCents + b.NetCents
			for _, c := range b.Commissions {
				sum += c.AmountCents
			}
			assert.Equal(t, b.GrossCents, sum)

			report := decode[ReconciliationDTO](t, ts.do(t, http.MethodGet, "/api/orders/"+s.OrderID+"/reconciliation", nil))
			assert.True(t, report.Balanced, report.Violations)

			current := decode[ScenarioDTO](t, ts.do(t, http.MethodGet, "/api/scenarios/current", nil))
			assert.Equal(t, s.ID, current.ID)
		})
	}
}

func TestLoadScenario_Splits(t *testing.T) {
	ts := newTestServer(t, nil)

	// GIVEN/WHEN: the three-tier cascade on $100.00
	res := decode[ScenarioResultDTO](t, ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "three-tier"}))

	// THEN: 500 / 100 / 20 down the upline, net 8660
	b := res.Settlement.Breakdown
	require.Len(t, b.Commissions, 3)
	assert.Equal(t, []int64{500, 100, 20}, []int64{b.Commissions[0].AmountCents, b.Commissions[1].AmountCents, b.Commissions[2].AmountCents})
	assert.Equal(t, []string{"alice", "dave", "erin"}, []string{b.Commissions[0].PayeeID, b.Commissions[1].PayeeID, b.Commissions[2].PayeeID})
	assert.Equal(t, int64(8660), b.NetCents)

	// Missing referrer keeps the buyer's share in net
	res = decode[ScenarioResultDTO](t, ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "missing-referrer"}))
	assert.Equal(t, int64(1996), res.Settlement.Breakdown.NetCents)
	assert.Len(t, res.Settlement.Entries, 3)

	// Refund scenario reverses all four
	res = decode[ScenarioResultDTO](t, ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "marketplace-refund"}))
	require.NotNil(t, res.Refund)
	assert.Equal(t, 4, res.Refund.ReversedCount)
}

func TestLoadScenario_TwiceReplays(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "marketplace"})

	res := decode[ScenarioResultDTO](t, ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "marketplace"}))
	assert.Zero(t, res.Settlement.Created)
	assert.True(t, res.Settlement.Replayed)
}

func TestLoadScenario_Unknown(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())
}
