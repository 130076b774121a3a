package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-ledger/settlement"
)

func TestRecorder(t *testing.T) {
	m := New()

	m.SettlementRecorded(settlement.ResultCreated, 4)
	m.SettlementRecorded(settlement.ResultReplayed, 0)
	m.RefundRecorded(settlement.RefundRefunded, 4)
	m.RefundRecorded(settlement.RefundAlreadyRefunded, 0)
	m.InvariantViolation("ord-1")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues(settlement.ResultCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues(settlement.ResultReplayed)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.EntriesWrittenTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefundsTotal.WithLabelValues(string(settlement.RefundAlreadyRefunded))))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ReversalsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolationsTotal))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ConsumerMessage("order.paid", "committed")
	m.ObserveHTTP("POST", "/api/orders/{id}/paid", 201, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ledger_consumer_messages_total{outcome="committed",topic="order.paid"} 1`)
	assert.Contains(t, string(body), `ledger_http_request_duration_seconds_count{method="POST",route="/api/orders/{id}/paid",status="201"} 1`)
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.InvariantViolation("ord-1")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.InvariantViolationsTotal))
}
