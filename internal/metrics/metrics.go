// Package metrics exposes ledger counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/settlement"
)

const namespace = "ledger"

// Metrics holds the ledger's collectors on a private registry, so tests and
// multiple engines in one process do not collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	SettlementsTotal         *prometheus.CounterVec
	EntriesWrittenTotal      prometheus.Counter
	RefundsTotal             *prometheus.CounterVec
	ReversalsTotal           prometheus.Counter
	InvariantViolationsTotal prometheus.Counter

	ConsumerMessagesTotal *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "OrderPaid events by outcome",
		}, []string{"result"}),
		EntriesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_written_total",
			Help:      "Original ledger entries inserted",
		}),
		RefundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "RefundRequested events by status",
		}, []string{"status"}),
		ReversalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reversals_total",
			Help:      "Originals marked reversed",
		}),
		InvariantViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Ledger invariant violations detected",
		}),
		ConsumerMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_messages_total",
			Help:      "Kafka messages handled by topic and outcome",
		}, []string{"topic", "outcome"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.SettlementsTotal,
		m.EntriesWrittenTotal,
		m.RefundsTotal,
		m.ReversalsTotal,
		m.InvariantViolationsTotal,
		m.ConsumerMessagesTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// =============================================================================
// settlement.Recorder
// =============================================================================

var _ settlement.Recorder = (*Metrics)(nil)

func (m *Metrics) SettlementRecorded(result string, created int) {
	m.SettlementsTotal.WithLabelValues(result).Inc()
	m.EntriesWrittenTotal.Add(float64(created))
}

func (m *Metrics) RefundRecorded(status settlement.RefundStatus, reversed int) {
	m.RefundsTotal.WithLabelValues(string(status)).Inc()
	m.ReversalsTotal.Add(float64(reversed))
}

func (m *Metrics) InvariantViolation(ledger.OrderID) {
	m.InvariantViolationsTotal.Inc()
}

// ConsumerMessage counts one handled Kafka message.
func (m *Metrics) ConsumerMessage(topic, outcome string) {
	m.ConsumerMessagesTotal.WithLabelValues(topic, outcome).Inc()
}

// ObserveHTTP records one request's latency.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
