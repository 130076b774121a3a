/*
scheduler.go - Background retry of interrupted refunds

PURPOSE:
  A refund that fails with a transient error may have appended some
  reversals without marking their originals. The HTTP caller gets a 503 and
  may never retry, so the handler queues the order here and the scheduler
  re-issues RefundRequested until it succeeds. The reversal protocol is
  idempotent, so a retry finishes the marks without duplicating reversals.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Retryable failures stay queued; anything else is dropped and logged
  - Each healed order is audited with Reconcile

USAGE:
  scheduler := NewRefundRetryScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Refund enqueues on 503
  - settlement/engine.go: the reversal protocol
*/
package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/settlement"
)

// RefundRetryScheduler re-drives refunds that failed transiently.
type RefundRetryScheduler struct {
	Engine        *settlement.Engine
	CheckInterval time.Duration
	Timeout       time.Duration

	log zerolog.Logger

	pendingMu sync.Mutex
	pending   map[ledger.OrderID]settlement.RefundRequestedEvent

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRefundRetryScheduler(engine *settlement.Engine) *RefundRetryScheduler {
	return &RefundRetryScheduler{
		Engine:        engine,
		CheckInterval: 30 * time.Second,
		Timeout:       10 * time.Second,
		log:           log.Logger.With().Str("component", "refund-retry").Logger(),
		pending:       make(map[ledger.OrderID]settlement.RefundRequestedEvent),
	}
}

// Enqueue schedules ev for retry. A later event for the same order replaces
// the earlier one.
func (rs *RefundRetryScheduler) Enqueue(ev settlement.RefundRequestedEvent) {
	rs.pendingMu.Lock()
	defer rs.pendingMu.Unlock()
	rs.pending[ev.OrderID] = ev
}

// Pending lists queued orders in sorted order.
func (rs *RefundRetryScheduler) Pending() []ledger.OrderID {
	rs.pendingMu.Lock()
	defer rs.pendingMu.Unlock()
	out := make([]ledger.OrderID, 0, len(rs.pending))
	for id := range rs.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start begins the scheduler.
func (rs *RefundRetryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("refund retry scheduler started")
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (rs *RefundRetryScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info().Msg("refund retry scheduler stopped")
}

func (rs *RefundRetryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()
	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow retries every queued refund once and returns how many completed.
func (rs *RefundRetryScheduler) RunNow(ctx context.Context) int {
	healed := 0
	for _, orderID := range rs.Pending() {
		rs.pendingMu.Lock()
		ev, ok := rs.pending[orderID]
		rs.pendingMu.Unlock()
		if !ok {
			continue
		}
		if rs.retry(ctx, ev) {
			healed++
		}
	}
	return healed
}

func (rs *RefundRetryScheduler) retry(ctx context.Context, ev settlement.RefundRequestedEvent) bool {
	ctx, cancel := context.WithTimeout(ctx, rs.Timeout)
	defer cancel()
	logger := rs.log.With().Str("order_id", string(ev.OrderID)).Logger()

	res, err := rs.Engine.RefundRequested(ctx, ev)
	if err != nil {
		if settlement.IsRetryable(err) {
			logger.Warn().Err(err).Msg("refund still failing; keeping it queued")
			return false
		}
		logger.Error().Err(err).Msg("refund failed permanently; dropping it")
		rs.dequeue(ev.OrderID)
		return false
	}
	rs.dequeue(ev.OrderID)

	report, err := rs.Engine.Reconcile(ctx, ev.OrderID)
	if err != nil {
		logger.Warn().Err(err).Msg("post-refund audit failed")
		logger.Info().Int("reversed", res.ReversedCount).Msg("interrupted refund completed")
		return true
	}
	if !report.Balanced() {
		logger.Error().Strs("violations", report.Violations).Msg("refunded order does not reconcile")
	}
	logger.Info().Int("reversed", res.ReversedCount).Str("state", string(report.State)).Msg("interrupted refund completed")
	return true
}

func (rs *RefundRetryScheduler) dequeue(orderID ledger.OrderID) {
	rs.pendingMu.Lock()
	defer rs.pendingMu.Unlock()
	delete(rs.pending, orderID)
}
