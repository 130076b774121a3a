/*
Package settlement turns order lifecycle events into ledger entries.

PURPOSE:
  The Engine is the only writer of the commission ledger. It handles two
  events per order:

    OrderPaid        -> breakdown -> chain -> one positive entry per line
    RefundRequested  -> one compensating negative entry per original

  Both are idempotent and safe under arbitrary concurrent invocation. No
  engine-level lock is taken: correctness comes from the store's unique
  keys and the one-shot reversed_at transition.

REVERSAL PROTOCOL:
  1. originals = ListUnreversed(order)
  2. none left -> {reversedCount: 0}, not an error
  3. build reversal per original (amount = -original, reversal_of_id)
  4. Append(reversals)            (duplicate reversal ids are absorbed)
  5. MarkReversed(original, rev)  (ErrAlreadyReversed = lost race, skip)
  6. reversedCount = originals this call actually marked

  Reversals are durable before any original is marked, so a crash between
  steps 4 and 5 leaves reversed_at NULL and the next call finishes the job
  without writing a second reversal.

  Concurrent refunds of one order: both may append (one insert wins, the
  other is a no-op), then race per entry on MarkReversed. Each original is
  counted by exactly one caller, so counts across callers sum to N.

SEE ALSO:
  - commission/fees.go: the breakdown
  - ledger/store.go: the storage contract this relies on
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
)

// Meta keys on original entries. Together they let a replay rebuild the
// breakdown the order was settled with.
const (
	MetaScheduleVersion = "schedule_version"
	MetaGrossCents      = "gross_cents"
	MetaBasisPoints     = "basis_points"
	MetaRateBasis       = "rate_basis"
)

// Engine processes OrderPaid and RefundRequested events.
type Engine struct {
	store     ledger.Store
	resolver  *commission.Resolver
	schedules ScheduleSource
	log       zerolog.Logger
	now       func() time.Time
	recorder  Recorder
	atomic    bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithAtomicRefunds runs the append and mark steps of a refund inside one
// store transaction when the store is a ledger.TxStore. Without it each step
// is individually durable and the protocol heals partial progress.
func WithAtomicRefunds() Option {
	return func(e *Engine) { e.atomic = true }
}

func NewEngine(store ledger.Store, resolver *commission.Resolver, schedules ScheduleSource, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		resolver:  resolver,
		schedules: schedules,
		log:       log.Logger.With().Str("component", "settlement").Logger(),
		now:       time.Now,
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = commission.NewResolver(nil)
	}
	return e
}

// =============================================================================
// ORDER PAID
// =============================================================================

// Quote computes the breakdown and resolved chain for ev without writing.
func (e *Engine) Quote(ctx context.Context, ev OrderPaidEvent) (commission.FeeBreakdown, []commission.ChainSlot, error) {
	_, b, chain, err := e.quote(ctx, ev)
	return b, chain, err
}

func (e *Engine) quote(ctx context.Context, ev OrderPaidEvent) (commission.FeeSchedule, commission.FeeBreakdown, []commission.ChainSlot, error) {
	var none commission.FeeBreakdown
	if ev.OrderID == "" {
		return commission.FeeSchedule{}, none, nil, fmt.Errorf("%w: order id is required", ErrInvalidEvent)
	}
	schedule, err := e.schedules.ScheduleFor(ctx, ev)
	if err != nil {
		return commission.FeeSchedule{}, none, nil, fmt.Errorf("load fee schedule: %w", err)
	}
	// Validate amounts before touching the directory
	if _, err := commission.ComputeBreakdown(ev.GrossCents, ev.Currency, schedule, nil); err != nil {
		return schedule, none, nil, err
	}
	chain, err := e.resolver.Resolve(ctx, ev.orderContext(), schedule.Chain)
	if err != nil {
		return schedule, none, nil, err
	}
	b, err := commission.ComputeBreakdown(ev.GrossCents, ev.Currency, schedule, chain)
	if err != nil {
		return schedule, none, nil, err
	}
	return schedule, b, chain, nil
}

// OrderPaid writes one positive entry per fee line and resolved chain slot.
//
// An order is settled once. If it already has original entries, the call is
// a replay: nothing is written and the stored entries are returned, even when
// the schedule or referral links have changed since.
func (e *Engine) OrderPaid(ctx context.Context, ev OrderPaidEvent) (SettlementResult, error) {
	logger := e.log.With().Str("order_id", string(ev.OrderID)).Logger()

	if ev.OrderID == "" {
		err := fmt.Errorf("%w: order id is required", ErrInvalidEvent)
		e.recordSettlementError(err)
		return SettlementResult{}, err
	}
	existing, err := e.store.ListEntries(ctx, ev.OrderID)
	if err != nil {
		e.recordSettlementError(err)
		return SettlementResult{}, fmt.Errorf("list entries for order %s: %w", ev.OrderID, err)
	}
	if originals := originalsOf(existing); len(originals) > 0 {
		return e.replay(logger, ev, originals), nil
	}

	schedule, b, _, err := e.quote(ctx, ev)
	if err != nil {
		e.recordSettlementError(err)
		return SettlementResult{}, err
	}

	entries := e.buildEntries(ev, schedule, b)
	if err := e.checkEntries(ev.OrderID, b, entries); err != nil {
		logger.Error().Err(err).Msg("breakdown does not reconcile; nothing written")
		e.recorder.InvariantViolation(ev.OrderID)
		e.recorder.SettlementRecorded(ResultFailed, 0)
		return SettlementResult{}, err
	}

	created, err := e.store.Append(ctx, entries)
	if err != nil {
		e.recordSettlementError(err)
		return SettlementResult{}, fmt.Errorf("append entries for order %s: %w", ev.OrderID, err)
	}

	stored, err := e.store.ListEntries(ctx, ev.OrderID)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("list entries for order %s: %w", ev.OrderID, err)
	}

	// A concurrent delivery of the same event may have written first
	result := SettlementResult{
		OrderID:   ev.OrderID,
		Breakdown: b,
		Entries:   matchStored(entries, stored),
		Created:   created,
		Replayed:  created < len(entries),
	}
	if result.Replayed {
		e.recorder.SettlementRecorded(ResultReplayed, created)
	} else {
		e.recorder.SettlementRecorded(ResultCreated, created)
	}

	logger.Debug().
		Int("created", created).
		Int("entries", len(entries)).
		Int64("gross_cents", b.GrossCents).
		Int64("net_cents", b.NetAmount).
		Msg("order settled")
	return result, nil
}

func (e *Engine) replay(logger zerolog.Logger, ev OrderPaidEvent, originals []ledger.Entry) SettlementResult {
	b := storedBreakdown(ev, originals)
	if b.GrossCents != ev.GrossCents {
		logger.Warn().
			Int64("stored_gross_cents", b.GrossCents).
			Int64("event_gross_cents", ev.GrossCents).
			Msg("replayed order differs from stored settlement; stored entries stand")
	}
	e.recorder.SettlementRecorded(ResultReplayed, 0)
	logger.Debug().Int("entries", len(originals)).Msg("order already settled")
	return SettlementResult{
		OrderID:   ev.OrderID,
		Breakdown: b,
		Entries:   originals,
		Replayed:  true,
	}
}

func originalsOf(entries []ledger.Entry) []ledger.Entry {
	var out []ledger.Entry
	for _, en := range entries {
		if !en.IsReversal() {
			out = append(out, en)
		}
	}
	return out
}

// storedBreakdown rebuilds the breakdown an order was settled with from its
// original entries. Entries written without gross meta fall back to the
// event's gross.
func storedBreakdown(ev OrderPaidEvent, originals []ledger.Entry) commission.FeeBreakdown {
	b := commission.FeeBreakdown{GrossCents: ev.GrossCents, Currency: ev.Currency}
	for i, en := range originals {
		if i == 0 {
			b.Currency = en.Currency
			b.ScheduleVersion = en.Meta[MetaScheduleVersion]
			if gross, err := strconv.ParseInt(en.Meta[MetaGrossCents], 10, 64); err == nil {
				b.GrossCents = gross
			}
		}
		switch en.Type {
		case ledger.EntryProcessingFee:
			b.ProcessingFee = en.AmountCents
		case ledger.EntryPlatformFee:
			b.PlatformFee = en.AmountCents
		default:
			bps, _ := strconv.ParseInt(en.Meta[MetaBasisPoints], 10, 64)
			b.CommissionLines = append(b.CommissionLines, commission.CommissionLine{
				PayeeID:     en.PayeeID,
				Role:        en.Type,
				BasisPoints: commission.BasisPoints(bps),
				Basis:       commission.RateBasis(en.Meta[MetaRateBasis]),
				AmountCents: en.AmountCents,
			})
		}
	}
	b.NetAmount = b.GrossCents - b.DistributedCents()
	return b
}

type feeLine struct {
	payee  ledger.PayeeID
	typ    ledger.EntryType
	amount int64
	bps    commission.BasisPoints
	basis  commission.RateBasis
}

func (e *Engine) buildEntries(ev OrderPaidEvent, schedule commission.FeeSchedule, b commission.FeeBreakdown) []ledger.Entry {
	now := e.now().UTC()

	lines := []feeLine{
		{payee: schedule.ProcessingPayeeID(), typ: ledger.EntryProcessingFee, amount: b.ProcessingFee},
		{payee: schedule.PlatformPayeeID(), typ: ledger.EntryPlatformFee, amount: b.PlatformFee},
	}
	for _, l := range b.CommissionLines {
		lines = append(lines, feeLine{l.PayeeID, l.Role, l.AmountCents, l.BasisPoints, l.Basis})
	}

	entries := make([]ledger.Entry, 0, len(lines))
	for _, l := range lines {
		if l.amount == 0 {
			// zero lines stay in the breakdown only
			continue
		}
		entry := ledger.Entry{
			ID:          ledger.OriginalID(ev.OrderID, l.payee, l.typ),
			OrderID:     ev.OrderID,
			PayeeID:     l.payee,
			Type:        l.typ,
			AmountCents: l.amount,
			Currency:    b.Currency,
			CreatedAt:   now,
		}
		entry.Meta = map[string]string{MetaGrossCents: strconv.FormatInt(b.GrossCents, 10)}
		if b.ScheduleVersion != "" {
			entry.Meta[MetaScheduleVersion] = b.ScheduleVersion
		}
		if l.basis != "" {
			entry.Meta[MetaBasisPoints] = strconv.FormatInt(int64(l.bps), 10)
			entry.Meta[MetaRateBasis] = string(l.basis)
		}
		entries = append(entries, entry)
	}
	return entries
}

// checkEntries guards the reconciliation identity before anything is written.
func (e *Engine) checkEntries(orderID ledger.OrderID, b commission.FeeBreakdown, entries []ledger.Entry) error {
	if err := b.Validate(); err != nil {
		return &InvariantViolationError{
			OrderID:  orderID,
			Expected: b.GrossCents,
			Actual:   b.DistributedCents() + b.NetAmount,
			Detail:   err.Error(),
		}
	}
	if sum := ledger.SignedSum(entries); sum != b.DistributedCents() {
		return &InvariantViolationError{
			OrderID:  orderID,
			Expected: b.DistributedCents(),
			Actual:   sum,
			Detail:   "entries do not sum to distributed total",
		}
	}
	for _, en := range entries {
		if en.AmountCents <= 0 {
			return &InvariantViolationError{
				OrderID: orderID,
				EntryID: en.ID,
				Actual:  en.AmountCents,
				Detail:  "original entry is not positive",
			}
		}
	}
	return nil
}

// matchStored returns the stored version of each built entry, in build order.
func matchStored(built, stored []ledger.Entry) []ledger.Entry {
	byID := make(map[ledger.EntryID]ledger.Entry, len(stored))
	for _, s := range stored {
		byID[s.ID] = s
	}
	out := make([]ledger.Entry, 0, len(built))
	for _, b := range built {
		if s, ok := byID[b.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) recordSettlementError(err error) {
	if IsClientError(err) {
		e.recorder.SettlementRecorded(ResultRejected, 0)
		return
	}
	e.recorder.SettlementRecorded(ResultFailed, 0)
}

// =============================================================================
// REFUND REQUESTED
// =============================================================================

// RefundRequested reverses every unreversed original entry of the order.
// The first call reports N, every later call reports 0.
func (e *Engine) RefundRequested(ctx context.Context, ev RefundRequestedEvent) (RefundResult, error) {
	if ev.OrderID == "" {
		return RefundResult{}, fmt.Errorf("%w: order id is required", ErrInvalidEvent)
	}

	var (
		result RefundResult
		err    error
	)
	if txs, ok := e.store.(ledger.TxStore); ok && e.atomic {
		err = txs.WithTx(ctx, func(tx ledger.Store) error {
			var txErr error
			result, txErr = e.reverse(ctx, tx, ev)
			return txErr
		})
	} else {
		result, err = e.reverse(ctx, e.store, ev)
	}
	if err != nil {
		e.log.Warn().Err(err).
			Str("order_id", string(ev.OrderID)).
			Bool("retryable", IsRetryable(err)).
			Msg("refund failed")
		return RefundResult{}, err
	}

	e.recorder.RefundRecorded(result.Status, result.ReversedCount)
	return result, nil
}

func (e *Engine) reverse(ctx context.Context, s ledger.Store, ev RefundRequestedEvent) (RefundResult, error) {
	logger := e.log.With().Str("order_id", string(ev.OrderID)).Logger()
	result := RefundResult{OK: true, OrderID: ev.OrderID}

	originals, err := s.ListUnreversed(ctx, ev.OrderID)
	if err != nil {
		return RefundResult{}, fmt.Errorf("list unreversed for order %s: %w", ev.OrderID, err)
	}
	if len(originals) == 0 {
		status, err := e.emptyRefundStatus(ctx, s, ev.OrderID)
		if err != nil {
			return RefundResult{}, err
		}
		result.Status = status
		logger.Debug().Str("status", string(status)).Msg("nothing to reverse")
		return result, nil
	}

	now := e.now().UTC()
	reversals := make([]ledger.Entry, len(originals))
	for i, o := range originals {
		reversals[i] = o.Reverse(ev.Reason, ev.InitiatedBy, now)
	}

	// Reversals must be durable before any original is marked
	if _, err := s.Append(ctx, reversals); err != nil {
		return RefundResult{}, fmt.Errorf("append reversals for order %s: %w", ev.OrderID, err)
	}

	for i, o := range originals {
		err := s.MarkReversed(ctx, o.ID, reversals[i].ID, now)
		switch {
		case err == nil:
			result.ReversedCount++
		case errors.Is(err, ledger.ErrAlreadyReversed):
			logger.Warn().
				Str("entry_id", string(o.ID)).
				Msg("entry reversed concurrently; skipping")
		default:
			return RefundResult{}, fmt.Errorf("mark %s reversed: %w", o.ID, err)
		}
	}

	result.Status = RefundRefunded
	if result.ReversedCount == 0 {
		result.Status = RefundAlreadyRefunded
	}
	logger.Debug().Int("reversed", result.ReversedCount).Msg("refund processed")
	return result, nil
}

func (e *Engine) emptyRefundStatus(ctx context.Context, s ledger.Store, orderID ledger.OrderID) (RefundStatus, error) {
	all, err := s.ListEntries(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("list entries for order %s: %w", orderID, err)
	}
	if len(all) == 0 {
		return RefundNotSettled, nil
	}
	return RefundAlreadyRefunded, nil
}

// =============================================================================
// READ SURFACE
// =============================================================================

func (e *Engine) ListEntries(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return e.store.ListEntries(ctx, orderID)
}

func (e *Engine) ListUnreversed(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return e.store.ListUnreversed(ctx, orderID)
}
