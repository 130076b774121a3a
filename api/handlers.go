/*
handlers.go - HTTP API handlers for the commission ledger

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to package settlement.

ENDPOINTS:
  Orders:
    POST   /api/orders/{id}/paid                 Settle a paid order
    POST   /api/orders/{id}/refund               Reverse a settled order
    GET    /api/orders/{id}/entries              All entries, insertion order
    GET    /api/orders/{id}/entries/unreversed   Originals not yet reversed
    GET    /api/orders/{id}/reconciliation       Invariant audit

  Configuration:
    POST   /api/quote                            Preview a breakdown
    GET    /api/schedule                         Active fee schedule
    PUT    /api/schedule                         Replace the fee schedule
    GET    /api/referrals                        Directory links
    POST   /api/referrals                        Add a referral link

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Load a demo scenario

  Operations:
    GET    /healthz                              Store reachability
    GET    /metrics                              Prometheus

REQUEST FLOW:
  1. Parse HTTP request
  2. Build the engine event (order id from the path)
  3. Call the engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  - 400: invalid event, amount, schedule or unknown payee
  - 404: order has no entries
  - 503: transient store failure (safe to retry; every call is idempotent)
  - 500: invariant violation and anything unclassified

SECURITY NOTE:
  No authentication. Refund authorisation is the caller's responsibility.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/factory"
	"github.com/warp/commission-ledger/internal/metrics"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine          *settlement.Engine
	Directory       *commission.StaticDirectory
	Schedule        *settlement.StaticSchedule
	ScheduleFactory *factory.ScheduleFactory
	Metrics         *metrics.Metrics

	// Health is optional; without it /healthz always reports ok.
	Health Pinger

	// Retries is optional; when set, refunds failing with 503 are queued
	// for background completion.
	Retries *RefundRetryScheduler

	log zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. m may be nil when metrics are not served.
func NewHandler(engine *settlement.Engine, dir *commission.StaticDirectory, schedule *settlement.StaticSchedule, m *metrics.Metrics) *Handler {
	return &Handler{
		Engine:          engine,
		Directory:       dir,
		Schedule:        schedule,
		ScheduleFactory: factory.NewScheduleFactory(),
		Metrics:         m,
		log:             log.Logger.With().Str("component", "api").Logger(),
	}
}

// WithLogger replaces the handler's logger.
func (h *Handler) WithLogger(l zerolog.Logger) *Handler {
	h.log = l
	return h
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// OrderPaid settles an order. 201 when entries were written, 200 on replay.
func (h *Handler) OrderPaid(w http.ResponseWriter, r *http.Request) {
	var req OrderPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.OrderPaid(r.Context(), req.event(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to settle order", err)
		return
	}

	status := http.StatusCreated
	if res.Created == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, toSettlementDTO(res))
}

// Refund reverses every unreversed entry of the order. Repeating the call
// returns reversed_count 0.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	// The body is optional
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev := settlement.RefundRequestedEvent{
		OrderID:     ledger.OrderID(chi.URLParam(r, "id")),
		Reason:      req.Reason,
		InitiatedBy: req.InitiatedBy,
	}
	res, err := h.Engine.RefundRequested(r.Context(), ev)
	if err != nil {
		if h.Retries != nil && settlement.IsRetryable(err) {
			h.Retries.Enqueue(ev)
		}
		h.writeEngineError(w, "Failed to refund order", err)
		return
	}

	writeJSON(w, http.StatusOK, RefundDTO{
		OK:            res.OK,
		ReversedCount: res.ReversedCount,
		OrderID:       string(res.OrderID),
		Status:        string(res.Status),
	})
}

// ListEntries returns every entry of the order in insertion order.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.ListEntries(r.Context(), ledger.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// ListUnreversed returns originals that have not been reversed.
func (h *Handler) ListUnreversed(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.ListUnreversed(r.Context(), ledger.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to list unreversed entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// Reconciliation audits the order's entries against the ledger invariants.
func (h *Handler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.Reconcile(r.Context(), ledger.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to reconcile order", err)
		return
	}
	if report.State == settlement.StateNotSettled {
		writeError(w, http.StatusNotFound, "Order has no ledger entries", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// =============================================================================
// CONFIGURATION HANDLERS
// =============================================================================

// Quote previews the breakdown for a hypothetical paid order.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrderID == "" {
		req.OrderID = "quote"
	}

	b, chain, err := h.Engine.Quote(r.Context(), req.event(req.OrderID))
	if err != nil {
		h.writeEngineError(w, "Failed to quote order", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{Breakdown: toBreakdownDTO(b), Chain: toChainDTOs(chain)})
}

// GetSchedule returns the active fee schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ScheduleFactory.ToJSON(h.Schedule.Current()))
}

// PutSchedule validates and installs a new fee schedule. Orders already
// settled keep the entries written under the old one.
func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	var sj factory.ScheduleJSON
	if err := json.NewDecoder(r.Body).Decode(&sj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	schedule, err := h.ScheduleFactory.FromJSON(sj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fee schedule", err)
		return
	}
	if err := h.Schedule.Set(schedule); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fee schedule", err)
		return
	}
	h.log.Info().Str("version", schedule.Version).Msg("fee schedule replaced")
	writeJSON(w, http.StatusOK, h.ScheduleFactory.ToJSON(schedule))
}

// ListReferrals returns every directory link, sorted by payee.
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	links := h.Directory.Links()
	dtos := make([]ReferralDTO, 0, len(links))
	for payee, referrer := range links {
		dtos = append(dtos, ReferralDTO{PayeeID: string(payee), ReferrerID: string(referrer)})
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].PayeeID < dtos[j].PayeeID })
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReferral links a payee to its referrer.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req factory.ReferralJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PayeeID == "" {
		writeError(w, http.StatusBadRequest, "payee_id is required", nil)
		return
	}

	if req.ReferrerID == "" {
		h.Directory.Register(ledger.PayeeID(req.PayeeID))
	} else if err := h.Directory.Link(ledger.PayeeID(req.PayeeID), ledger.PayeeID(req.ReferrerID)); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid referral", err)
		return
	}
	writeJSON(w, http.StatusCreated, ReferralDTO{PayeeID: req.PayeeID, ReferrerID: req.ReferrerID})
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Healthz pings the store.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
	)
	switch {
	case settlement.IsClientError(err):
		status, code = http.StatusBadRequest, "invalid_input"
	case settlement.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case settlement.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "transient"
	case errors.Is(err, settlement.ErrInvariantViolation):
		code = "invariant_violation"
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("code", code).Msg(message)
	}

	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		Details:   err.Error(),
		Retryable: status == http.StatusServiceUnavailable,
	})
}
