/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Latency histogram by route pattern (when metrics are on)
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/orders/*      Settlement, refunds, entries, reconciliation
  /api/quote         Breakdown preview
  /api/schedule      Fee schedule
  /api/referrals     Payee directory
  /api/scenarios/*   Demo scenarios
  /healthz, /metrics Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if h.Metrics != nil {
		r.Use(h.observe)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", h.Healthz)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/orders/{id}", func(r chi.Router) {
			r.Post("/paid", h.OrderPaid)
			r.Post("/refund", h.Refund)
			r.Get("/entries", h.ListEntries)
			r.Get("/entries/unreversed", h.ListUnreversed)
			r.Get("/reconciliation", h.Reconciliation)
		})

		r.Post("/quote", h.Quote)

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", h.GetSchedule)
			r.Put("/", h.PutSchedule)
		})

		r.Route("/referrals", func(r chi.Router) {
			r.Get("/", h.ListReferrals)
			r.Post("/", h.CreateReferral)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// observe records request latency under the matched route pattern, so
// /api/orders/ord-1/paid and /api/orders/ord-2/paid share one series.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.Metrics.ObserveHTTP(r.Method, route, ww.Status(), time.Since(start))
	})
}
