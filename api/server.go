/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request count and latency per route pattern
  5. CORS:       Cross-origin requests for the registration front end

ROUTE GROUPS:
  /api/holds/*      Hold lifecycle and finalize
  /api/price        Anonymous cart pricing
  /api/invoices/*   Payments and refunds
  /api/items/*      Catalog and availability
  /api/admin/*      Catalog admin, status, sweep, audit
  /api/scenarios/*  Demo scenarios
  /metrics          Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/registration-engine/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows the local dev front ends.
	AllowedOrigins []string

	// Metrics, when set, instruments every route and serves /metrics.
	Metrics *metrics.Metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/price", h.QuoteCart)

		// Hold routes
		r.Route("/holds", func(r chi.Router) {
			r.Post("/", h.UpsertHold)
			r.Get("/{id}", h.GetHold)
			r.Delete("/{id}", h.CancelHold)
			r.Get("/{id}/price", h.QuoteHold)
			r.Post("/{id}/items", h.UpsertLineItem)
			r.Post("/{id}/touch", h.TouchHold)
			r.Post("/{id}/reprice", h.RepriceHold)
			r.Post("/{id}/vouchers", h.ApplyVoucher)
			r.Delete("/{id}/vouchers", h.RemoveVoucher)
			r.Post("/{id}/finalize", h.FinalizeHold)
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/refunds", h.RefundInvoice)
		})

		// Catalog routes
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Get("/{id}/availability", h.GetAvailability)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/items", h.CreateItem)
			r.Post("/items/{id}/status", h.TransitionStatus)
			r.Post("/discounts", h.CreateDiscount)
			r.Post("/vouchers", h.CreateVoucher)
			r.Post("/catalog", h.LoadCatalog)
			r.Post("/sweep", h.Sweep)
			r.Get("/audit/{ref}", h.ListAudit)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
