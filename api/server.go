/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     Structured request logging (zap)
  4. Metrics:    Prometheus request counters/histograms
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/requests/*   Purchase request lifecycle
  /api/products/*   Catalog and product audit trail
  /api/deals        Bonus deal management
  /api/clients/*    Per-client views (requests, inventory, ledger, loyalty)
  /healthz          Liveness probe
  /metrics          Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tierpoint/allocation-engine/logger"
	"github.com/tierpoint/allocation-engine/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log *zap.Logger, m *metrics.HTTPMetrics) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if log != nil {
		r.Use(logger.Middleware(log))
	}
	if m != nil {
		r.Use(m.Middleware())
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Approver-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Purchase request routes
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.SubmitRequest)
			r.Get("/pending", h.ListPendingRequests)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
		})

		// Catalog routes
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
			r.Get("/{id}/ledger", h.GetProductLedger)
		})
		r.Post("/deals", h.CreateDeal)

		// Client routes
		r.Route("/clients/{id}", func(r chi.Router) {
			r.Get("/requests", h.ListClientRequests)
			r.Get("/inventory", h.GetClientInventory)
			r.Get("/ledger", h.GetClientLedger)
			r.Get("/loyalty", h.GetClientLoyalty)
		})
	})

	// Operational endpoints
	r.Get("/healthz", h.Healthz)
	r.Method("GET", "/metrics", metrics.Handler())

	return r
}
