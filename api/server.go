/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Scope:      Tenant/actor extraction from headers

TENANT SCOPE:
  Every request carries X-Retailer-ID and X-Actor-ID headers, injected by
  the auth proxy in production. The scope middleware copies them into the
  request context; domain operations reject an empty retailer as a
  configuration error rather than guessing a tenant.

ROUTE GROUPS:
  /api/rates/*          Rate recording and history
  /api/customers/*      Customer management
  /api/plans/*          Plan management
  /api/enrollments/*    Enrollments, payments, passbook, redemption
  /api/redemptions/*    Redemption listing and settlement
  /api/admin/*          Rollover trigger
  /metrics              Prometheus metrics (config-gated)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/savings: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarna/savings-engine/savings"
)

// RouterOptions carries the config-derived router knobs.
type RouterOptions struct {
	AllowedOrigins []string
	MetricsEnabled bool
}

type scopeKeyType struct{}

var scopeKey scopeKeyType

// ScopeFrom extracts the tenant scope placed by the middleware. Returns the
// zero Scope when absent; domain calls reject that with ErrMissingScope.
func ScopeFrom(ctx context.Context) savings.Scope {
	if s, ok := ctx.Value(scopeKey).(savings.Scope); ok {
		return s
	}
	return savings.Scope{}
}

// withScope copies the tenant headers into the request context.
func withScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := savings.Scope{
			RetailerID: r.Header.Get("X-Retailer-ID"),
			ActorID:    r.Header.Get("X-Actor-ID"),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey, scope)))
	})
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Retailer-ID", "X-Actor-ID"},
		AllowCredentials: true,
	}))
	r.Use(withScope)

	r.Get("/health", h.Health)
	if opts.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Rate routes
		r.Route("/rates", func(r chi.Router) {
			r.Post("/", h.RecordRate)
			r.Get("/{kind}/current", h.GetCurrentRate)
			r.Get("/{kind}/history", h.GetRateHistory)
		})

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.CreateCustomer)
			r.Get("/{id}", h.GetCustomer)
		})

		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
		})

		// Enrollment routes
		r.Route("/enrollments", func(r chi.Router) {
			r.Get("/", h.ListEnrollments)
			r.Post("/", h.CreateEnrollment)
			r.Get("/{id}", h.GetEnrollment)
			r.Post("/{id}/cancel", h.CancelEnrollment)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Get("/{id}/passbook", h.GetPassbook)
			r.Get("/{id}/wallet", h.GetWallet)
			r.Get("/{id}/dues", h.GetDues)
			r.Get("/{id}/status", h.GetMonthlyStatus)
			r.Get("/{id}/redemption/eligibility", h.CheckEligibility)
			r.Post("/{id}/redemption", h.ProcessRedemption)
		})

		// Redemption routes
		r.Route("/redemptions", func(r chi.Router) {
			r.Get("/", h.ListRedemptions)
			r.Get("/{id}", h.GetRedemption)
			r.Post("/{id}/complete", h.CompleteRedemption)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/rollover", h.TriggerRollover)
		})
	})

	return r
}
