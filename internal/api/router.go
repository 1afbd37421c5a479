// Package api assembles the HTTP surface: middleware chain, routes, and
// CORS. The router owns no behavior of its own — handlers and services
// are constructed at the composition root and passed in.
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tutormesh/control-plane/internal/api/handlers"
	"github.com/tutormesh/control-plane/internal/api/middleware"
	"github.com/tutormesh/control-plane/internal/health"
	"github.com/tutormesh/control-plane/internal/identity"
	"github.com/tutormesh/control-plane/internal/metrics"
)

// NewRouter creates the HTTP router with every route and the global
// middleware chain. Middleware order is code, not configuration: request
// id first so everything downstream can correlate, then logging and
// tracing, then identity — handlers below the chain always see an
// authenticated context or never run.
func NewRouter(h *handlers.Handlers, checker *health.Checker, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(identity.Middleware)

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-Id", "X-Consumer-Username", "X-Consumer-Role"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard, // wildcard origins must not carry credentials
		MaxAge:           300,
	}))

	// Probes & metrics — public paths, skipped by identity middleware.
	r.Get("/health", checker.LiveHandler)
	r.Get("/ready", checker.ReadyHandler)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Triage Router
		r.Post("/triage", h.TriageRequest)

		// Mastery Engine reads
		r.Route("/mastery", func(r chi.Router) {
			r.Post("/query", h.MasteryQuery)
			r.Post("/history", h.MasteryHistory)
		})
		r.Post("/predictions/next-week", h.PredictNextWeek)
		r.Post("/recommendations/adaptive", h.AdaptiveRecommendations)

		// Compliance
		r.Route("/compliance/student/{id}", func(r chi.Router) {
			r.Delete("/", h.ComplianceErase)
			r.Get("/export", h.ComplianceExport)
		})
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, credentials disabled).
// Production: set TUTORMESH_CORS_ORIGINS to a comma-separated list.
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("TUTORMESH_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
