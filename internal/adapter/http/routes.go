package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfotel "github.com/Strob0t/ContentForge/internal/adapter/otel"
	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/middleware"
	"github.com/Strob0t/ContentForge/internal/port/cache"
)

// NewRouter builds the chi router with the middleware stack and all routes.
// idem stores replayable responses for Idempotency-Key; nil disables it.
func NewRouter(h *Handlers, cfg *config.Config, idem cache.Cache) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.Server.CORSOrigin))
	if cfg.Server.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	}
	r.Use(middleware.Auth(cfg.Auth.JWTSecret, cfg.Auth.Enabled))
	if cfg.Rate.RequestsPerSecond > 0 {
		r.Use(middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst).Handler)
	}
	if idem != nil {
		r.Use(middleware.Idempotency(idem, cfg.Server.IdempotencyTTL))
	}

	MountRoutes(r, h)
	return r
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.HealthReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
		})

		// Jobs
		r.Post("/jobs", h.EnqueueJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)

		// Pipelines
		r.Get("/pipelines/templates", h.ListTemplates)
		r.Get("/pipelines/templates/{id}", h.GetTemplate)
		r.Post("/pipelines/runs", h.SubmitRun)
		r.Get("/pipelines/runs", h.ListRuns)
		r.Get("/pipelines/runs/{id}", h.GetRun)
		r.Post("/pipelines/runs/{id}/cancel", h.CancelRun)

		// Trends
		r.Post("/trends/analyze", h.AnalyzeTrends)
		r.Get("/platforms", h.ListPlatforms)

		// Model providers
		r.Get("/providers/usage", h.ProviderUsage)
		r.Get("/providers/health", h.ProviderHealth)
	})
}
