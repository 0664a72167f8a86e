package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	apihandler "github.com/glycotree-labs/glycotree/internal/api/handler"
	apimw "github.com/glycotree-labs/glycotree/internal/api/middleware"
	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/manifest"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/queue"
)

// RouterDeps holds the wired services the API exposes.
type RouterDeps struct {
	Pool      *pgxpool.Pool
	Orch      *pipeline.Orchestrator
	Manifests manifest.Store
	Artifacts artifact.Store
	Producer  *queue.Producer
}

func NewRouter(logger *slog.Logger, deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.Logger(logger))
	r.Use(apimw.CORS)
	r.Use(chimw.Recoverer)

	// Health checks
	health := apihandler.NewHealthHandler(deps.Pool)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		runs := apihandler.NewRunHandler(logger, deps.Orch, deps.Manifests, deps.Producer)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runs.List)
			r.Post("/", runs.Create)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", runs.Get)
				r.Post("/resume", runs.Resume)
			})
		})

		artifacts := apihandler.NewArtifactHandler(logger, deps.Artifacts)
		r.Route("/artifacts/{fingerprint}", func(r chi.Router) {
			r.Get("/", artifacts.Get)
			r.Get("/payload", artifacts.Download)
		})
	})

	return r
}
