// Package http is the request gateway: it decodes uploads, enforces the
// bearer token and renders service results and errors as JSON.
package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"voxscribe-service/internal/models"
	"voxscribe-service/internal/observability/metrics"
	"voxscribe-service/internal/service/transcription"
	"voxscribe-service/internal/workerpool"
)

// Version is reported by GET /.
const Version = "0.1.0"

// Transcriber runs a transcription session.
type Transcriber interface {
	Transcribe(ctx context.Context, req transcription.Request) (*models.TranscriptionResponse, error)
}

// Catalog exposes model registry state.
type Catalog interface {
	Available() []string
	IsResident(id string) bool
	Resident() []string
	Device() string
	CacheEnabled() bool
}

// PoolStats exposes worker pool state.
type PoolStats interface {
	Stats() workerpool.Stats
}

// Config configures the gateway.
type Config struct {
	// APIKey is the expected bearer token. Empty disables auth.
	APIKey       string
	DefaultModel string
	MaxFileSize  int64
	Metrics      *metrics.Metrics
}

// Deps are the components behind the gateway.
type Deps struct {
	Service Transcriber
	Models  Catalog
	Pool    PoolStats
	// Draining reports whether shutdown has started. Nil falls back to the
	// pool's closed flag.
	Draining func() bool
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(cfg Config, deps Deps) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	if deps.Draining == nil {
		pool := deps.Pool
		deps.Draining = func() bool { return pool.Stats().Closed }
	}
	h := &handler{cfg: cfg, deps: deps}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false, // auth is a header token, never a cookie
	}))

	// Open endpoints
	r.Get("/", h.root)
	r.Get("/health", h.health)

	// Authenticated endpoints
	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.APIKey))
		r.Get("/models", h.listModels)
		r.Post("/transcribe", h.transcribe)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, models.ErrorBody{Error: models.ErrorDetail{
			Code:    "NOT_FOUND",
			Message: "no route for " + r.Method + " " + r.URL.Path,
		}})
	})

	return r
}
