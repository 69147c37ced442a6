// Package registry holds recognition models keyed by identifier and loads
// each on first use. Construction is serialized behind a single load lock
// with a re-check, so concurrent first requests for the same identifier
// produce exactly one model.
package registry

import (
	"context"
	"slices"
	"sync"
	"time"

	"voxscribe-service/internal/apperrors"
	"voxscribe-service/internal/observability/logging"
	"voxscribe-service/internal/observability/metrics"
	"voxscribe-service/internal/service/engine"
)

// Config configures a Registry.
type Config struct {
	Engine       engine.Engine
	Available    []string
	Device       string
	Threads      int
	CacheEnabled bool
}

// Registry maps model identifiers to loaded models.
type Registry struct {
	engine       engine.Engine
	available    []string
	device       string
	threads      int
	cacheEnabled bool
	metrics      *metrics.Metrics

	mu     sync.RWMutex
	models map[string]engine.Model

	// loadMu serializes construction across all identifiers.
	loadMu sync.Mutex
}

// New creates a registry. A nil m uses metrics.DefaultMetrics.
func New(cfg Config, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	device := cfg.Device
	if device == "" {
		device = engine.DeviceCPU
	}
	return &Registry{
		engine:       cfg.Engine,
		available:    slices.Clone(cfg.Available),
		device:       device,
		threads:      cfg.Threads,
		cacheEnabled: cfg.CacheEnabled,
		metrics:      m,
		models:       make(map[string]engine.Model),
	}
}

// Validate reports whether id is an accepted identifier.
func (r *Registry) Validate(id string) error {
	if !slices.Contains(r.available, id) {
		return apperrors.UnknownModel(id, r.available)
	}
	return nil
}

// Lease is a model handed out by GetOrLoad.
type Lease struct {
	Model  engine.Model
	ID     string
	cached bool
	once   sync.Once
}

// Release returns the lease. Uncached models are closed; cached ones stay
// resident.
func (l *Lease) Release() {
	if l.cached {
		return
	}
	l.once.Do(func() {
		if err := l.Model.Close(); err != nil {
			logger := logging.WithComponent("registry")
			logger.Warn().
				Err(err).
				Str("model", l.ID).
				Msg("Failed to close uncached model")
		}
	})
}

// Cached reports whether the lease refers to a resident model.
func (l *Lease) Cached() bool { return l.cached }

// GetOrLoad returns the model for id, constructing it if needed. It blocks
// for the duration of a load and is intended to run on a pool worker.
func (r *Registry) GetOrLoad(ctx context.Context, id string) (*Lease, error) {
	if err := r.Validate(id); err != nil {
		return nil, err
	}

	if r.cacheEnabled {
		r.mu.RLock()
		m, ok := r.models[id]
		r.mu.RUnlock()
		if ok {
			return &Lease{Model: m, ID: id, cached: true}, nil
		}
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if r.cacheEnabled {
		r.mu.RLock()
		m, ok := r.models[id]
		r.mu.RUnlock()
		if ok {
			return &Lease{Model: m, ID: id, cached: true}, nil
		}
	}

	m, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !r.cacheEnabled {
		return &Lease{Model: m, ID: id}, nil
	}

	r.mu.Lock()
	r.models[id] = m
	n := len(r.models)
	r.mu.Unlock()
	r.metrics.SetResidentModels(n)

	return &Lease{Model: m, ID: id, cached: true}, nil
}

func (r *Registry) load(ctx context.Context, id string) (engine.Model, error) {
	logger := logging.WithModel(id, r.device)
	logger.Info().Str("engine", r.engine.Name()).Msg("Loading model")

	start := time.Now()
	m, err := r.engine.Load(ctx, engine.LoadOptions{
		Model:   id,
		Device:  r.device,
		Threads: r.threads,
	})
	took := time.Since(start)
	r.metrics.RecordModelLoad(id, err, took)

	if err != nil {
		logger.Error().Err(err).Dur("took", took).Msg("Model load failed")
		return nil, apperrors.ModelLoadFailed(id, err)
	}
	logger.Info().Dur("took", took).Bool("cached", r.cacheEnabled).Msg("Model loaded")
	return m, nil
}

// Resident returns identifiers currently held, in Available order.
func (r *Registry) Resident() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.models))
	for _, id := range r.available {
		if _, ok := r.models[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// IsResident reports whether id is loaded.
func (r *Registry) IsResident(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[id]
	return ok
}

// Available returns the accepted identifiers.
func (r *Registry) Available() []string {
	return slices.Clone(r.available)
}

// Device returns the compute device models are bound to.
func (r *Registry) Device() string { return r.device }

// CacheEnabled reports whether loaded models are kept resident.
func (r *Registry) CacheEnabled() bool { return r.cacheEnabled }

// EngineName returns the backing engine's provider name.
func (r *Registry) EngineName() string { return r.engine.Name() }

// Close closes every resident model.
func (r *Registry) Close() error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	r.mu.Lock()
	models := r.models
	r.models = make(map[string]engine.Model)
	r.mu.Unlock()
	r.metrics.SetResidentModels(0)

	var firstErr error
	for id, m := range models {
		if err := m.Close(); err != nil {
			logger := logging.WithModel(id, r.device)
			logger.Warn().Err(err).Msg("Failed to close model")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
