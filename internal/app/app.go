// Package app wires the transcription service together and owns its
// startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	grpcapi "voxscribe-service/internal/api/grpc"
	"voxscribe-service/internal/config"
	"voxscribe-service/internal/events"
	httpapi "voxscribe-service/internal/http"
	"voxscribe-service/internal/observability"
	"voxscribe-service/internal/observability/logging"
	"voxscribe-service/internal/observability/metrics"
	"voxscribe-service/internal/service/engine"
	"voxscribe-service/internal/service/engine/google"
	"voxscribe-service/internal/service/engine/mock"
	"voxscribe-service/internal/service/engine/sidecar"
	"voxscribe-service/internal/service/engine/whisper"
	"voxscribe-service/internal/service/registry"
	"voxscribe-service/internal/service/scratch"
	"voxscribe-service/internal/service/transcription"
	"voxscribe-service/internal/workerpool"
)

const (
	// staleScratchAge is how old a leftover artifact must be before the
	// startup sweep removes it.
	staleScratchAge = time.Hour
	// obsShutdownTimeout bounds the metrics server stop, which runs after
	// the pool has drained.
	obsShutdownTimeout = 5 * time.Second
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics   *metrics.Metrics
	Pool      *workerpool.Pool
	Registry  *registry.Registry
	Store     *scratch.Store
	Publisher *events.Publisher
	Service   *transcription.Service

	gatherer   prometheus.Gatherer
	httpServer *http.Server
	grpcServer *grpcapi.Server
	obsServer  *observability.Server

	draining     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures optional Application behaviour.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	engine   engine.Engine
}

// WithMetricsRegistry registers metrics on reg instead of the default
// Prometheus registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithEngine overrides the engine selected by STT_PROVIDER.
func WithEngine(e engine.Engine) Option {
	return func(o *options) { o.engine = e }
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}

	a.Metrics = metrics.DefaultMetrics
	a.gatherer = prometheus.DefaultGatherer
	if o.registry != nil {
		a.Metrics = metrics.NewMetrics(o.registry)
		a.gatherer = o.registry
	}

	eng := o.engine
	if eng == nil {
		var err error
		if eng, err = newEngine(cfg); err != nil {
			return nil, err
		}
	}

	store, err := scratch.New(cfg.Upload.ScratchDir, a.Metrics)
	if err != nil {
		return nil, err
	}
	a.Store = store

	a.Pool = workerpool.New(workerpool.Config{
		Size:      cfg.Workers.Size,
		QueueSize: cfg.Workers.QueueSize,
	}, workerpool.WithObserver(a.Metrics))

	a.Registry = registry.New(registry.Config{
		Engine:       eng,
		Available:    cfg.Models.Available,
		Device:       cfg.STT.Device,
		Threads:      cfg.STT.Threads,
		CacheEnabled: cfg.Models.CacheEnabled,
	}, a.Metrics)

	a.Publisher = events.New(&events.Config{
		Enabled:        cfg.Kafka.Enabled,
		Brokers:        cfg.Kafka.Brokers,
		TopicCompleted: cfg.Kafka.TopicCompleted,
		TopicFailed:    cfg.Kafka.TopicFailed,
		Principal:      cfg.Kafka.Principal,
	}, a.Metrics)

	a.Service = transcription.NewService(transcription.Config{
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		MaxFileSize:       cfg.Upload.MaxFileSize,
		DefaultModel:      cfg.Models.Default,
	}, a.Pool, a.Registry, a.Store, a.Publisher, a.Metrics)

	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	a.grpcServer = grpcapi.New(a.Metrics)
	a.obsServer = observability.NewServer(cfg.Service.MetricsAddr, a.gatherer, a.Ready)

	a.Logger.Info().
		Str("provider", eng.Name()).
		Str("device", cfg.STT.Device).
		Int("workers", a.Pool.Size()).
		Int("queueSize", cfg.Workers.QueueSize).
		Bool("cache", cfg.Models.CacheEnabled).
		Bool("auth", cfg.Service.APIKey != "").
		Msg("VoxScribe service application created")
	return a, nil
}

// newEngine selects the recognition backend named by STT_PROVIDER.
func newEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.STT.Provider {
	case config.ProviderWhisper:
		return whisper.New(whisper.Config{
			Path:     cfg.STT.WhisperPath,
			ModelDir: cfg.STT.WhisperModelDir,
			WorkDir:  cfg.Upload.ScratchDir,
		}), nil
	case config.ProviderSidecar:
		return sidecar.New(sidecar.Config{URL: cfg.STT.WhisperURL}), nil
	case config.ProviderGoogle:
		return google.New(google.Config{
			LanguageCode: cfg.STT.LanguageCode,
			Model:        cfg.STT.GoogleModel,
		}), nil
	case config.ProviderMock:
		return mock.New(mock.Config{}), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STT.Provider)
	}
}

// Handler returns the request gateway.
func (a *Application) Handler() http.Handler {
	return httpapi.NewRouter(httpapi.Config{
		APIKey:       a.Cfg.Service.APIKey,
		DefaultModel: a.Cfg.Models.Default,
		MaxFileSize:  a.Cfg.Upload.MaxFileSize,
		Metrics:      a.Metrics,
	}, httpapi.Deps{
		Service:  a.Service,
		Models:   a.Registry,
		Pool:     a.Pool,
		Draining: a.draining.Load,
	})
}

// Ready reports whether the service accepts new work.
func (a *Application) Ready() bool {
	return !a.draining.Load()
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() {
	a.StartupTime = time.Now().UTC()

	removed, err := a.Store.Sweep(staleScratchAge)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Scratch sweep failed")
	} else if removed > 0 {
		a.Logger.Info().Int("removed", removed).Msg("Removed stale scratch artifacts")
	}

	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("scratchDir", a.Store.Dir()).
		Msg("VoxScribe service starting")
}

// Run listens on the configured ports and serves until ctx is done.
func (a *Application) Run(ctx context.Context) error {
	var lc net.ListenConfig
	httpLis, err := lc.Listen(ctx, "tcp", ":"+a.Cfg.Service.HTTPPort)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := lc.Listen(ctx, "tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}
	metricsLis, err := lc.Listen(ctx, "tcp", a.Cfg.Service.MetricsAddr)
	if err != nil {
		httpLis.Close()
		grpcLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}
	return a.Serve(ctx, httpLis, grpcLis, metricsLis)
}

// Serve runs all servers on the given listeners. When ctx is done or any
// server fails, the application shuts down and Serve returns.
func (a *Application) Serve(ctx context.Context, httpLis, grpcLis, metricsLis net.Listener) error {
	a.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", httpLis.Addr().String()).Msg("Starting HTTP gateway")
		if err := a.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.grpcServer.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.obsServer.Serve(metricsLis); err != nil {
			return fmt.Errorf("observability server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Cfg.Service.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown stops the service: health goes NOT_SERVING, the gateway stops
// accepting and waits for active requests, the pool drains, then models
// and the publisher are closed. ctx bounds the gateway only; admitted pool
// tasks always run to completion. Later calls return the first result.
func (a *Application) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *Application) shutdown(ctx context.Context) error {
	start := time.Now()
	a.Logger.Info().Msg("VoxScribe service shutting down")

	a.draining.Store(true)
	a.grpcServer.SetNotServing()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Models stay open until no task can use them.
	a.drainPool(ctx)
	if err := a.Registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}
	if err := a.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher close: %w", err))
	}

	a.grpcServer.Stop()
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), obsShutdownTimeout)
	defer cancel()
	if err := a.obsServer.Shutdown(octx); err != nil {
		errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		a.Logger.Error().Err(err).Dur("took", time.Since(start)).Msg("Shutdown completed with errors")
	} else {
		a.Logger.Info().Dur("took", time.Since(start)).Msg("Shutdown completed")
	}
	return err
}

// drainPool waits for every queued and in-flight task. Passing the ctx
// deadline is logged and the wait continues.
func (a *Application) drainPool(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		_ = a.Pool.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		stats := a.Pool.Stats()
		a.Logger.Warn().
			Int("queued", stats.Queued).
			Int("inFlight", stats.InFlight).
			Msg("Shutdown timeout passed, still draining worker pool")
	}
	<-done
	a.Logger.Info().Msg("Worker pool drained")
}
