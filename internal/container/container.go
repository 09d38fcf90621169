// Package container wires configuration into the services that answer
// history queries and promotion requests.
package container

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relicta-tech/buildline/internal/application/history"
	"github.com/relicta-tech/buildline/internal/application/promotion"
	"github.com/relicta-tech/buildline/internal/application/propagation"
	"github.com/relicta-tech/buildline/internal/config"
	"github.com/relicta-tech/buildline/internal/domain/build"
	"github.com/relicta-tech/buildline/internal/domain/lineage"
	apperrors "github.com/relicta-tech/buildline/internal/errors"
	httpws "github.com/relicta-tech/buildline/internal/httpserver/websocket"
	"github.com/relicta-tech/buildline/internal/infrastructure/catalog"
	"github.com/relicta-tech/buildline/internal/infrastructure/engine"
	"github.com/relicta-tech/buildline/internal/infrastructure/git"
	"github.com/relicta-tech/buildline/internal/observability"
)

// defaultShutdownTimeout is the default timeout for graceful shutdown of components.
const defaultShutdownTimeout = 10 * time.Second

// Closeable represents a component that can be closed/shutdown.
type Closeable interface {
	Close() error
}

// App holds the wired services.
type App struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool

	engine     *engine.Memory
	authorizer *catalogAuthorizer
	executor   *engine.Executor
	scheduler  *engine.ResilientScheduler
	hub        *httpws.Hub
	history    *history.Service
	promotion  *promotion.Service

	closeables []Closeable
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics registry. The global registry is used
// otherwise.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *App) {
		a.metrics = m
	}
}

// New builds the engine from the configured catalog and wires the history
// and promotion services on top of it. A missing catalog file leaves the
// engine empty until the file appears.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	const op = "container.New"
	if cfg == nil {
		return nil, apperrors.Config(op, "configuration is required")
	}

	a := &App{
		config:     cfg,
		logger:     slog.Default(),
		authorizer: &catalogAuthorizer{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observability.Global()
	}
	a.authorizer.set(nil)
	a.installTracer()

	a.engine = engine.NewMemory(
		engine.WithAuthorizer(a.authorizer),
		engine.WithBaseURL(cfg.Engine.BaseURL),
		engine.WithQueueSize(cfg.Engine.QueueSize),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.logger.With("service", "engine")),
	)
	if err := a.loadCatalog(); err != nil {
		return nil, err
	}

	a.hub = httpws.NewHub(cfg.Server.CORSOrigins,
		httpws.WithMetrics(a.metrics),
		httpws.WithLogger(a.logger.With("service", "websocket")))
	a.registerCloseable(closeFunc(func() error {
		a.hub.Close()
		return nil
	}))
	events := httpws.NewEventBroadcaster(a.hub)

	reader := git.NewReader(cfg.Git.UseCLIFallback,
		git.WithBinary(cfg.Git.Binary),
		git.WithTimeout(cfg.Git.Timeout),
		git.WithMetrics(a.metrics),
		git.WithLogger(a.logger.With("service", "git")))
	listeners := propagation.New(reader, propagation.WithLogger(a.logger.With("service", "propagation")))
	a.executor = engine.NewExecutor(a.engine, listeners, cfg.Engine.Workspace,
		engine.WithEventPublisher(events),
		engine.WithRevisionReader(reader),
		engine.WithExecutorLogger(a.logger.With("service", "executor")))

	a.scheduler = engine.NewResilientScheduler(a.engine, resilienceConfig(cfg.Promotion))
	a.registerCloseable(a.scheduler)

	filter := lineage.NewExclusionFilter(cfg.Lineage.ExcludePatterns...)
	aggregator := lineage.NewAggregator(filter,
		lineage.WithUserLookup(a.engine),
		lineage.WithAuthorResolution(cfg.Lineage.ResolveCommitAuthors),
		lineage.WithAggregatorLogger(a.logger.With("service", "lineage")))
	a.history = history.NewService(a.engine, aggregator,
		lineage.NewBranchResolver(filter, a.logger.With("service", "lineage")),
		history.WithMaxRuns(cfg.History.MaxRuns),
		history.WithConcurrency(cfg.History.Concurrency),
		history.WithMetrics(a.metrics),
		history.WithLogger(a.logger.With("service", "history")))
	a.promotion = promotion.NewService(a.scheduler, a.engine,
		promotion.WithEventPublisher(events),
		promotion.WithMetrics(a.metrics),
		promotion.WithLogger(a.logger.With("service", "promotion")))

	a.logger.Debug("container initialized",
		"catalog", cfg.Catalog.Path,
		"max_runs", a.history.MaxRuns())
	return a, nil
}

func (a *App) loadCatalog() error {
	c, err := catalog.Load(a.config.Catalog.Path)
	if errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("catalog not found, starting empty", "path", a.config.Catalog.Path)
		return nil
	}
	if err != nil {
		return err
	}
	return a.apply(c)
}

func (a *App) apply(c *catalog.Catalog) error {
	if _, err := c.Apply(a.engine, a.logger); err != nil {
		return err
	}
	a.authorizer.set(c.Restricted())
	return nil
}

// Run executes queued builds and follows catalog changes, as configured,
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return apperrors.Internal("container.Run", "container is closed")
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.config.Engine.Execute {
		g.Go(func() error {
			if err := a.executor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if a.config.Catalog.Watch {
		g.Go(func() error {
			return catalog.Watch(ctx, a.config.Catalog.Path, a.logger, func(c *catalog.Catalog) {
				err := observability.TraceFunc(ctx, "catalog.apply", func(context.Context) error {
					return a.apply(c)
				})
				if err != nil {
					a.logger.Error("catalog apply failed", "error", err)
				}
			})
		})
	}
	return g.Wait()
}

// installTracer reports spans through the logger when it logs at debug
// level. Closing the app restores the no-op tracer.
func (a *App) installTracer() {
	if !a.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	observability.SetTracer(observability.NewLogTracer(a.logger, "buildline"))
	a.registerCloseable(closeFunc(func() error {
		observability.SetTracer(nil)
		return nil
	}))
}

// Config returns the configuration.
func (a *App) Config() *config.Config { return a.config }

// Engine returns the build engine.
func (a *App) Engine() *engine.Memory { return a.engine }

// Executor returns the build executor.
func (a *App) Executor() *engine.Executor { return a.executor }

// Hub returns the WebSocket hub that receives build and promotion events.
func (a *App) Hub() *httpws.Hub { return a.hub }

// History returns the build history service.
func (a *App) History() *history.Service { return a.history }

// Promotion returns the promotion service.
func (a *App) Promotion() *promotion.Service { return a.promotion }

// Metrics returns the metrics registry.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// SchedulerState returns the circuit breaker state of build submissions.
func (a *App) SchedulerState() string { return a.scheduler.State() }

func resilienceConfig(p config.PromotionConfig) engine.ResilienceConfig {
	cfg := engine.DefaultResilienceConfig()
	cfg.RetryAttempts = p.RetryAttempts
	cfg.RetryInitialWait = p.RetryInitialWait
	cfg.RetryMaxWait = p.RetryMaxWait
	cfg.CircuitBreakerEnabled = p.CircuitBreakerThreshold > 0
	cfg.CircuitBreakerThreshold = p.CircuitBreakerThreshold
	cfg.CircuitBreakerTimeout = p.CircuitBreakerTimeout
	cfg.RateLimitPerMinute = p.RateLimitPerMinute
	return cfg
}

// catalogAuthorizer applies the restricted jobs of the current catalog.
type catalogAuthorizer struct {
	restricted atomic.Pointer[map[string]bool]
}

func (c *catalogAuthorizer) set(restricted map[string]bool) {
	if restricted == nil {
		restricted = map[string]bool{}
	}
	c.restricted.Store(&restricted)
}

// CanBuild implements engine.Authorizer.
func (c *catalogAuthorizer) CanBuild(actor build.Actor, job string) error {
	return engine.RoleAuthorizer{Restricted: *c.restricted.Load()}.CanBuild(actor, job)
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// registerCloseable registers a component for cleanup during shutdown.
func (a *App) registerCloseable(closeable Closeable) {
	if closeable == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeables = append(a.closeables, closeable)
}

// RegisterCloseable registers an external component to be closed with the app.
func (a *App) RegisterCloseable(closeable Closeable) {
	a.registerCloseable(closeable)
}

// Close shuts down all registered components.
func (a *App) Close() error {
	return a.CloseWithTimeout(defaultShutdownTimeout)
}

// CloseWithTimeout gracefully shuts down the app with a custom timeout.
func (a *App) CloseWithTimeout(timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.logger.Debug("initiating container shutdown", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Close all registered closeables in reverse order (LIFO)
	var errs []error
	for i := len(a.closeables) - 1; i >= 0; i-- {
		if err := a.closeWithContext(ctx, a.closeables[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		a.logger.Warn("some components failed to close cleanly", "error_count", len(errs))
		return errs[0]
	}

	a.logger.Debug("container shutdown completed successfully")
	return nil
}

// closeWithContext closes a component with context cancellation support.
func (a *App) closeWithContext(ctx context.Context, closeable Closeable) error {
	done := make(chan error, 1)
	go func() {
		done <- closeable.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.logger.Warn("component close timed out", "error", ctx.Err())
		return ctx.Err()
	}
}
