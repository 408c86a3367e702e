package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	requestrouter "edgeway/contexts/edge-inference/request-router"
	"edgeway/contexts/edge-inference/request-router/adapters/backends"
	"edgeway/contexts/edge-inference/request-router/adapters/memory"
	postgresadapter "edgeway/contexts/edge-inference/request-router/adapters/postgres"
	signalsadapter "edgeway/contexts/edge-inference/request-router/adapters/signals"
	sqliteadapter "edgeway/contexts/edge-inference/request-router/adapters/sqlite"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/contexts/edge-inference/request-router/domain/services"
	"edgeway/contexts/edge-inference/request-router/ports"
	"edgeway/internal/platform/config"
	"edgeway/internal/platform/db"
	"edgeway/internal/platform/httpserver"
	"edgeway/internal/platform/messaging"
	"edgeway/internal/platform/metrics"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server          *httpserver.Server
	gateway         requestrouter.Module
	metrics         *metrics.Recorder
	closers         []io.Closer
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// BuildAPI wires the gateway for the configured profile. configPath may be
// empty.
func BuildAPI(configPath string) (*APIApp, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr).
		With("service", cfg.ServiceName, "process", "api", "profile", cfg.Profile)
	slog.SetDefault(logger)

	app := &APIApp{
		sweepInterval:   cfg.Sweep.Interval,
		shutdownTimeout: cfg.HTTP.ShutdownTimeout,
		logger:          logger,
	}

	store, clock, ids, err := app.openStore(cfg, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	registrations, err := BuildBackends(cfg.Backends)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	bus := messaging.NewBus(logger)
	signals := signalsadapter.NewBus(bus, "drain-loop", logger)
	recorder := metrics.NewRecorder()

	gateway, err := requestrouter.NewModule(requestrouter.Dependencies{
		Backends:        registrations,
		Store:           store,
		Clock:           clock,
		IDGenerator:     ids,
		Metrics:         recorder,
		Signals:         signals,
		Subscriber:      signals,
		MemoryBudget:    cfg.Memory.BudgetBytes,
		MaxQueueEntries: cfg.Queue.MaxEntries,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		Backoff: services.BackoffPolicy{
			Base:       cfg.Retry.BackoffBase,
			Max:        cfg.Retry.BackoffMax,
			Multiplier: cfg.Retry.Multiplier,
		},
		Breaker: services.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			FailureWindow:    cfg.Breaker.FailureWindow,
			BaseCooldown:     cfg.Breaker.BaseCooldown,
			MaxCooldown:      cfg.Breaker.MaxCooldown,
		},
		Selection: services.SelectionPolicy{DeadlinePressure: cfg.Selection.DeadlinePressure},
		Tracking: tracker.Config{
			Retention:           cfg.Tracking.Retention,
			DeadLetterRetention: cfg.Tracking.DeadLetterRetention,
			MaxTerminal:         cfg.Tracking.MaxTerminal,
		},
		DispatchTimeout:  cfg.DispatchTimeout,
		DrainInterval:    cfg.Drain.Interval,
		DrainBatch:       cfg.Drain.BatchSize,
		DrainConcurrency: cfg.Drain.Concurrency,
		Logger:           logger,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	recorder.Observe(GaugeSource(gateway))

	app.gateway = gateway
	app.metrics = recorder
	app.server = httpserver.New(gateway, httpserver.Options{
		Addr:              normalizeAddr(cfg.HTTP.Addr),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		EnableSwagger:     cfg.HTTP.EnableSwagger,
		Metrics:           recorder.Handler(),
	}, logger)

	logger.Info("gateway wired",
		"event", "bootstrap_api_wired",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"durability", cfg.Queue.Durability,
		"backends", len(registrations),
		"memory_budget_bytes", cfg.Memory.BudgetBytes,
	)
	return app, nil
}

// Run restores the persisted queue, then serves HTTP and runs the background
// workers until ctx ends or one of them fails.
func (a *APIApp) Run(ctx context.Context) error {
	restored, err := a.gateway.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	a.logger.Info("api app started",
		"event", "bootstrap_api_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"restored", restored,
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(a.server.Start)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return a.gateway.Drain.Run(ctx)
	})
	group.Go(func() error {
		return a.runMaintenance(ctx)
	})
	return group.Wait()
}

func (a *APIApp) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

func (a *APIApp) runMaintenance(ctx context.Context) error {
	interval := a.sweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("maintenance loop started",
		"event", "bootstrap_maintenance_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"interval", interval.String(),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := a.gateway.Sweeper.RunOnce(ctx); err != nil {
			return err
		}
		if err := a.gateway.Pruner.RunOnce(ctx); err != nil {
			return err
		}
	}
}

func (a *APIApp) openStore(cfg config.Config, logger *slog.Logger) (ports.QueueStore, ports.Clock, ports.IDGenerator, error) {
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.Queue.Durability {
	case config.DurabilitySQLite:
		lite, err := db.OpenSQLite(cfg.Queue.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, lite)
		store := sqliteadapter.NewStore(lite.DB, logger)
		if err := store.Migrate(migrateCtx); err != nil {
			return nil, nil, nil, err
		}
		return store, store, store, nil
	case config.DurabilityPostgres:
		pg, err := db.Connect(cfg.Queue.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, pg)
		repo := postgresadapter.NewRepository(pg.DB, logger)
		if err := repo.Migrate(migrateCtx); err != nil {
			return nil, nil, nil, fmt.Errorf("migrate postgres queue: %w", err)
		}
		return repo, postgresadapter.SystemClock{}, postgresadapter.UUIDGenerator{}, nil
	default:
		store := memory.NewStore(logger)
		return store, store, store, nil
	}
}

// BuildBackends turns backend declarations into dispatchers.
func BuildBackends(declared []config.Backend) ([]requestrouter.BackendRegistration, error) {
	out := make([]requestrouter.BackendRegistration, 0, len(declared))
	for _, item := range declared {
		kind, err := entities.ParseBackendKind(item.Kind)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", item.Name, err)
		}
		capacity := item.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		timeout := item.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}

		var dispatcher ports.Dispatcher
		switch kind {
		case entities.BackendLocal:
			dispatcher = backends.NewLocalModel(item.Name, item.Endpoint, item.Model, timeout)
		case entities.BackendRemote:
			dispatcher = backends.NewRemoteAPI(item.Name, item.Endpoint, item.APIKey, item.Model, timeout)
		}
		out = append(out, requestrouter.BackendRegistration{
			Descriptor: entities.BackendDescriptor{
				Name:            item.Name,
				Kind:            kind,
				Capacity:        capacity,
				ExpectedLatency: item.ExpectedLatency,
				OfflineCapable:  item.OfflineCapable,
			},
			Dispatcher: dispatcher,
		})
	}
	return out, nil
}

// GaugeSource reads gateway state for the metrics collector.
func GaugeSource(gateway requestrouter.Module) func() metrics.Gauges {
	return func() metrics.Gauges {
		stats := gateway.Queue.Stats()
		depth := make(map[string]int, len(entities.Priorities))
		for _, priority := range entities.Priorities {
			depth[string(priority)] = stats.ByPriority[priority]
		}
		snapshots := gateway.Pool.Snapshots()
		backendGauges := make([]metrics.BackendGauge, 0, len(snapshots))
		for _, snapshot := range snapshots {
			backendGauges = append(backendGauges, metrics.BackendGauge{
				Name:     snapshot.Descriptor.Name,
				Circuit:  string(snapshot.Circuit),
				InFlight: snapshot.InFlight,
				Capacity: snapshot.Descriptor.Capacity,
			})
		}
		return metrics.Gauges{
			QueueDepth:        depth,
			Leased:            stats.Leased,
			OldestPendingSecs: stats.OldestPendingAge.Seconds(),
			Backends:          backendGauges,
			ResourceUsed:      gateway.Monitor.Used(),
			ResourceBudget:    gateway.Monitor.Budget(),
			AccountingTripped: gateway.Monitor.Tripped(),
		}
	}
}

// NewLogger builds a JSON (default) or text slog logger at level.
func NewLogger(level string, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func normalizeAddr(addr string) string {
	value := strings.TrimSpace(addr)
	if value == "" {
		return ":8080"
	}
	if strings.Contains(value, ":") {
		return value
	}
	return ":" + value
}
