package requestrouter

import (
	"context"
	"log/slog"
	"time"

	httpadapter "edgeway/contexts/edge-inference/request-router/adapters/http"
	"edgeway/contexts/edge-inference/request-router/adapters/memory"
	"edgeway/contexts/edge-inference/request-router/application/commands"
	"edgeway/contexts/edge-inference/request-router/application/pool"
	"edgeway/contexts/edge-inference/request-router/application/queries"
	"edgeway/contexts/edge-inference/request-router/application/queue"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/application/workers"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/contexts/edge-inference/request-router/domain/services"
	"edgeway/contexts/edge-inference/request-router/ports"
)

// Module owns every piece of gateway state. Several modules can coexist in
// one process.
type Module struct {
	Handler httpadapter.Handler
	Router  *commands.Router
	Queue   *queue.DurableQueue
	Pool    *pool.Pool
	Monitor *services.ResourceMonitor
	Tracker *tracker.Tracker
	Drain   workers.DrainLoop
	Sweeper workers.ExpirySweeper
	Pruner  workers.StatusPruner
	Store   *memory.Store
}

type BackendRegistration struct {
	Descriptor entities.BackendDescriptor
	Dispatcher ports.Dispatcher
}

type Dependencies struct {
	Backends         []BackendRegistration
	Store            ports.QueueStore
	Clock            ports.Clock
	IDGenerator      ports.IDGenerator
	Metrics          ports.MetricsRecorder
	Signals          ports.SignalPublisher
	Subscriber       ports.SignalSubscriber
	MemoryBudget     int64
	MaxQueueEntries  int
	MaxAttempts      int
	Backoff          services.BackoffPolicy
	Breaker          services.BreakerConfig
	Selection        services.SelectionPolicy
	Tracking         tracker.Config
	DispatchTimeout  time.Duration
	DrainInterval    time.Duration
	DrainBatch       int
	DrainConcurrency int
	Logger           *slog.Logger
}

// NewModule wires the router, queue and workers against explicit ports.
func NewModule(deps Dependencies) (Module, error) {
	monitor := services.NewResourceMonitor(deps.MemoryBudget)
	statuses := tracker.New(deps.Tracking)

	backends := pool.New(pool.Config{
		Breaker:   deps.Breaker,
		Selection: deps.Selection,
	}, deps.Clock, deps.Signals, deps.Logger)
	for _, registration := range deps.Backends {
		if err := backends.Register(registration.Descriptor, registration.Dispatcher); err != nil {
			return Module{}, err
		}
	}

	durable := queue.New(queue.Dependencies{
		Config:  queue.Config{MaxEntries: deps.MaxQueueEntries},
		Monitor: monitor,
		Store:   deps.Store,
		Tracker: statuses,
		Clock:   deps.Clock,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
	})

	backoff := deps.Backoff
	if backoff.Base <= 0 {
		backoff = services.DefaultBackoffPolicy()
	}
	router := &commands.Router{
		Pool:            backends,
		Queue:           durable,
		Monitor:         monitor,
		Tracker:         statuses,
		Backoff:         backoff,
		MaxAttempts:     deps.MaxAttempts,
		DispatchTimeout: deps.DispatchTimeout,
		Clock:           deps.Clock,
		Metrics:         deps.Metrics,
		Logger:          deps.Logger,
	}

	handler := httpadapter.Handler{
		SubmitCompletion: commands.SubmitCompletionUseCase{
			Router:      router,
			Tracker:     statuses,
			IDGenerator: deps.IDGenerator,
			Clock:       deps.Clock,
			Logger:      deps.Logger,
		},
		ReplayDeadLetter: commands.ReplayDeadLetterUseCase{
			Router:      router,
			Tracker:     statuses,
			IDGenerator: deps.IDGenerator,
			Clock:       deps.Clock,
			Logger:      deps.Logger,
		},
		QueueStatus: queries.QueueStatusUseCase{
			Queue:   durable,
			Tracker: statuses,
			Monitor: monitor,
		},
		Health: queries.HealthUseCase{
			Pool:    backends,
			Monitor: monitor,
		},
		GetRequest:      queries.GetRequestUseCase{Tracker: statuses},
		ListDeadLetters: queries.ListDeadLettersUseCase{Tracker: statuses},
		Logger:          deps.Logger,
	}

	return Module{
		Handler: handler,
		Router:  router,
		Queue:   durable,
		Pool:    backends,
		Monitor: monitor,
		Tracker: statuses,
		Drain: workers.DrainLoop{
			Queue:       durable,
			Pool:        backends,
			Router:      router,
			Signals:     deps.Subscriber,
			Interval:    deps.DrainInterval,
			BatchSize:   deps.DrainBatch,
			Concurrency: deps.DrainConcurrency,
			Logger:      deps.Logger,
		},
		Sweeper: workers.ExpirySweeper{Queue: durable, Logger: deps.Logger},
		Pruner:  workers.StatusPruner{Tracker: statuses, Clock: deps.Clock, Logger: deps.Logger},
	}, nil
}

// NewInMemoryModule wires the core against the in-memory store, which also
// supplies the clock and uuid ids. Passing an existing store simulates a
// restart over the same persisted queue.
func NewInMemoryModule(backends []BackendRegistration, store *memory.Store, memoryBudget int64, logger *slog.Logger) (Module, error) {
	if store == nil {
		store = memory.NewStore(logger)
	}
	module, err := NewModule(Dependencies{
		Backends:        backends,
		Store:           store,
		Clock:           store,
		IDGenerator:     store,
		MemoryBudget:    memoryBudget,
		MaxQueueEntries: 1024,
		MaxAttempts:     5,
		Tracking:        tracker.DefaultConfig(),
		DispatchTimeout: 30 * time.Second,
		Logger:          logger,
	})
	if err != nil {
		return Module{}, err
	}
	module.Store = store
	return module, nil
}

// Restore reloads the persisted queue. Call it before starting the drain
// loop.
func (m Module) Restore(ctx context.Context) (int, error) {
	return m.Queue.Restore(ctx)
}
