package workers

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/commands"
	"edgeway/contexts/edge-inference/request-router/application/pool"
	"edgeway/contexts/edge-inference/request-router/application/queue"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/contexts/edge-inference/request-router/ports"
)

const (
	defaultDrainInterval    = time.Second
	defaultDrainBatch       = 16
	defaultDrainConcurrency = 4
)

// DrainLoop re-offers queued requests to the pool. It runs on a ticker and
// is also woken by health signals.
type DrainLoop struct {
	Queue       *queue.DurableQueue
	Pool        *pool.Pool
	Router      *commands.Router
	Signals     ports.SignalSubscriber
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Logger      *slog.Logger
}

type DrainResult struct {
	Leased     int
	Dispatched int
	PutBack    int
	Delivered  int
	Requeued   int
	Rejected   int
}

// RunOnce leases one batch, selects and acquires a backend for each entry in
// queue order, and dispatches the acquired ones concurrently. Entries left
// without a backend go back untouched.
func (d DrainLoop) RunOnce(ctx context.Context) (DrainResult, error) {
	logger := application.ResolveLogger(d.Logger)

	entries := d.Queue.DequeueBatch(ctx, d.batchSize())
	result := DrainResult{Leased: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	outcomes := make([]commands.Outcome, len(entries))
	var group errgroup.Group
	group.SetLimit(d.concurrency())

	var leftover []entities.QueueEntry
	for i, entry := range entries {
		backend, ok := d.Pool.Select(entry.Request)
		if !ok || !d.Pool.Acquire(backend) {
			leftover = entries[i:]
			break
		}
		result.Dispatched++
		group.Go(func() error {
			outcomes[i] = d.Router.DispatchLeased(ctx, backend, entry)
			return nil
		})
	}
	d.Queue.PutBack(ctx, leftover)
	result.PutBack = len(leftover)
	if err := group.Wait(); err != nil {
		return result, err
	}

	for _, outcome := range outcomes[:result.Dispatched] {
		switch outcome.Kind {
		case commands.OutcomeDispatched:
			result.Delivered++
		case commands.OutcomeQueued:
			result.Requeued++
		case commands.OutcomeRejected:
			result.Rejected++
		}
	}
	if result.Dispatched > 0 {
		logger.Info("drain pass completed",
			"event", "edge_router_drain_completed",
			"module", application.ModuleName,
			"layer", "worker",
			"leased", result.Leased,
			"dispatched", result.Dispatched,
			"delivered", result.Delivered,
			"requeued", result.Requeued,
			"rejected", result.Rejected,
			"put_back", result.PutBack,
		)
	}
	return result, nil
}

// Run drains until ctx is cancelled. A full batch is followed immediately by
// another pass; otherwise the loop waits for the ticker or a signal.
func (d DrainLoop) Run(ctx context.Context) error {
	logger := application.ResolveLogger(d.Logger)
	wake := make(chan struct{}, 1)
	if d.Signals != nil {
		err := d.Signals.SubscribeSignals(ctx, func(_ context.Context, signal ports.HealthSignal) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return err
		}
	}

	ticker := time.NewTicker(d.interval())
	defer ticker.Stop()
	for {
		result, err := d.RunOnce(ctx)
		if err != nil {
			logger.Error("drain pass failed",
				"event", "edge_router_drain_failed",
				"module", application.ModuleName,
				"layer", "worker",
				"error", err.Error(),
			)
		}
		if result.Leased == d.batchSize() && result.PutBack == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (d DrainLoop) interval() time.Duration {
	if d.Interval > 0 {
		return d.Interval
	}
	return defaultDrainInterval
}

func (d DrainLoop) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return defaultDrainBatch
}

func (d DrainLoop) concurrency() int {
	if d.Concurrency > 0 {
		return d.Concurrency
	}
	return defaultDrainConcurrency
}
