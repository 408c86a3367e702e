package workers

import (
	"context"
	"log/slog"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/queue"
)

// ExpirySweeper expires queued requests whose deadline passed while no
// drain pass looked at them.
type ExpirySweeper struct {
	Queue  *queue.DurableQueue
	Logger *slog.Logger
}

func (s ExpirySweeper) RunOnce(ctx context.Context) error {
	expired := s.Queue.Sweep(ctx)
	if expired > 0 {
		application.ResolveLogger(s.Logger).Info("expiry sweep completed",
			"event", "edge_router_expiry_sweep_completed",
			"module", application.ModuleName,
			"layer", "worker",
			"expired_count", expired,
		)
	}
	return nil
}
