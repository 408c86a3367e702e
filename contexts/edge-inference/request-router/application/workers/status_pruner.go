package workers

import (
	"context"
	"log/slog"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/ports"
)

// StatusPruner drops terminal request statuses past their retention.
type StatusPruner struct {
	Tracker *tracker.Tracker
	Clock   ports.Clock
	Logger  *slog.Logger
}

func (p StatusPruner) RunOnce(_ context.Context) error {
	removed := p.Tracker.Prune(application.Now(p.Clock))
	if removed > 0 {
		application.ResolveLogger(p.Logger).Debug("status prune completed",
			"event", "edge_router_status_prune_completed",
			"module", application.ModuleName,
			"layer", "worker",
			"removed_count", removed,
		)
	}
	return nil
}
