package queries

import (
	"context"
	"time"

	"edgeway/contexts/edge-inference/request-router/application/queue"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/contexts/edge-inference/request-router/domain/services"
)

type QueueStatusResult struct {
	QueueSize        int
	ByPriority       map[entities.Priority]int
	OldestPendingAge time.Duration
	InFlight         int
	DeadLettered     int
	MaxEntries       int
	ResourceUsed     int64
	ResourceBudget   int64
}

type QueueStatusUseCase struct {
	Queue   *queue.DurableQueue
	Tracker *tracker.Tracker
	Monitor *services.ResourceMonitor
}

func (u QueueStatusUseCase) Execute(_ context.Context) (QueueStatusResult, error) {
	stats := u.Queue.Stats()
	counts := u.Tracker.Counts()
	return QueueStatusResult{
		QueueSize:        stats.Queued,
		ByPriority:       stats.ByPriority,
		OldestPendingAge: stats.OldestPendingAge,
		InFlight:         counts[entities.StateInFlight],
		DeadLettered:     counts[entities.StateDeadLettered],
		MaxEntries:       stats.MaxEntries,
		ResourceUsed:     u.Monitor.Used(),
		ResourceBudget:   u.Monitor.Budget(),
	}, nil
}
