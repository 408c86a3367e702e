package ports

import (
	"context"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
)

// Dispatcher is the serving capability shared by local models and remote
// APIs. The router and the pool depend on nothing else about a backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, req entities.Request) (entities.Completion, error)
}

// QueueStore persists queue entries for crash durability. Rows are keyed by
// request id and unique on (priority, sequence).
type QueueStore interface {
	SaveEntry(ctx context.Context, entry entities.QueueEntry) error
	DeleteEntry(ctx context.Context, requestID string) error
	LoadEntries(ctx context.Context) ([]entities.QueueEntry, error)
}

// Clock allows deterministic testing of deadlines, cooldowns and backoff.
type Clock interface {
	Now() time.Time
}

// IDGenerator assigns request ids at ingestion.
type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// Outcome labels used for request counters.
const (
	OutcomeDispatched = "dispatched"
	OutcomeQueued     = "queued"
	OutcomeRejected   = "rejected"
)

// MetricsRecorder receives counter events from the core. Gauges are read
// from snapshots at scrape time instead.
type MetricsRecorder interface {
	RequestHandled(outcome string, reason string)
	DispatchFinished(backend string, success bool, latency time.Duration)
	Evicted(priority entities.Priority)
	DeadLettered(priority entities.Priority)
	Expired(reason string)
	Delivered(priority entities.Priority)
}

// HealthSignal tells the drain loop that work may be dispatchable again.
type HealthSignal struct {
	Backend string
	Kind    string
	At      time.Time
}

const (
	SignalBackendRecovered = "backend.recovered"
	SignalBackendProbing   = "backend.probing"
	SignalCapacityFreed    = "backend.capacity_freed"
)

// SignalPublisher emits health signals.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, signal HealthSignal) error
}

// SignalSubscriber delivers health signals to handler until ctx ends.
type SignalSubscriber interface {
	SubscribeSignals(ctx context.Context, handler func(context.Context, HealthSignal)) error
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) RequestHandled(string, string)                {}
func (NoopMetrics) DispatchFinished(string, bool, time.Duration) {}
func (NoopMetrics) Evicted(entities.Priority)                    {}
func (NoopMetrics) DeadLettered(entities.Priority)               {}
func (NoopMetrics) Expired(string)                               {}
func (NoopMetrics) Delivered(entities.Priority)                  {}
