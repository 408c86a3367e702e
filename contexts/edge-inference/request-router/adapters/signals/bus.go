package signalsadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"edgeway/contexts/edge-inference/request-router/ports"
	"edgeway/internal/shared/events"

	"github.com/google/uuid"
)

const (
	Topic         = "edge-inference.backend-health"
	sourceService = "edge-inference/request-router"
	entityType    = "backend"
	payloadV1     = 1
)

// EventBus is the slice of the platform bus the adapter needs.
type EventBus interface {
	Publish(ctx context.Context, topic string, event events.Envelope) error
	Subscribe(ctx context.Context, topic string, consumerGroup string, handler func(context.Context, events.Envelope) error) error
}

// Bus carries backend health signals as envelopes on an event bus.
type Bus struct {
	bus    EventBus
	group  string
	logger *slog.Logger
}

func NewBus(bus EventBus, consumerGroup string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if consumerGroup == "" {
		consumerGroup = "drain-loop"
	}
	return &Bus{bus: bus, group: consumerGroup, logger: logger}
}

func (b *Bus) PublishSignal(ctx context.Context, signal ports.HealthSignal) error {
	payload, err := json.Marshal(signalPayload{
		Backend: signal.Backend,
		Kind:    signal.Kind,
	})
	if err != nil {
		return fmt.Errorf("encode health signal: %w", err)
	}
	return b.bus.Publish(ctx, Topic, events.Envelope{
		EventID:        uuid.NewString(),
		EventType:      signal.Kind,
		SourceService:  sourceService,
		OccurredAtUTC:  signal.At.UTC(),
		EntityType:     entityType,
		EntityID:       signal.Backend,
		PayloadVersion: payloadV1,
		Payload:        payload,
	})
}

func (b *Bus) SubscribeSignals(ctx context.Context, handler func(context.Context, ports.HealthSignal)) error {
	return b.bus.Subscribe(ctx, Topic, b.group, func(ctx context.Context, event events.Envelope) error {
		var payload signalPayload
		if err := event.Decode(&payload); err != nil {
			return fmt.Errorf("decode health signal %s: %w", event.EventID, err)
		}
		handler(ctx, ports.HealthSignal{
			Backend: payload.Backend,
			Kind:    payload.Kind,
			At:      event.OccurredAtUTC,
		})
		return nil
	})
}

type signalPayload struct {
	Backend string `json:"backend"`
	Kind    string `json:"kind"`
}
