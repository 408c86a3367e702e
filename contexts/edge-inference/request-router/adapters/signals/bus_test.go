package signalsadapter

import (
	"context"
	"testing"
	"time"

	"edgeway/contexts/edge-inference/request-router/ports"
	"edgeway/internal/platform/messaging"
)

func TestSignalsRoundTripOverBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(messaging.NewBus(nil), "", nil)
	received := make(chan ports.HealthSignal, 1)
	if err := bus.SubscribeSignals(ctx, func(_ context.Context, signal ports.HealthSignal) {
		received <- signal
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	at := time.Date(2026, time.September, 1, 6, 0, 0, 0, time.UTC)
	if err := bus.PublishSignal(ctx, ports.HealthSignal{Backend: "cloud", Kind: ports.SignalBackendRecovered, At: at}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case signal := <-received:
		if signal.Backend != "cloud" || signal.Kind != ports.SignalBackendRecovered || !signal.At.Equal(at) {
			t.Fatalf("unexpected signal: %+v", signal)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("signal not delivered")
	}
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	bus := NewBus(messaging.NewBus(nil), "drain-loop", nil)
	if err := bus.PublishSignal(context.Background(), ports.HealthSignal{Backend: "local", Kind: ports.SignalCapacityFreed}); err != nil {
		t.Fatalf("expected publish to succeed, got %v", err)
	}
}
