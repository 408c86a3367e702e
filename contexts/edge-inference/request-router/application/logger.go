package application

import (
	"log/slog"
	"time"

	"edgeway/contexts/edge-inference/request-router/ports"
)

const ModuleName = "edge-inference/request-router"

func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

func ResolveMetrics(metrics ports.MetricsRecorder) ports.MetricsRecorder {
	if metrics != nil {
		return metrics
	}
	return ports.NoopMetrics{}
}

// Now reads clock, falling back to wall time when no clock is wired.
func Now(clock ports.Clock) time.Time {
	if clock != nil {
		return clock.Now().UTC()
	}
	return time.Now().UTC()
}
