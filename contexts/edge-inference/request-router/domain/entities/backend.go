package entities

import (
	"fmt"
	"strings"
	"time"

	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendRemote BackendKind = "remote"
)

func ParseBackendKind(raw string) (BackendKind, error) {
	switch BackendKind(strings.ToLower(strings.TrimSpace(raw))) {
	case BackendLocal:
		return BackendLocal, nil
	case BackendRemote:
		return BackendRemote, nil
	default:
		return "", fmt.Errorf("unknown backend kind %q", raw)
	}
}

// BackendDescriptor is the capability descriptor of one serving target.
type BackendDescriptor struct {
	Name            string
	Kind            BackendKind
	Capacity        int
	ExpectedLatency time.Duration
	OfflineCapable  bool
}

func (d BackendDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: backend name is required", domainerrors.ErrInvalidRequest)
	}
	if d.Kind != BackendLocal && d.Kind != BackendRemote {
		return fmt.Errorf("%w: backend %s has unknown kind %q", domainerrors.ErrInvalidRequest, d.Name, d.Kind)
	}
	if d.Capacity <= 0 {
		return fmt.Errorf("%w: backend %s capacity must be positive", domainerrors.ErrInvalidRequest, d.Name)
	}
	return nil
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BackendSnapshot is a point-in-time view of one backend's health and load.
type BackendSnapshot struct {
	Descriptor          BackendDescriptor
	Circuit             CircuitState
	MayAttempt          bool
	ConsecutiveFailures int
	OpenCount           int
	InFlight            int
}

func (s BackendSnapshot) AtCapacity() bool {
	return s.InFlight >= s.Descriptor.Capacity
}

func (s BackendSnapshot) Eligible() bool {
	return s.MayAttempt && !s.AtCapacity()
}

// Load is the fraction of capacity in use.
func (s BackendSnapshot) Load() float64 {
	if s.Descriptor.Capacity <= 0 {
		return 1
	}
	return float64(s.InFlight) / float64(s.Descriptor.Capacity)
}
