package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
	"edgeway/contexts/edge-inference/request-router/domain/services"
	"edgeway/contexts/edge-inference/request-router/ports"
)

type Config struct {
	Breaker   services.BreakerConfig
	Selection services.SelectionPolicy
}

type member struct {
	descriptor entities.BackendDescriptor
	dispatcher ports.Dispatcher
	breaker    *services.CircuitBreaker

	mu       sync.Mutex
	inFlight int
}

// Pool is the registry of serving backends. Each backend owns a circuit
// breaker and an in-flight counter bounded by its declared capacity.
type Pool struct {
	cfg     Config
	clock   ports.Clock
	signals ports.SignalPublisher
	logger  *slog.Logger

	mu      sync.RWMutex
	members map[string]*member
	order   []string
}

func New(cfg Config, clock ports.Clock, signals ports.SignalPublisher, logger *slog.Logger) *Pool {
	if cfg.Selection.DeadlinePressure <= 0 {
		cfg.Selection = services.DefaultSelectionPolicy()
	}
	return &Pool{
		cfg:     cfg,
		clock:   clock,
		signals: signals,
		logger:  application.ResolveLogger(logger),
		members: make(map[string]*member),
	}
}

// Register adds a backend with a fresh closed breaker.
func (p *Pool) Register(descriptor entities.BackendDescriptor, dispatcher ports.Dispatcher) error {
	if err := descriptor.Validate(); err != nil {
		return err
	}
	if dispatcher == nil {
		return fmt.Errorf("%w: backend %s has no dispatcher", domainerrors.ErrInvalidRequest, descriptor.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.members[descriptor.Name]; exists {
		return fmt.Errorf("%w: %s", domainerrors.ErrDuplicateBackend, descriptor.Name)
	}

	breaker := services.NewCircuitBreaker(descriptor.Name, p.cfg.Breaker, func() time.Time {
		return application.Now(p.clock)
	})
	breaker.OnTransition(p.onTransition)
	p.members[descriptor.Name] = &member{
		descriptor: descriptor,
		dispatcher: dispatcher,
		breaker:    breaker,
	}
	p.order = append(p.order, descriptor.Name)
	sort.Strings(p.order)
	return nil
}

// Select picks a backend for req without claiming it.
func (p *Pool) Select(req entities.Request) (string, bool) {
	return p.cfg.Selection.Select(req, p.Snapshots(), application.Now(p.clock))
}

// Acquire claims one capacity slot and one breaker attempt on name. The two
// are taken together so a half-open backend admits a single probe.
func (p *Pool) Acquire(name string) bool {
	m, ok := p.member(name)
	if !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight >= m.descriptor.Capacity {
		return false
	}
	if !m.breaker.Begin() {
		return false
	}
	m.inFlight++
	return true
}

// Dispatch runs req on an acquired backend. The caller must call Complete
// exactly once afterwards.
func (p *Pool) Dispatch(ctx context.Context, name string, req entities.Request) (entities.Completion, error) {
	m, ok := p.member(name)
	if !ok {
		return entities.Completion{}, fmt.Errorf("%w: %s", domainerrors.ErrBackendNotFound, name)
	}
	return m.dispatcher.Dispatch(ctx, req)
}

// Complete reports the outcome of an acquired attempt and frees its slot.
func (p *Pool) Complete(ctx context.Context, name string, dispatchErr error) error {
	m, ok := p.member(name)
	if !ok {
		return fmt.Errorf("%w: %s", domainerrors.ErrBackendNotFound, name)
	}
	m.breaker.RecordOutcome(dispatchErr == nil)

	m.mu.Lock()
	m.inFlight--
	underflow := m.inFlight < 0
	if underflow {
		m.inFlight = 0
	}
	m.mu.Unlock()
	if underflow {
		return fmt.Errorf("%w: backend %s completed more attempts than it started", domainerrors.ErrAccountingInvariant, name)
	}

	p.publish(ctx, ports.HealthSignal{Backend: name, Kind: ports.SignalCapacityFreed, At: application.Now(p.clock)})
	return nil
}

// Release frees a slot acquired for an attempt that never started. The
// breaker is left as it is, apart from handing back a claimed probe.
func (p *Pool) Release(name string) {
	m, ok := p.member(name)
	if !ok {
		return
	}
	m.breaker.Abandon()
	m.mu.Lock()
	if m.inFlight > 0 {
		m.inFlight--
	}
	m.mu.Unlock()
}

// Snapshots returns one view per backend, ordered by name.
func (p *Pool) Snapshots() []entities.BackendSnapshot {
	p.mu.RLock()
	members := make([]*member, 0, len(p.order))
	for _, name := range p.order {
		members = append(members, p.members[name])
	}
	p.mu.RUnlock()

	out := make([]entities.BackendSnapshot, 0, len(members))
	for _, m := range members {
		m.mu.Lock()
		inFlight := m.inFlight
		m.mu.Unlock()
		out = append(out, entities.BackendSnapshot{
			Descriptor:          m.descriptor,
			Circuit:             m.breaker.State(),
			MayAttempt:          m.breaker.MayAttempt(),
			ConsecutiveFailures: m.breaker.ConsecutiveFailures(),
			OpenCount:           m.breaker.OpenCount(),
			InFlight:            inFlight,
		})
	}
	return out
}

// AllOpen reports whether every registered breaker is open. An empty pool
// counts as all open.
func (p *Pool) AllOpen() bool {
	for _, snapshot := range p.Snapshots() {
		if snapshot.Circuit != entities.CircuitOpen {
			return false
		}
	}
	return true
}

func (p *Pool) Breaker(name string) (*services.CircuitBreaker, bool) {
	m, ok := p.member(name)
	if !ok {
		return nil, false
	}
	return m.breaker, true
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

func (p *Pool) member(name string) (*member, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.members[name]
	return m, ok
}

func (p *Pool) onTransition(transition services.BreakerTransition) {
	level := slog.LevelInfo
	if transition.To == entities.CircuitOpen {
		level = slog.LevelWarn
	}
	p.logger.Log(context.Background(), level, "backend circuit transition",
		"event", "edge_router_circuit_transition",
		"module", application.ModuleName,
		"layer", "application",
		"backend", transition.Backend,
		"from", string(transition.From),
		"to", string(transition.To),
		"consecutive_failures", transition.ConsecutiveFailures,
		"open_count", transition.OpenCount,
		"cooldown", transition.Cooldown.String(),
	)

	var kind string
	switch transition.To {
	case entities.CircuitClosed:
		kind = ports.SignalBackendRecovered
	case entities.CircuitHalfOpen:
		kind = ports.SignalBackendProbing
	default:
		return
	}
	p.publish(context.Background(), ports.HealthSignal{Backend: transition.Backend, Kind: kind, At: transition.At})
}

func (p *Pool) publish(ctx context.Context, signal ports.HealthSignal) {
	if p.signals == nil {
		return
	}
	if err := p.signals.PublishSignal(ctx, signal); err != nil {
		p.logger.Warn("health signal publish failed",
			"event", "edge_router_signal_publish_failed",
			"module", application.ModuleName,
			"layer", "application",
			"backend", signal.Backend,
			"kind", signal.Kind,
			"error", err.Error(),
		)
	}
}
