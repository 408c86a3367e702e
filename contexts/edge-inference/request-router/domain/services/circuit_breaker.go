package services

import (
	"sync"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
)

type BreakerConfig struct {
	FailureThreshold int
	// FailureWindow bounds how far apart the failures of one streak may be.
	// Zero disables the window.
	FailureWindow time.Duration
	BaseCooldown  time.Duration
	MaxCooldown   time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = def.BaseCooldown
	}
	if c.MaxCooldown < c.BaseCooldown {
		c.MaxCooldown = c.BaseCooldown
	}
	return c
}

// BreakerTransition describes one state change of a breaker.
type BreakerTransition struct {
	Backend             string
	From                entities.CircuitState
	To                  entities.CircuitState
	ConsecutiveFailures int
	OpenCount           int
	Cooldown            time.Duration
	At                  time.Time
}

// CircuitBreaker is the health gate of a single backend.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	backend        string
	state          entities.CircuitState
	failures       int
	streakStart    time.Time
	openCount      int
	openedAt       time.Time
	cooldown       time.Duration
	probeInFlight  bool
	lastTransition time.Time

	onTransition func(BreakerTransition)
}

func NewCircuitBreaker(backend string, cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		cfg:            cfg.normalized(),
		now:            now,
		backend:        backend,
		state:          entities.CircuitClosed,
		lastTransition: now().UTC(),
	}
}

// OnTransition registers a callback fired after each state change, outside
// the breaker lock.
func (b *CircuitBreaker) OnTransition(fn func(BreakerTransition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// MayAttempt reports whether an attempt would be let through. It never
// changes state.
func (b *CircuitBreaker) MayAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case entities.CircuitClosed:
		return true
	case entities.CircuitOpen:
		return b.cooldownElapsed(b.now())
	case entities.CircuitHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

// Begin claims an attempt. After the cooldown the first caller moves the
// breaker to half-open and becomes its only probe.
func (b *CircuitBreaker) Begin() bool {
	b.mu.Lock()
	var fired *BreakerTransition
	allowed := false

	switch b.state {
	case entities.CircuitClosed:
		allowed = true
	case entities.CircuitOpen:
		now := b.now()
		if b.cooldownElapsed(now) {
			fired = b.transition(entities.CircuitHalfOpen, now)
			b.probeInFlight = true
			allowed = true
		}
	case entities.CircuitHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed = true
		}
	}
	hook := b.onTransition
	b.mu.Unlock()

	if fired != nil && hook != nil {
		hook(*fired)
	}
	return allowed
}

// RecordOutcome is called exactly once per finished attempt.
func (b *CircuitBreaker) RecordOutcome(success bool) {
	b.mu.Lock()
	now := b.now()
	var fired *BreakerTransition

	switch b.state {
	case entities.CircuitClosed:
		if success {
			b.failures = 0
			b.streakStart = time.Time{}
			break
		}
		if b.failures > 0 && b.cfg.FailureWindow > 0 && now.Sub(b.streakStart) > b.cfg.FailureWindow {
			b.failures = 0
		}
		if b.failures == 0 {
			b.streakStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			fired = b.trip(now)
		}
	case entities.CircuitHalfOpen:
		b.probeInFlight = false
		if success {
			b.failures = 0
			b.openCount = 0
			b.streakStart = time.Time{}
			fired = b.transition(entities.CircuitClosed, now)
		} else {
			b.failures++
			fired = b.trip(now)
		}
	case entities.CircuitOpen:
		// Stragglers started before the breaker opened do not move it.
		if !success {
			b.failures++
		}
	}
	hook := b.onTransition
	b.mu.Unlock()

	if fired != nil && hook != nil {
		hook(*fired)
	}
}

// Abandon hands back an attempt claimed by Begin that was never made.
func (b *CircuitBreaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == entities.CircuitHalfOpen {
		b.probeInFlight = false
	}
}

func (b *CircuitBreaker) State() entities.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *CircuitBreaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCount
}

// Cooldown is the wait applied by the current (or last) open period.
func (b *CircuitBreaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

func (b *CircuitBreaker) LastTransition() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTransition
}

func (b *CircuitBreaker) cooldownElapsed(now time.Time) bool {
	return !now.Before(b.openedAt.Add(b.cooldown))
}

func (b *CircuitBreaker) trip(now time.Time) *BreakerTransition {
	b.openCount++
	b.cooldown = b.cooldownFor(b.openCount)
	b.openedAt = now
	return b.transition(entities.CircuitOpen, now)
}

func (b *CircuitBreaker) cooldownFor(opens int) time.Duration {
	cooldown := b.cfg.BaseCooldown
	for i := 1; i < opens; i++ {
		cooldown *= 2
		if cooldown >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	return cooldown
}

func (b *CircuitBreaker) transition(to entities.CircuitState, now time.Time) *BreakerTransition {
	from := b.state
	b.state = to
	b.lastTransition = now.UTC()
	return &BreakerTransition{
		Backend:             b.backend,
		From:                from,
		To:                  to,
		ConsecutiveFailures: b.failures,
		OpenCount:           b.openCount,
		Cooldown:            b.cooldown,
		At:                  now.UTC(),
	}
}
