package services

import (
	"testing"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)}
}

func TestCircuitBreakerOpensAfterExactlyThresholdFailures(t *testing.T) {
	for _, threshold := range []int{1, 3, 5} {
		clock := newManualClock()
		breaker := NewCircuitBreaker("local", BreakerConfig{
			FailureThreshold: threshold,
			BaseCooldown:     time.Second,
		}, clock.Now)

		for i := 1; i < threshold; i++ {
			breaker.Begin()
			breaker.RecordOutcome(false)
			if breaker.State() != entities.CircuitClosed {
				t.Fatalf("threshold %d: expected closed after %d failures, got %s", threshold, i, breaker.State())
			}
		}
		breaker.Begin()
		breaker.RecordOutcome(false)
		if breaker.State() != entities.CircuitOpen {
			t.Fatalf("threshold %d: expected open after %d failures, got %s", threshold, threshold, breaker.State())
		}
	}
}

func TestCircuitBreakerSuccessResetsStreak(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker("local", BreakerConfig{FailureThreshold: 3, BaseCooldown: time.Second}, clock.Now)
	breaker.RecordOutcome(false)
	breaker.RecordOutcome(false)
	breaker.RecordOutcome(true)
	breaker.RecordOutcome(false)
	breaker.RecordOutcome(false)
	if breaker.State() != entities.CircuitClosed {
		t.Fatalf("expected success to reset the streak, got %s", breaker.State())
	}
}

func TestCircuitBreakerFailureWindowRestartsStreak(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker("local", BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    10 * time.Second,
		BaseCooldown:     time.Second,
	}, clock.Now)
	breaker.RecordOutcome(false)
	breaker.RecordOutcome(false)
	clock.Advance(11 * time.Second)
	breaker.RecordOutcome(false)
	if breaker.State() != entities.CircuitClosed {
		t.Fatalf("expected stale failures to fall out of the window, got %s", breaker.State())
	}
	if breaker.ConsecutiveFailures() != 1 {
		t.Fatalf("expected streak restarted at 1, got %d", breaker.ConsecutiveFailures())
	}
}

func TestCircuitBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker("remote", BreakerConfig{
		FailureThreshold: 3,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      time.Minute,
	}, clock.Now)

	var transitions []BreakerTransition
	breaker.OnTransition(func(tr BreakerTransition) {
		transitions = append(transitions, tr)
	})

	for i := 0; i < 3; i++ {
		breaker.Begin()
		breaker.RecordOutcome(false)
	}
	if breaker.MayAttempt() || breaker.Begin() {
		t.Fatalf("expected open breaker to refuse attempts during cooldown")
	}

	clock.Advance(5 * time.Second)
	if !breaker.MayAttempt() {
		t.Fatalf("expected attempt allowed once cooldown elapsed")
	}
	if !breaker.Begin() {
		t.Fatalf("expected first caller to become the probe")
	}
	if breaker.State() != entities.CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", breaker.State())
	}
	if breaker.Begin() || breaker.MayAttempt() {
		t.Fatalf("expected second probe to be refused")
	}

	breaker.RecordOutcome(true)
	if breaker.State() != entities.CircuitClosed {
		t.Fatalf("expected probe success to close, got %s", breaker.State())
	}
	if breaker.ConsecutiveFailures() != 0 || breaker.OpenCount() != 0 {
		t.Fatalf("expected counters reset, got failures=%d opens=%d", breaker.ConsecutiveFailures(), breaker.OpenCount())
	}

	want := []entities.CircuitState{entities.CircuitOpen, entities.CircuitHalfOpen, entities.CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), transitions)
	}
	for i, state := range want {
		if transitions[i].To != state {
			t.Fatalf("transition %d: expected %s, got %s", i, state, transitions[i].To)
		}
	}
}

func TestCircuitBreakerFailedProbeDoublesCooldown(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker("remote", BreakerConfig{
		FailureThreshold: 1,
		BaseCooldown:     4 * time.Second,
		MaxCooldown:      10 * time.Second,
	}, clock.Now)

	breaker.Begin()
	breaker.RecordOutcome(false)
	if breaker.Cooldown() != 4*time.Second {
		t.Fatalf("expected base cooldown, got %s", breaker.Cooldown())
	}

	clock.Advance(4 * time.Second)
	breaker.Begin()
	breaker.RecordOutcome(false)
	if breaker.State() != entities.CircuitOpen || breaker.Cooldown() != 8*time.Second {
		t.Fatalf("expected reopen with 8s cooldown, got %s %s", breaker.State(), breaker.Cooldown())
	}

	clock.Advance(8 * time.Second)
	breaker.Begin()
	breaker.RecordOutcome(false)
	if breaker.Cooldown() != 10*time.Second {
		t.Fatalf("expected cooldown capped at 10s, got %s", breaker.Cooldown())
	}
}

func TestCircuitBreakerAbandonFreesProbe(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker("remote", BreakerConfig{FailureThreshold: 1, BaseCooldown: time.Second}, clock.Now)
	breaker.RecordOutcome(false)
	clock.Advance(time.Second)
	if !breaker.Begin() {
		t.Fatalf("expected probe")
	}
	breaker.Abandon()
	if !breaker.Begin() {
		t.Fatalf("expected abandoned probe slot to be reusable")
	}
}

func TestCircuitBreakerIgnoresStragglersWhileOpen(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker("remote", BreakerConfig{FailureThreshold: 1, BaseCooldown: time.Minute}, clock.Now)
	breaker.RecordOutcome(false)
	breaker.RecordOutcome(true)
	if breaker.State() != entities.CircuitOpen {
		t.Fatalf("expected late success not to close an open breaker, got %s", breaker.State())
	}
}

func TestBackoffPolicyIsBoundedExponential(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}
	cases := map[int]time.Duration{
		0:  0,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		4:  8 * time.Second,
		5:  10 * time.Second,
		60: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := policy.Delay(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}
