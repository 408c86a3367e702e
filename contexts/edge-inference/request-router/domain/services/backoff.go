package services

import (
	"math"
	"time"
)

// BackoffPolicy is a bounded exponential curve over attempt counts.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       2 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2,
	}
}

// Delay returns the backoff for a request that has failed attempt times.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := float64(p.Base) * math.Pow(multiplier, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
