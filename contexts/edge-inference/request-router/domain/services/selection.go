package services

import (
	"sort"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
)

// SelectionPolicy decides which backend serves a request, given snapshots
// of backend health and load. It has no side effects.
type SelectionPolicy struct {
	// DeadlinePressure marks requests with less time than this left as
	// latency-bound: they go to the fastest backend that can still make it.
	DeadlinePressure time.Duration
}

func DefaultSelectionPolicy() SelectionPolicy {
	return SelectionPolicy{DeadlinePressure: 10 * time.Second}
}

// Select returns the name of the chosen backend, or false when none
// qualifies and the caller has to queue.
func (p SelectionPolicy) Select(req entities.Request, snapshots []entities.BackendSnapshot, now time.Time) (string, bool) {
	eligible := make([]entities.BackendSnapshot, 0, len(snapshots))
	for _, snapshot := range snapshots {
		if snapshot.Eligible() {
			eligible = append(eligible, snapshot)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}

	if req.Affinity != "" {
		for _, snapshot := range eligible {
			if snapshot.Descriptor.Name == req.Affinity {
				return snapshot.Descriptor.Name, true
			}
		}
	}

	if remaining, ok := req.Remaining(now); ok && p.underPressure(remaining, eligible) {
		return fastestWithin(eligible, remaining), true
	}

	var locals, remotes []entities.BackendSnapshot
	for _, snapshot := range eligible {
		if snapshot.Descriptor.Kind == entities.BackendLocal {
			locals = append(locals, snapshot)
		} else {
			remotes = append(remotes, snapshot)
		}
	}
	if len(locals) > 0 {
		return healthiest(locals), true
	}
	return healthiest(remotes), true
}

func (p SelectionPolicy) underPressure(remaining time.Duration, eligible []entities.BackendSnapshot) bool {
	if remaining < p.DeadlinePressure {
		return true
	}
	hasLocal := false
	for _, snapshot := range eligible {
		if snapshot.Descriptor.Kind != entities.BackendLocal {
			continue
		}
		hasLocal = true
		if snapshot.Descriptor.ExpectedLatency <= remaining {
			return false
		}
	}
	// Local backends exist but none can finish in time.
	return hasLocal
}

func fastestWithin(eligible []entities.BackendSnapshot, remaining time.Duration) string {
	fitting := make([]entities.BackendSnapshot, 0, len(eligible))
	for _, snapshot := range eligible {
		if snapshot.Descriptor.ExpectedLatency <= remaining {
			fitting = append(fitting, snapshot)
		}
	}
	if len(fitting) == 0 {
		fitting = eligible
	}
	sort.SliceStable(fitting, func(i, j int) bool {
		a, b := fitting[i], fitting[j]
		if a.Descriptor.ExpectedLatency != b.Descriptor.ExpectedLatency {
			return a.Descriptor.ExpectedLatency < b.Descriptor.ExpectedLatency
		}
		return healthLess(a, b)
	})
	return fitting[0].Descriptor.Name
}

func healthiest(candidates []entities.BackendSnapshot) string {
	sort.SliceStable(candidates, func(i, j int) bool {
		return healthLess(candidates[i], candidates[j])
	})
	return candidates[0].Descriptor.Name
}

func healthLess(a, b entities.BackendSnapshot) bool {
	if ra, rb := circuitRank(a.Circuit), circuitRank(b.Circuit); ra != rb {
		return ra < rb
	}
	if a.ConsecutiveFailures != b.ConsecutiveFailures {
		return a.ConsecutiveFailures < b.ConsecutiveFailures
	}
	if la, lb := a.Load(), b.Load(); la != lb {
		return la < lb
	}
	if a.Descriptor.OfflineCapable != b.Descriptor.OfflineCapable {
		return a.Descriptor.OfflineCapable
	}
	if a.Descriptor.ExpectedLatency != b.Descriptor.ExpectedLatency {
		return a.Descriptor.ExpectedLatency < b.Descriptor.ExpectedLatency
	}
	return a.Descriptor.Name < b.Descriptor.Name
}

func circuitRank(state entities.CircuitState) int {
	switch state {
	case entities.CircuitClosed:
		return 0
	case entities.CircuitHalfOpen:
		return 1
	default:
		return 2
	}
}
