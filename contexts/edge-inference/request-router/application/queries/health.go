package queries

import (
	"context"

	"edgeway/contexts/edge-inference/request-router/application/pool"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/contexts/edge-inference/request-router/domain/services"
)

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

type HealthResult struct {
	Status            string
	AccountingTripped bool
	Backends          []entities.BackendSnapshot
}

// HealthUseCase reports degraded when no backend can be reached or the
// memory books no longer balance.
type HealthUseCase struct {
	Pool    *pool.Pool
	Monitor *services.ResourceMonitor
}

func (u HealthUseCase) Execute(_ context.Context) (HealthResult, error) {
	snapshots := u.Pool.Snapshots()
	tripped := u.Monitor.Tripped()
	if !tripped {
		tripped = u.Monitor.Verify() != nil
	}

	status := HealthOK
	if tripped || u.Pool.AllOpen() {
		status = HealthDegraded
	}
	return HealthResult{
		Status:            status,
		AccountingTripped: tripped,
		Backends:          snapshots,
	}, nil
}
