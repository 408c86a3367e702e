package queries

import (
	"context"
	"strings"

	"edgeway/contexts/edge-inference/request-router/application/tracker"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

type GetRequestQuery struct {
	RequestID string
}

type GetRequestResult struct {
	Status tracker.Status
}

type GetRequestUseCase struct {
	Tracker *tracker.Tracker
}

func (u GetRequestUseCase) Execute(_ context.Context, query GetRequestQuery) (GetRequestResult, error) {
	id := strings.TrimSpace(query.RequestID)
	if id == "" {
		return GetRequestResult{}, domainerrors.ErrInvalidRequest
	}
	status, ok := u.Tracker.Get(id)
	if !ok {
		return GetRequestResult{}, domainerrors.ErrRequestNotFound
	}
	return GetRequestResult{Status: status}, nil
}
