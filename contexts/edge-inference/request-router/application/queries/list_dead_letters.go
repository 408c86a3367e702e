package queries

import (
	"context"

	"edgeway/contexts/edge-inference/request-router/application/tracker"
)

const defaultDeadLetterLimit = 100

type ListDeadLettersQuery struct {
	Limit int
}

type ListDeadLettersResult struct {
	Items []tracker.Status
}

type ListDeadLettersUseCase struct {
	Tracker *tracker.Tracker
}

func (u ListDeadLettersUseCase) Execute(_ context.Context, query ListDeadLettersQuery) (ListDeadLettersResult, error) {
	limit := query.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultDeadLetterLimit
	}
	return ListDeadLettersResult{Items: u.Tracker.DeadLetters(limit)}, nil
}
