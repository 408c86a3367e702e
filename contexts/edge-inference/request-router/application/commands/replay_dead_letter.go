package commands

import (
	"context"
	"log/slog"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	"edgeway/contexts/edge-inference/request-router/ports"
)

type ReplayDeadLetterCommand struct {
	RequestID string
}

type ReplayDeadLetterResult struct {
	ReplayOf string
	Outcome  Outcome
}

// ReplayDeadLetterUseCase resubmits a dead-lettered payload as a new request
// with a fresh attempt budget. The original stays listed with a link to its
// replay.
type ReplayDeadLetterUseCase struct {
	Router      *Router
	Tracker     *tracker.Tracker
	IDGenerator ports.IDGenerator
	Clock       ports.Clock
	Logger      *slog.Logger
}

func (u ReplayDeadLetterUseCase) Execute(ctx context.Context, cmd ReplayDeadLetterCommand) (ReplayDeadLetterResult, error) {
	logger := application.ResolveLogger(u.Logger)

	newID, err := u.IDGenerator.NewID(ctx)
	if err != nil {
		return ReplayDeadLetterResult{}, err
	}
	status, err := u.Tracker.BeginReplay(cmd.RequestID, newID)
	if err != nil {
		return ReplayDeadLetterResult{}, err
	}

	original := status.Request
	req, err := entities.NewRequest(newID, original.Payload, original.Priority, original.Affinity, application.Now(u.Clock), original.Deadline)
	if err != nil {
		u.Tracker.AbortReplay(cmd.RequestID)
		return ReplayDeadLetterResult{}, err
	}
	req.ReplayOf = original.ID

	outcome := u.Router.Handle(ctx, req)
	if outcome.Kind == OutcomeRejected {
		u.Tracker.AbortReplay(cmd.RequestID)
	}
	logger.Info("dead letter replayed",
		"event", "edge_router_dead_letter_replayed",
		"module", application.ModuleName,
		"layer", "application",
		"request_id", original.ID,
		"replay_id", newID,
		"outcome", string(outcome.Kind),
	)
	return ReplayDeadLetterResult{ReplayOf: original.ID, Outcome: outcome}, nil
}
