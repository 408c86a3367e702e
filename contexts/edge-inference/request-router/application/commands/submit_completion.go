package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
	"edgeway/contexts/edge-inference/request-router/ports"
)

type SubmitCompletionCommand struct {
	Payload  []byte
	Priority string
	Affinity string
	// Timeout is relative to ingestion. Zero means no deadline.
	Timeout        time.Duration
	IdempotencyKey string
}

type SubmitCompletionResult struct {
	Outcome  Outcome
	Replayed bool
}

// SubmitCompletionUseCase turns an ingested call into a request and routes it.
type SubmitCompletionUseCase struct {
	Router      *Router
	Tracker     *tracker.Tracker
	IDGenerator ports.IDGenerator
	Clock       ports.Clock
	Logger      *slog.Logger
}

// Execute runs ingestion in this order:
// 1) validation and id assignment
// 2) idempotency key claim, so concurrent duplicates route once
// 3) routing, then confirming the claim or releasing it on rejection.
func (u SubmitCompletionUseCase) Execute(ctx context.Context, cmd SubmitCompletionCommand) (SubmitCompletionResult, error) {
	logger := application.ResolveLogger(u.Logger)
	now := application.Now(u.Clock)

	priority, err := entities.ParsePriority(cmd.Priority)
	if err != nil {
		return SubmitCompletionResult{}, err
	}
	if len(cmd.Payload) == 0 || cmd.Timeout < 0 {
		return SubmitCompletionResult{}, domainerrors.ErrInvalidRequest
	}

	id, err := u.IDGenerator.NewID(ctx)
	if err != nil {
		return SubmitCompletionResult{}, err
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key != "" {
		holder, claimed, err := u.Tracker.ClaimKey(key, hashSubmission(cmd, priority), id)
		if err != nil {
			logger.Warn("idempotency key conflict",
				"event", "edge_router_idempotency_conflict",
				"module", application.ModuleName,
				"layer", "application",
				"idempotency_key", key,
			)
			return SubmitCompletionResult{}, err
		}
		if !claimed {
			outcome := Queued(holder)
			state := string(entities.StateQueued)
			if status, ok := u.Tracker.Get(holder); ok {
				outcome = OutcomeFromStatus(status)
				state = string(status.Request.State)
			}
			logger.Info("submission replayed from idempotency key",
				"event", "edge_router_idempotency_replayed",
				"module", application.ModuleName,
				"layer", "application",
				"request_id", holder,
				"state", state,
			)
			return SubmitCompletionResult{Outcome: outcome, Replayed: true}, nil
		}
	}

	var deadline time.Time
	if cmd.Timeout > 0 {
		deadline = now.Add(cmd.Timeout)
	}
	req, err := entities.NewRequest(id, cmd.Payload, priority, cmd.Affinity, now, deadline)
	if err != nil {
		if key != "" {
			u.Tracker.ReleaseKey(key, id)
		}
		return SubmitCompletionResult{}, err
	}
	if key != "" {
		req.IdempotencyKey = key
		req.EstimatedSize = entities.EstimateSize(req)
	}

	outcome := u.Router.Handle(ctx, req)
	if key != "" {
		if outcome.Kind == OutcomeRejected {
			u.Tracker.ReleaseKey(key, id)
		} else {
			u.Tracker.ConfirmKey(key, id)
		}
	}
	return SubmitCompletionResult{Outcome: outcome}, nil
}

// OutcomeFromStatus rebuilds the outcome a caller would have seen for a
// tracked request.
func OutcomeFromStatus(status tracker.Status) Outcome {
	req := status.Request
	switch req.State {
	case entities.StateDelivered:
		if status.Completion != nil {
			return Dispatched(req.ID, *status.Completion)
		}
		return Outcome{Kind: OutcomeDispatched, RequestID: req.ID, Backend: status.Backend}
	case entities.StateExpired:
		return Rejected(req.ID, domainerrors.ErrDeadlineExpired)
	case entities.StateDeadLettered:
		return Rejected(req.ID, domainerrors.ErrDeadLettered)
	default:
		return Queued(req.ID)
	}
}

func hashSubmission(cmd SubmitCompletionCommand, priority entities.Priority) string {
	h := sha256.New()
	h.Write(cmd.Payload)
	h.Write([]byte{0})
	h.Write([]byte(priority))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(cmd.Affinity)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(int64(cmd.Timeout), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
