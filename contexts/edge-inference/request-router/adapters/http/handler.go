package httpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/commands"
	"edgeway/contexts/edge-inference/request-router/application/queries"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	httptransport "edgeway/contexts/edge-inference/request-router/transport/http"
)

const requestStatusPath = "/v1/requests/"

type Handler struct {
	SubmitCompletion commands.SubmitCompletionUseCase
	ReplayDeadLetter commands.ReplayDeadLetterUseCase
	QueueStatus      queries.QueueStatusUseCase
	Health           queries.HealthUseCase
	GetRequest       queries.GetRequestUseCase
	ListDeadLetters  queries.ListDeadLettersUseCase
	Logger           *slog.Logger
}

// SubmitCompletionHandler godoc
// @Summary Submit an MCP completion
// @Description Routes a completion to a local or remote backend. Returns the completion when dispatched synchronously, or a tracking id when queued.
// @Tags edge-inference
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Idempotency key"
// @Param request body httptransport.CompletionRequest true "Messages, generation parameters and routing fields"
// @Success 200 {object} object
// @Success 202 {object} httptransport.QueuedResponse
// @Failure 400 {object} httptransport.ErrorResponse
// @Failure 409 {object} httptransport.ErrorResponse
// @Failure 410 {object} httptransport.ErrorResponse
// @Failure 503 {object} httptransport.ErrorResponse
// @Router /v1/mcp/completions [post]
func (h Handler) SubmitCompletionHandler(ctx context.Context, req httptransport.CompletionRequest) (httptransport.CompletionResponse, error) {
	logger := application.ResolveLogger(h.Logger)

	result, err := h.SubmitCompletion.Execute(ctx, commands.SubmitCompletionCommand{
		Payload:        req.Payload,
		Priority:       req.Priority,
		Affinity:       req.Affinity,
		Timeout:        req.Timeout(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		logger.Warn("completion request failed",
			"event", "http_submit_completion_failed",
			"module", application.ModuleName,
			"layer", "transport",
			"error", err.Error(),
		)
		return httptransport.CompletionResponse{}, err
	}

	outcome := result.Outcome
	if outcome.Kind == commands.OutcomeRejected {
		return httptransport.CompletionResponse{RequestID: outcome.RequestID}, outcome.Reason
	}
	return mapOutcome(outcome, result.Replayed), nil
}

// QueueStatusHandler godoc
// @Summary Queue status
// @Description Returns queue depth by priority, oldest pending age and memory usage.
// @Tags edge-inference
// @Produce json
// @Success 200 {object} httptransport.QueueStatusResponse
// @Router /v1/queue/status [get]
func (h Handler) QueueStatusHandler(ctx context.Context) (httptransport.QueueStatusResponse, error) {
	result, err := h.QueueStatus.Execute(ctx)
	if err != nil {
		return httptransport.QueueStatusResponse{}, err
	}
	byPriority := make(map[string]int, len(result.ByPriority))
	for priority, count := range result.ByPriority {
		byPriority[string(priority)] = count
	}
	return httptransport.QueueStatusResponse{
		QueueSize:               result.QueueSize,
		ByPriority:              byPriority,
		OldestPendingAgeSeconds: result.OldestPendingAge.Seconds(),
		InFlight:                result.InFlight,
		DeadLettered:            result.DeadLettered,
		MaxEntries:              result.MaxEntries,
		ResourceUsedBytes:       result.ResourceUsed,
		ResourceBudgetBytes:     result.ResourceBudget,
	}, nil
}

// HealthHandler godoc
// @Summary Gateway health
// @Description Degraded when every backend breaker is open or memory accounting failed.
// @Tags edge-inference
// @Produce json
// @Success 200 {object} httptransport.HealthResponse
// @Failure 503 {object} httptransport.HealthResponse
// @Router /health [get]
func (h Handler) HealthHandler(ctx context.Context) (httptransport.HealthResponse, error) {
	result, err := h.Health.Execute(ctx)
	if err != nil {
		return httptransport.HealthResponse{}, err
	}
	backends := make([]httptransport.BackendHealthDTO, 0, len(result.Backends))
	for _, snapshot := range result.Backends {
		backends = append(backends, httptransport.BackendHealthDTO{
			Name:                snapshot.Descriptor.Name,
			Kind:                string(snapshot.Descriptor.Kind),
			Circuit:             string(snapshot.Circuit),
			ConsecutiveFailures: snapshot.ConsecutiveFailures,
			InFlight:            snapshot.InFlight,
			Capacity:            snapshot.Descriptor.Capacity,
		})
	}
	return httptransport.HealthResponse{
		Status:            result.Status,
		AccountingTripped: result.AccountingTripped,
		Backends:          backends,
	}, nil
}

// GetRequestHandler godoc
// @Summary Request status
// @Description Returns the state of a request, and its result once delivered, within the retention window.
// @Tags edge-inference
// @Produce json
// @Param request_id path string true "Request id"
// @Success 200 {object} httptransport.RequestStatusResponse
// @Failure 404 {object} httptransport.ErrorResponse
// @Router /v1/requests/{request_id} [get]
func (h Handler) GetRequestHandler(ctx context.Context, requestID string) (httptransport.RequestStatusResponse, error) {
	result, err := h.GetRequest.Execute(ctx, queries.GetRequestQuery{RequestID: requestID})
	if err != nil {
		return httptransport.RequestStatusResponse{}, err
	}
	return mapStatus(result.Status), nil
}

// ListDeadLettersHandler godoc
// @Summary List dead letters
// @Description Returns requests that exhausted their retries, most recent first.
// @Tags edge-inference
// @Produce json
// @Param limit query int false "Page size (max 1000)"
// @Success 200 {object} httptransport.ListDeadLettersResponse
// @Router /v1/dead-letters [get]
func (h Handler) ListDeadLettersHandler(ctx context.Context, limit int) (httptransport.ListDeadLettersResponse, error) {
	result, err := h.ListDeadLetters.Execute(ctx, queries.ListDeadLettersQuery{Limit: limit})
	if err != nil {
		return httptransport.ListDeadLettersResponse{}, err
	}
	items := make([]httptransport.DeadLetterDTO, 0, len(result.Items))
	for _, status := range result.Items {
		items = append(items, httptransport.DeadLetterDTO{
			RequestID:    status.Request.ID,
			Priority:     string(status.Request.Priority),
			AttemptCount: status.Request.AttemptCount,
			LastError:    status.Request.LastError,
			Backend:      status.Backend,
			ReplayedAs:   status.ReplayedAs,
			DeadAt:       formatTime(status.Request.UpdatedAt),
		})
	}
	return httptransport.ListDeadLettersResponse{Items: items}, nil
}

// ReplayDeadLetterHandler godoc
// @Summary Replay a dead letter
// @Description Resubmits a dead-lettered payload as a new request with a fresh attempt budget.
// @Tags edge-inference
// @Produce json
// @Param request_id path string true "Dead-lettered request id"
// @Success 200 {object} httptransport.ReplayDeadLetterResponse
// @Success 202 {object} httptransport.ReplayDeadLetterResponse
// @Failure 404 {object} httptransport.ErrorResponse
// @Failure 409 {object} httptransport.ErrorResponse
// @Failure 503 {object} httptransport.ErrorResponse
// @Router /v1/dead-letters/{request_id}/replay [post]
func (h Handler) ReplayDeadLetterHandler(ctx context.Context, requestID string) (httptransport.ReplayDeadLetterResponse, error) {
	result, err := h.ReplayDeadLetter.Execute(ctx, commands.ReplayDeadLetterCommand{RequestID: requestID})
	if err != nil {
		return httptransport.ReplayDeadLetterResponse{}, err
	}
	outcome := result.Outcome
	if outcome.Kind == commands.OutcomeRejected {
		return httptransport.ReplayDeadLetterResponse{ReplayOf: result.ReplayOf, RequestID: outcome.RequestID}, outcome.Reason
	}
	resp := httptransport.ReplayDeadLetterResponse{
		ReplayOf:  result.ReplayOf,
		RequestID: outcome.RequestID,
		Status:    string(outcome.Kind),
		Backend:   outcome.Backend,
	}
	if outcome.Kind == commands.OutcomeQueued {
		resp.StatusURL = requestStatusPath + outcome.RequestID
	}
	return resp, nil
}

func mapOutcome(outcome commands.Outcome, replayed bool) httptransport.CompletionResponse {
	resp := httptransport.CompletionResponse{
		Status:    string(outcome.Kind),
		RequestID: outcome.RequestID,
		Backend:   outcome.Backend,
		Replayed:  replayed,
	}
	if outcome.Kind == commands.OutcomeQueued {
		resp.StatusURL = requestStatusPath + outcome.RequestID
		return resp
	}
	if outcome.Completion != nil {
		resp.Body = outcome.Completion.Body
		resp.ContentType = outcome.Completion.ContentType
	}
	return resp
}

func mapStatus(status tracker.Status) httptransport.RequestStatusResponse {
	req := status.Request
	resp := httptransport.RequestStatusResponse{
		RequestID:      req.ID,
		State:          string(req.State),
		Priority:       string(req.Priority),
		AttemptCount:   req.AttemptCount,
		LastError:      req.LastError,
		TerminalReason: req.TerminalReason,
		Backend:        status.Backend,
		ReplayOf:       req.ReplayOf,
		ReplayedAs:     status.ReplayedAs,
		CreatedAt:      formatTime(req.CreatedAt),
		UpdatedAt:      formatTime(req.UpdatedAt),
	}
	if req.HasDeadline() {
		resp.Deadline = formatTime(req.Deadline)
	}
	if req.State == entities.StateDelivered && status.Completion != nil && json.Valid(status.Completion.Body) {
		resp.Result = status.Completion.Body
	}
	return resp
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
