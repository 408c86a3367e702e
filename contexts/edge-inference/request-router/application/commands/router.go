package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	application "edgeway/contexts/edge-inference/request-router/application"
	"edgeway/contexts/edge-inference/request-router/application/pool"
	"edgeway/contexts/edge-inference/request-router/application/queue"
	"edgeway/contexts/edge-inference/request-router/application/tracker"
	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
	"edgeway/contexts/edge-inference/request-router/domain/services"
	"edgeway/contexts/edge-inference/request-router/ports"
)

type OutcomeKind string

const (
	OutcomeDispatched OutcomeKind = ports.OutcomeDispatched
	OutcomeQueued     OutcomeKind = ports.OutcomeQueued
	OutcomeRejected   OutcomeKind = ports.OutcomeRejected
)

// Outcome is what the caller of Handle learns about its request.
type Outcome struct {
	Kind       OutcomeKind
	RequestID  string
	Backend    string
	Completion *entities.Completion
	Reason     error
}

func Dispatched(requestID string, completion entities.Completion) Outcome {
	return Outcome{Kind: OutcomeDispatched, RequestID: requestID, Backend: completion.Backend, Completion: &completion}
}

func Queued(requestID string) Outcome {
	return Outcome{Kind: OutcomeQueued, RequestID: requestID}
}

func Rejected(requestID string, reason error) Outcome {
	return Outcome{Kind: OutcomeRejected, RequestID: requestID, Reason: reason}
}

const defaultMaxAttempts = 5

// Router admits requests against the memory budget, dispatches them to the
// selected backend and falls back to the durable queue.
type Router struct {
	Pool            *pool.Pool
	Queue           *queue.DurableQueue
	Monitor         *services.ResourceMonitor
	Tracker         *tracker.Tracker
	Backoff         services.BackoffPolicy
	MaxAttempts     int
	DispatchTimeout time.Duration
	Clock           ports.Clock
	Metrics         ports.MetricsRecorder
	Logger          *slog.Logger
}

// Handle runs the admission path for a new request:
// 1) deadline check, with no side effects on rejection
// 2) memory admission, evicting lower priorities when needed
// 3) backend selection and synchronous dispatch
// 4) queue fallback when no backend can take the request.
func (r *Router) Handle(ctx context.Context, req entities.Request) Outcome {
	logger := application.ResolveLogger(r.Logger)
	metrics := application.ResolveMetrics(r.Metrics)
	now := application.Now(r.Clock)

	if req.ExpiredAt(now) {
		metrics.RequestHandled(ports.OutcomeRejected, "deadline_expired")
		return Rejected(req.ID, domainerrors.ErrDeadlineExpired)
	}

	if !r.Monitor.Admit(req.ID, req.EstimatedSize) {
		if !r.Queue.Reclaim(ctx, req.Priority, req.EstimatedSize) || !r.Monitor.Admit(req.ID, req.EstimatedSize) {
			logger.Warn("request denied admission",
				"event", "edge_router_admission_denied",
				"module", application.ModuleName,
				"layer", "application",
				"request_id", req.ID,
				"priority", string(req.Priority),
				"estimated_size", req.EstimatedSize,
				"memory_used", r.Monitor.Used(),
				"memory_budget", r.Monitor.Budget(),
			)
			metrics.RequestHandled(ports.OutcomeRejected, "over_capacity")
			return Rejected(req.ID, domainerrors.ErrAdmissionDenied)
		}
	}
	r.Tracker.Track(req, "")

	if backend, ok := r.Pool.Select(req); ok && r.Pool.Acquire(backend) {
		inFlight, err := req.Transition(entities.StateInFlight, now)
		if err != nil {
			// Nothing was sent; the slot is returned without touching the breaker.
			r.Pool.Release(backend)
			r.discard(req.ID)
			metrics.RequestHandled(ports.OutcomeRejected, "internal")
			return Rejected(req.ID, err)
		}
		r.Tracker.Track(inFlight, backend)
		outcome := r.dispatch(ctx, backend, inFlight)
		metrics.RequestHandled(string(outcome.Kind), reasonLabel(outcome.Reason))
		return outcome
	}

	if err := r.Queue.Enqueue(ctx, req); err != nil {
		r.discard(req.ID)
		logger.Warn("request rejected by queue",
			"event", "edge_router_enqueue_rejected",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", req.ID,
			"priority", string(req.Priority),
			"error", err.Error(),
		)
		metrics.RequestHandled(ports.OutcomeRejected, reasonLabel(err))
		return Rejected(req.ID, err)
	}
	metrics.RequestHandled(ports.OutcomeQueued, "")
	return Queued(req.ID)
}

// DispatchLeased runs a queued entry on a backend the caller already
// acquired. The drain loop calls it for each leased entry.
func (r *Router) DispatchLeased(ctx context.Context, backend string, entry entities.QueueEntry) Outcome {
	return r.dispatch(ctx, backend, entry.Request)
}

// dispatch runs req on an acquired backend and settles the result. The
// backend call runs detached from ctx so a departing caller does not abort
// work already handed to the backend.
func (r *Router) dispatch(ctx context.Context, backend string, req entities.Request) Outcome {
	logger := application.ResolveLogger(r.Logger)
	metrics := application.ResolveMetrics(r.Metrics)

	dispatchCtx := context.WithoutCancel(ctx)
	if r.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(dispatchCtx, r.DispatchTimeout)
		defer cancel()
	}

	started := application.Now(r.Clock)
	completion, dispatchErr := r.Pool.Dispatch(dispatchCtx, backend, req)
	finished := application.Now(r.Clock)
	if err := r.Pool.Complete(ctx, backend, dispatchErr); err != nil {
		logger.Error("backend accounting failed",
			"event", "edge_router_backend_accounting_failed",
			"module", application.ModuleName,
			"layer", "application",
			"backend", backend,
			"error", err.Error(),
		)
	}
	metrics.DispatchFinished(backend, dispatchErr == nil, finished.Sub(started))

	if dispatchErr == nil {
		return r.settleSuccess(ctx, backend, req, completion, started, finished)
	}
	return r.settleFailure(ctx, backend, req, dispatchErr, finished)
}

func (r *Router) settleSuccess(
	ctx context.Context,
	backend string,
	req entities.Request,
	completion entities.Completion,
	started time.Time,
	finished time.Time,
) Outcome {
	logger := application.ResolveLogger(r.Logger)

	completion.RequestID = req.ID
	completion.Backend = backend
	if completion.CompletedAt.IsZero() {
		completion.CompletedAt = finished
	}
	if completion.Latency <= 0 {
		completion.Latency = finished.Sub(started)
	}

	if req.ExpiredAt(finished) {
		expired, err := req.Terminate(entities.StateExpired, entities.ReasonLateResult, finished)
		if err != nil {
			return Rejected(req.ID, err)
		}
		r.finalize(ctx, expired, backend, nil)
		logger.Info("late result discarded",
			"event", "edge_router_late_result",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", req.ID,
			"backend", backend,
		)
		return Rejected(req.ID, domainerrors.ErrDeadlineExpired)
	}

	delivered, err := req.Terminate(entities.StateDelivered, "", finished)
	if err != nil {
		return Rejected(req.ID, err)
	}
	r.finalize(ctx, delivered, backend, &completion)
	logger.Info("request delivered",
		"event", "edge_router_request_delivered",
		"module", application.ModuleName,
		"layer", "application",
		"request_id", req.ID,
		"backend", backend,
		"attempt_count", req.AttemptCount+1,
		"latency_ms", completion.Latency.Milliseconds(),
	)
	return Dispatched(req.ID, completion)
}

func (r *Router) settleFailure(ctx context.Context, backend string, req entities.Request, cause error, now time.Time) Outcome {
	logger := application.ResolveLogger(r.Logger)

	failed := req.RecordFailure(cause.Error(), now)
	logger.Warn("backend dispatch failed",
		"event", "edge_router_dispatch_failed",
		"module", application.ModuleName,
		"layer", "application",
		"request_id", req.ID,
		"backend", backend,
		"attempt_count", failed.AttemptCount,
		"error", cause.Error(),
	)

	if failed.AttemptCount >= r.maxAttempts() {
		dead, err := failed.Terminate(entities.StateDeadLettered, entities.ReasonRetriesExhausted, now)
		if err != nil {
			return Rejected(req.ID, err)
		}
		r.finalize(ctx, dead, backend, nil)
		logger.Error("request dead-lettered",
			"event", "edge_router_request_dead_lettered",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", req.ID,
			"priority", string(req.Priority),
			"attempt_count", failed.AttemptCount,
			"last_error", failed.LastError,
		)
		return Rejected(req.ID, domainerrors.ErrDeadLettered)
	}

	err := r.Queue.Requeue(ctx, failed, r.Backoff.Delay(failed.AttemptCount))
	switch {
	case err == nil:
		return Queued(req.ID)
	case errors.Is(err, domainerrors.ErrDeadlineExpired):
		// Requeue already settled the expiry.
		return Rejected(req.ID, err)
	default:
		expired, terminateErr := failed.Terminate(entities.StateExpired, entities.ReasonRequeueRefused, now)
		if terminateErr != nil {
			return Rejected(req.ID, terminateErr)
		}
		r.finalize(ctx, expired, backend, nil)
		return Rejected(req.ID, fmt.Errorf("%w: %w", domainerrors.ErrBackendDispatch, err))
	}
}

func (r *Router) finalize(ctx context.Context, req entities.Request, backend string, completion *entities.Completion) {
	if err := r.Queue.Finalize(ctx, req, backend, completion); err != nil {
		application.ResolveLogger(r.Logger).Error("request finalize failed",
			"event", "edge_router_finalize_failed",
			"module", application.ModuleName,
			"layer", "application",
			"request_id", req.ID,
			"state", string(req.State),
			"error", err.Error(),
		)
	}
}

// discard undoes admission for a request that never entered the lifecycle.
func (r *Router) discard(id string) {
	if r.Monitor.Holds(id) {
		if err := r.Monitor.Release(id); err != nil {
			application.ResolveLogger(r.Logger).Error("memory release failed",
				"event", "edge_router_accounting_violation",
				"module", application.ModuleName,
				"layer", "application",
				"request_id", id,
				"error", err.Error(),
			)
		}
	}
	r.Tracker.Forget(id)
}

func (r *Router) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return defaultMaxAttempts
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domainerrors.ErrDeadlineExpired):
		return "deadline_expired"
	case errors.Is(err, domainerrors.ErrAdmissionDenied):
		return "over_capacity"
	case errors.Is(err, domainerrors.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, domainerrors.ErrDeadLettered):
		return "dead_lettered"
	case errors.Is(err, domainerrors.ErrBackendDispatch):
		return "dispatch_failed"
	default:
		return "internal"
	}
}
