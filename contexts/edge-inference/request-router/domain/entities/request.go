package entities

import (
	"fmt"
	"strings"
	"time"

	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

// RequestOverheadBytes approximates the bookkeeping cost of holding one
// request (struct, ordering key, tracker row) on top of its payload.
const RequestOverheadBytes int64 = 256

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists classes from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityNormal, PriorityLow}

// Rank orders priorities for the queue: lower ranks dequeue first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

func (p Priority) Valid() bool {
	return p == PriorityCritical || p == PriorityNormal || p == PriorityLow
}

// Outranks reports whether p is strictly more urgent than other.
func (p Priority) Outranks(other Priority) bool {
	return p.Rank() < other.Rank()
}

func ParsePriority(raw string) (Priority, error) {
	value := Priority(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return PriorityNormal, nil
	}
	if !value.Valid() {
		return "", fmt.Errorf("%w: unknown priority %q", domainerrors.ErrInvalidRequest, raw)
	}
	return value, nil
}

type RequestState string

const (
	StatePending      RequestState = "pending"
	StateInFlight     RequestState = "in_flight"
	StateQueued       RequestState = "queued"
	StateDelivered    RequestState = "delivered"
	StateExpired      RequestState = "expired"
	StateDeadLettered RequestState = "dead_lettered"
)

func (s RequestState) Terminal() bool {
	return s == StateDelivered || s == StateExpired || s == StateDeadLettered
}

const (
	ReasonDeadlineExceeded = "deadline exceeded"
	ReasonEvictedCapacity  = "evicted for capacity"
	ReasonRetriesExhausted = "retries exhausted"
	ReasonLateResult       = "result arrived after deadline"
	ReasonRequeueRefused   = "requeue refused"
)

var allowedTransitions = map[RequestState][]RequestState{
	StatePending:  {StateInFlight, StateQueued, StateExpired},
	StateQueued:   {StateInFlight, StateExpired},
	StateInFlight: {StateDelivered, StateQueued, StateDeadLettered, StateExpired},
}

// Request is one inference request: an immutable payload plus the delivery
// state mutated by the router and the queue.
type Request struct {
	ID             string
	Payload        []byte
	Priority       Priority
	Affinity       string
	IdempotencyKey string
	ReplayOf       string
	CreatedAt      time.Time
	Deadline       time.Time
	EstimatedSize  int64
	AttemptCount   int
	LastError      string
	State          RequestState
	TerminalReason string
	UpdatedAt      time.Time
}

func NewRequest(
	id string,
	payload []byte,
	priority Priority,
	affinity string,
	createdAt time.Time,
	deadline time.Time,
) (Request, error) {
	if strings.TrimSpace(id) == "" {
		return Request{}, fmt.Errorf("%w: id is required", domainerrors.ErrInvalidRequest)
	}
	if len(payload) == 0 {
		return Request{}, fmt.Errorf("%w: payload is required", domainerrors.ErrInvalidRequest)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Request{}, fmt.Errorf("%w: unknown priority %q", domainerrors.ErrInvalidRequest, priority)
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	req := Request{
		ID:        id,
		Payload:   body,
		Priority:  priority,
		Affinity:  strings.TrimSpace(affinity),
		CreatedAt: createdAt.UTC(),
		State:     StatePending,
		UpdatedAt: createdAt.UTC(),
	}
	if !deadline.IsZero() {
		req.Deadline = deadline.UTC()
	}
	req.EstimatedSize = EstimateSize(req)
	return req, nil
}

// EstimateSize is the admission footprint of a request.
func EstimateSize(r Request) int64 {
	return int64(len(r.Payload)+len(r.ID)+len(r.Affinity)+len(r.IdempotencyKey)+len(r.LastError)) + RequestOverheadBytes
}

func (r Request) HasDeadline() bool {
	return !r.Deadline.IsZero()
}

// ExpiredAt reports whether the deadline has been reached at now.
func (r Request) ExpiredAt(now time.Time) bool {
	return r.HasDeadline() && !now.Before(r.Deadline)
}

// Remaining is the time left before the deadline; zero deadline means no limit.
func (r Request) Remaining(now time.Time) (time.Duration, bool) {
	if !r.HasDeadline() {
		return 0, false
	}
	return r.Deadline.Sub(now), true
}

// Transition moves the request to state to, rejecting moves the lifecycle
// does not allow.
func (r Request) Transition(to RequestState, now time.Time) (Request, error) {
	if r.State == to {
		return r, nil
	}
	for _, candidate := range allowedTransitions[r.State] {
		if candidate == to {
			r.State = to
			r.UpdatedAt = now.UTC()
			return r, nil
		}
	}
	return r, fmt.Errorf("%w: %s -> %s", domainerrors.ErrInvalidStateTransition, r.State, to)
}

// Terminate moves the request to a terminal state and records why.
func (r Request) Terminate(to RequestState, reason string, now time.Time) (Request, error) {
	if !to.Terminal() {
		return r, fmt.Errorf("%w: %s is not terminal", domainerrors.ErrInvalidStateTransition, to)
	}
	next, err := r.Transition(to, now)
	if err != nil {
		return r, err
	}
	next.TerminalReason = reason
	return next, nil
}

// RecordFailure counts a failed dispatch attempt.
func (r Request) RecordFailure(cause string, now time.Time) Request {
	r.AttemptCount++
	r.LastError = cause
	r.UpdatedAt = now.UTC()
	return r
}

// Completion is the result returned by a backend for one request.
type Completion struct {
	RequestID   string
	Backend     string
	Body        []byte
	ContentType string
	Latency     time.Duration
	CompletedAt time.Time
}
