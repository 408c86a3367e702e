package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Routing fields read from the completion body and stripped before the body
// is forwarded to a backend.
const (
	FieldPriority   = "priority"
	FieldAffinity   = "affinity"
	FieldDeadlineMS = "deadline_ms"
)

var ErrMalformedBody = errors.New("completion body must be a JSON object with a messages list")

// CompletionRequest is an MCP completion call: the message list and
// generation parameters, plus routing fields.
type CompletionRequest struct {
	Priority       string          `json:"priority,omitempty"`
	Affinity       string          `json:"affinity,omitempty"`
	DeadlineMS     int64           `json:"deadline_ms,omitempty"`
	IdempotencyKey string          `json:"-"`
	Payload        json.RawMessage `json:"-" swaggertype:"object"`
}

// DecodeCompletionRequest splits a raw body into routing fields and the
// payload forwarded to backends.
func DecodeCompletionRequest(body []byte) (CompletionRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return CompletionRequest{}, ErrMalformedBody
	}
	if _, ok := fields["messages"]; !ok {
		return CompletionRequest{}, ErrMalformedBody
	}

	var req CompletionRequest
	if raw, ok := fields[FieldPriority]; ok {
		if err := json.Unmarshal(raw, &req.Priority); err != nil {
			return CompletionRequest{}, fmt.Errorf("%s must be a string", FieldPriority)
		}
		delete(fields, FieldPriority)
	}
	if raw, ok := fields[FieldAffinity]; ok {
		if err := json.Unmarshal(raw, &req.Affinity); err != nil {
			return CompletionRequest{}, fmt.Errorf("%s must be a string", FieldAffinity)
		}
		delete(fields, FieldAffinity)
	}
	if raw, ok := fields[FieldDeadlineMS]; ok {
		if err := json.Unmarshal(raw, &req.DeadlineMS); err != nil || req.DeadlineMS < 0 {
			return CompletionRequest{}, fmt.Errorf("%s must be a non-negative integer", FieldDeadlineMS)
		}
		delete(fields, FieldDeadlineMS)
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return CompletionRequest{}, ErrMalformedBody
	}
	req.Payload = payload
	return req, nil
}

// Timeout converts deadline_ms. Zero means no deadline.
func (r CompletionRequest) Timeout() time.Duration {
	if r.DeadlineMS <= 0 {
		return 0
	}
	return time.Duration(r.DeadlineMS) * time.Millisecond
}

// CompletionResponse carries either a finished completion (Status
// "dispatched") or a tracking acknowledgement (Status "queued").
type CompletionResponse struct {
	Status      string          `json:"status"`
	RequestID   string          `json:"request_id"`
	StatusURL   string          `json:"status_url,omitempty"`
	Backend     string          `json:"backend,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
	ContentType string          `json:"-"`
	Body        json.RawMessage `json:"-"`
}

type QueuedResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	StatusURL string `json:"status_url"`
	Replayed  bool   `json:"replayed,omitempty"`
}

type QueueStatusResponse struct {
	QueueSize               int            `json:"queue_size"`
	ByPriority              map[string]int `json:"by_priority"`
	OldestPendingAgeSeconds float64        `json:"oldest_pending_age_seconds"`
	InFlight                int            `json:"in_flight"`
	DeadLettered            int            `json:"dead_lettered"`
	MaxEntries              int            `json:"max_entries,omitempty"`
	ResourceUsedBytes       int64          `json:"resource_used_bytes"`
	ResourceBudgetBytes     int64          `json:"resource_budget_bytes"`
}

type BackendHealthDTO struct {
	Name                string `json:"name"`
	Kind                string `json:"kind"`
	Circuit             string `json:"circuit"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	InFlight            int    `json:"in_flight"`
	Capacity            int    `json:"capacity"`
}

type HealthResponse struct {
	Status            string             `json:"status"`
	AccountingTripped bool               `json:"accounting_tripped,omitempty"`
	Backends          []BackendHealthDTO `json:"backends"`
}

type RequestStatusResponse struct {
	RequestID      string          `json:"request_id"`
	State          string          `json:"state"`
	Priority       string          `json:"priority"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	TerminalReason string          `json:"terminal_reason,omitempty"`
	Backend        string          `json:"backend,omitempty"`
	ReplayOf       string          `json:"replay_of,omitempty"`
	ReplayedAs     string          `json:"replayed_as,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	Deadline       string          `json:"deadline,omitempty"`
	Result         json.RawMessage `json:"result,omitempty" swaggertype:"object"`
}

type DeadLetterDTO struct {
	RequestID    string `json:"request_id"`
	Priority     string `json:"priority"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error"`
	Backend      string `json:"backend,omitempty"`
	ReplayedAs   string `json:"replayed_as,omitempty"`
	DeadAt       string `json:"dead_at"`
}

type ListDeadLettersResponse struct {
	Items []DeadLetterDTO `json:"items"`
}

type ReplayDeadLetterResponse struct {
	ReplayOf  string `json:"replay_of"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url,omitempty"`
	Backend   string `json:"backend,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
