package errors

import "errors"

var (
	ErrInvalidRequest           = errors.New("invalid inference request")
	ErrAdmissionDenied          = errors.New("admission denied: resource budget exceeded")
	ErrQueueFull                = errors.New("queue full")
	ErrNoBackendAvailable       = errors.New("no backend available")
	ErrBackendDispatch          = errors.New("backend dispatch failed")
	ErrDeadlineExpired          = errors.New("request deadline expired")
	ErrDeadLettered             = errors.New("request dead-lettered after exhausting retries")
	ErrAccountingInvariant      = errors.New("resource accounting invariant violated")
	ErrRequestNotFound          = errors.New("request not found")
	ErrBackendNotFound          = errors.New("backend not found")
	ErrDuplicateBackend         = errors.New("backend already registered")
	ErrNotDeadLettered          = errors.New("request is not dead-lettered")
	ErrIdempotencyKeyConflict   = errors.New("idempotency key reused with different request")
	ErrInvalidStateTransition   = errors.New("invalid request state transition")
	ErrRepositoryInvariantBroke = errors.New("repository invariant violated")
)
