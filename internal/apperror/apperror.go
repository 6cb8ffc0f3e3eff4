// Package apperror defines the domain errors shared by the service, executor
// and HTTP layers.
//
// Every AppError wraps one of the sentinel errors below, so callers can branch
// with errors.Is() regardless of how many times the error was wrapped on its
// way up:
//
//	engine returns:  fmt.Errorf("admitting execution: %w", apperror.CapacityExceeded(...))
//	handler checks:  errors.Is(err, apperror.ErrCapacity) → 429
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrCapacity     = errors.New("capacity exceeded")
	ErrUnavailable  = errors.New("unavailable")
)

type AppError struct {
	Err     error  // sentinel, one of the Err* values above
	Message string // Human-readable error message, safe to show to callers
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized is returned when a request carries no valid credentials.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// CapacityExceeded is returned when the execution pool and its waiting queue
// are both full. HTTP handlers map this to 429 Too Many Requests.
func CapacityExceeded(running, queued int) *AppError {
	return &AppError{
		Err:     ErrCapacity,
		Message: fmt.Sprintf("execution capacity exhausted (%d running, %d queued)", running, queued),
	}
}

// Unavailable signals that a dependency the request needs is not configured
// or not reachable, e.g. no sandbox backend could be started.
func Unavailable(what string) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: fmt.Sprintf("%s is unavailable", what),
	}
}
