// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrExhausted   = errors.New("resource exhausted")
	ErrUnavailable = errors.New("unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Code     string // Stable machine-readable code (e.g., "invalid_job_type")
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "command", "task")
	Resource string // For not found/conflict (e.g., "job", "upload")
	Op       string // Operation that failed (e.g., "runtime.create")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(code, field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     code,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     resource + "_not_found",
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(code, resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Code:     code,
		Message:  reason,
		Resource: resource,
	}
}

// Exhausted creates a resource-exhaustion error (quota exceeded).
func Exhausted(message string) error {
	return &Error{
		Sentinel: ErrExhausted,
		Code:     "resource_exhausted",
		Message:  message,
	}
}

// Unavailable creates an error for an unreachable dependency.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Code:     "unavailable",
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     "database_error",
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// WithCode creates an internal error carrying a specific wire code.
// Used where the API contract distinguishes internal failures, e.g.
// "container_start_failed" vs the generic "database_error".
func WithCode(code, op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     code,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Code extracts the machine-readable code from an error, or a generic
// fallback based on its sentinel classification.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal_error"
	}
}
