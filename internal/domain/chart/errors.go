package chart

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("chart: record not found")
	ErrInvalidTransition   = errors.New("chart: invalid transition")
	ErrValidation          = errors.New("chart: validation failed")
	ErrConcurrencyConflict = errors.New("chart: concurrent modification")
	ErrRecordLocked        = errors.New("chart: record is locked")
	ErrRendererUnavailable = errors.New("chart: document renderer unavailable")
	ErrBatchAborted        = errors.New("chart: batch aborted before record was processed")
)

// TransitionError reports an operation the record's current state forbids.
type TransitionError struct {
	Op     Operation
	From   State
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chart: cannot %s record in state %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("chart: cannot %s record in state %s", e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidationError reports an unmet guard on input or record content.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chart: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Error codes surfaced to API clients and bulk results.
const (
	CodeNotFound            = "not_found"
	CodeInvalidTransition   = "invalid_transition"
	CodeValidation          = "validation_error"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeRecordLocked        = "record_locked"
	CodeRendererUnavailable = "renderer_unavailable"
	CodeBatchAborted        = "batch_aborted"
	CodeInternal            = "internal_error"
)

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	case errors.Is(err, ErrRecordLocked):
		return CodeRecordLocked
	case errors.Is(err, ErrRendererUnavailable):
		return CodeRendererUnavailable
	case errors.Is(err, ErrBatchAborted):
		return CodeBatchAborted
	default:
		return CodeInternal
	}
}

// Retryable reports whether repeating the same call may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrRendererUnavailable)
}

// Warning is a non-fatal problem attached to a successful operation.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
