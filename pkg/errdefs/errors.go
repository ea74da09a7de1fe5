// Package errdefs defines the classified error type used throughout the
// driftline reconciliation engine, plus the error codes that consumers
// match on for retry and escalation decisions.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Class represents the classification of an error for retry and recovery logic.
type Class string

const (
	// ClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts fetching actual state, a busy catalog.
	ClassTransient Class = "transient"

	// ClassConflict indicates a state conflict.
	// Examples: a lost compare-and-swap race on the circuit breaker record.
	ClassConflict Class = "conflict"

	// ClassPermanent indicates a non-recoverable error.
	// Examples: an edge that would close a cycle, an invalid snapshot.
	ClassPermanent Class = "permanent"
)

// Error is a classified error with resource and operation context.
type Error struct {
	// Class is the error classification for retry logic.
	Class Class `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransient creates a new transient error.
func NewTransient(message string, err error) *Error {
	return &Error{Class: ClassTransient, Message: message, Err: err}
}

// NewConflict creates a new conflict error.
func NewConflict(message string, err error) *Error {
	return &Error{Class: ClassConflict, Message: message, Err: err}
}

// NewPermanent creates a new permanent error.
func NewPermanent(message string, err error) *Error {
	return &Error{Class: ClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// HasCode returns true if err carries the given error code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Error codes.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeCycleDetected          = "CYCLE_DETECTED"
	CodeLowConfidence          = "LOW_CONFIDENCE_INFERENCE"
	CodePlanGenerationFailed   = "PLAN_GENERATION_FAILED"
	CodeCircuitOpen            = "CIRCUIT_OPEN"
	CodePersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"
	CodeCASConflict            = "CAS_CONFLICT"
	CodeTimeout                = "TIMEOUT"
	CodeInternal               = "INTERNAL_ERROR"
)

// CircuitOpen builds the rejection returned while the breaker is open.
// RetryAfter is surfaced so callers can schedule instead of blocking.
func CircuitOpen(project string, retryAfter time.Duration) *Error {
	return NewPermanent(fmt.Sprintf("circuit breaker open for project %s", project), nil).
		WithCode(CodeCircuitOpen).
		WithDetail("retry_after", retryAfter.String())
}

// CycleDetected builds the rejection for an edge insertion that would close
// a cycle. The offending path is carried in the details for logging.
func CycleDetected(source, target string, path []string) *Error {
	return NewPermanent(fmt.Sprintf("edge %s -> %s would close a cycle", source, target), nil).
		WithCode(CodeCycleDetected).
		WithResource(source).
		WithDetail("path", path)
}
