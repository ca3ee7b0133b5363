package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/connentity/internal/ir"
)

// RuntimeError is the error a Ticket resolves with when an operation is
// rejected or cannot be committed.
//
// Runtime errors include:
//   - Invalid operation: unknown name or missing argument
//   - Not initialized: the operation needs Initialize to have run
//   - Retries exhausted: conflicts or transient store errors outlasted the policy
//   - Stopped: the runtime closed before the operation ran
//
// An operation that fails with a RuntimeError has not mutated state.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	Key       ir.EntityKey
	Operation ir.OperationName

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidOperation indicates an unknown operation or bad arguments.
	ErrCodeInvalidOperation RuntimeErrorCode = "INVALID_OPERATION"

	// ErrCodeNotInitialized indicates the entity must be initialized first.
	ErrCodeNotInitialized RuntimeErrorCode = "NOT_INITIALIZED"

	// ErrCodeRetriesExhausted indicates the commit retry budget ran out.
	ErrCodeRetriesExhausted RuntimeErrorCode = "RETRIES_EXHAUSTED"

	// ErrCodeStopped indicates the runtime is closed.
	ErrCodeStopped RuntimeErrorCode = "STOPPED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%s, operation=%s)", msg, e.Key, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsInvalidOperation reports whether err rejected an operation up front,
// either as malformed or as requiring initialization.
// Uses errors.As to handle wrapped errors.
func IsInvalidOperation(err error) bool {
	return hasCode(err, ErrCodeInvalidOperation) || hasCode(err, ErrCodeNotInitialized)
}

// IsNotInitialized reports whether err is a NOT_INITIALIZED rejection.
func IsNotInitialized(err error) bool {
	return hasCode(err, ErrCodeNotInitialized)
}

// IsRetriesExhausted reports whether err is a RETRIES_EXHAUSTED failure.
func IsRetriesExhausted(err error) bool {
	return hasCode(err, ErrCodeRetriesExhausted)
}

// IsStopped reports whether err is a STOPPED failure.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeStopped)
}

func newStoppedError(key ir.EntityKey, op ir.OperationName) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeStopped,
		Message:   "runtime is closed",
		Key:       key,
		Operation: op,
	}
}
