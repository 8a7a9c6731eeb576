/*
errors.go - Error types for the payroll engine

PURPOSE:
  Every failure surfaced by an operation is a *Error carrying a stable Code
  and the context needed to act on it (run, line, field, prior state).
  Each Code maps to a sentinel so callers can use errors.Is.

ERROR CATEGORIES:
  1. Client errors - bad input or an action not legal in the current state
  2. Conflicts - another writer got there first (retryable)
  3. Collaborator errors - roster, attendance, artifact or delivery failures

USAGE:

    if errors.Is(err, payroll.ErrRunClosed) { ... }
    if payroll.CodeOf(err) == payroll.CodeValidation { ... }

SEE ALSO:
  - lifecycle.go: produces the state-guard errors
  - api/errors.go: maps codes to HTTP statuses
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (period, value, field, reason).
	ErrValidation = errors.New("validation failed")

	// ErrRunClosed is returned when an override targets a run that is no longer draft.
	ErrRunClosed = errors.New("run is closed for edits")

	// ErrNoActiveRun is returned when an operation needs a run and none is selected.
	ErrNoActiveRun = errors.New("no active run")

	// ErrAlreadyAuthorized is returned when authorizing a run twice.
	ErrAlreadyAuthorized = errors.New("run already authorized")

	// ErrNotAuthorized is returned when distributing a run that is not authorized.
	ErrNotAuthorized = errors.New("run not authorized")

	// ErrEmptyRun is returned when a preview produces no lines or an empty run is authorized.
	ErrEmptyRun = errors.New("run has no lines")

	// ErrNotFound is returned when a run, line or employee does not exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrCollaborator is returned when an external collaborator fails.
	ErrCollaborator = errors.New("collaborator failure")

	// ErrTimeout is returned when a collaborator call exceeds its deadline.
	ErrTimeout = errors.New("collaborator timeout")

	// ErrLocked is returned when another process holds the run lock.
	ErrLocked = errors.New("run is locked by another operation")
)

// =============================================================================
// CODES
// =============================================================================

type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeRunClosed         Code = "RUN_CLOSED"
	CodeNoActiveRun       Code = "NO_ACTIVE_RUN"
	CodeAlreadyAuthorized Code = "ALREADY_AUTHORIZED"
	CodeNotAuthorized     Code = "NOT_AUTHORIZED"
	CodeEmptyRun          Code = "EMPTY_RUN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONCURRENT_MODIFICATION"
	CodeCollaborator      Code = "COLLABORATOR_FAILURE"
	CodeTimeout           Code = "TIMEOUT"
	CodeLocked            Code = "LOCKED"
)

var codeSentinels = map[Code]error{
	CodeValidation:        ErrValidation,
	CodeRunClosed:         ErrRunClosed,
	CodeNoActiveRun:       ErrNoActiveRun,
	CodeAlreadyAuthorized: ErrAlreadyAuthorized,
	CodeNotAuthorized:     ErrNotAuthorized,
	CodeEmptyRun:          ErrEmptyRun,
	CodeNotFound:          ErrNotFound,
	CodeConflict:          ErrConcurrentModification,
	CodeCollaborator:      ErrCollaborator,
	CodeTimeout:           ErrTimeout,
	CodeLocked:            ErrLocked,
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is the single error type returned by payroll operations.
type Error struct {
	Code    Code
	Message string

	RunID      RunID
	LineID     LineID
	Field      Field
	PriorState Status

	// Err is the underlying cause; it may be nil.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = codeSentinels[e.Code].Error()
	}
	var ctx []string
	if e.RunID != "" {
		ctx = append(ctx, "run "+string(e.RunID))
	}
	if e.LineID != "" {
		ctx = append(ctx, "line "+string(e.LineID))
	}
	if e.Field != 0 {
		ctx = append(ctx, "field "+e.Field.String())
	}
	if len(ctx) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(ctx, ", "))
	}
	if e.Err != nil && !isSentinel(e.Err) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the code's sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{codeSentinels[e.Code]}
	if e.Err != nil && e.Err != codeSentinels[e.Code] {
		errs = append(errs, e.Err)
	}
	return errs
}

func isSentinel(err error) bool {
	for _, s := range codeSentinels {
		if err == s {
			return true
		}
	}
	return false
}

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Validationf builds a VALIDATION_ERROR.
func Validationf(format string, args ...any) *Error {
	return newError(CodeValidation, fmt.Sprintf(format, args...), nil)
}

func notFound(kind, id string) *Error {
	return newError(CodeNotFound, fmt.Sprintf("%s %s not found", kind, id), nil)
}

// collaboratorError wraps a failed collaborator call, turning deadline
// expiry into TIMEOUT.
func collaboratorError(what string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, what+" timed out", err)
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return newError(CodeCollaborator, what+" failed", err)
}

// storeError converts a Store failure into a *Error. Stores signal state
// conflicts by wrapping the package sentinels.
func storeError(what string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return newError(CodeNotFound, what+": not found", err)
	case errors.Is(err, ErrRunClosed):
		return newError(CodeRunClosed, what+": run is no longer draft", err)
	case errors.Is(err, ErrConcurrentModification):
		return newError(CodeConflict, what+": modified concurrently", err)
	}
	return collaboratorError(what, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf returns the Code of err, or "" if err is not a payroll error.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLocked) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCollaborator)
}

// IsClientError returns true if the error is due to invalid input or an
// action that the run's current state does not allow.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrRunClosed) ||
		errors.Is(err, ErrNoActiveRun) ||
		errors.Is(err, ErrAlreadyAuthorized) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrEmptyRun)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
