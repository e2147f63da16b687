package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for propagation and operator reporting.
type ErrorKind string

const (
	// ErrorKindConfiguration indicates a malformed plan, stage or inventory.
	// Raised before any state is mutated; never retried.
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindExecution indicates the external engine reported failed hosts
	// or could not run at all. Recoverable through the stage retry policy.
	ErrorKindExecution ErrorKind = "execution"

	// ErrorKindPersistence indicates the state store could not read or write
	// a record. Always fatal.
	ErrorKindPersistence ErrorKind = "persistence"

	// ErrorKindPartialSnapshot indicates some hosts were unreachable during a
	// query. Non-fatal; surfaced alongside reports.
	ErrorKindPartialSnapshot ErrorKind = "partial_snapshot"

	// ErrorKindConflict indicates another writer holds the plan.
	ErrorKindConflict ErrorKind = "conflict"
)

// IsFatal reports whether errors of this kind stop the orchestrator outright.
func (k ErrorKind) IsFatal() bool {
	return k == ErrorKindConfiguration || k == ErrorKindPersistence || k == ErrorKindConflict
}

// DeployError is a classified error carrying the plan and stage it concerns.
// nolint:revive // DeployError is intentionally named to distinguish from standard errors
type DeployError struct {
	// Kind is the taxonomy entry of the error.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// PlanID is the plan identity involved, if known.
	PlanID string `json:"plan_id,omitempty"`

	// StageID is the stage involved, if any.
	StageID string `json:"stage_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.PlanID != "" && e.StageID != "":
		msg += fmt.Sprintf(" (plan=%s, stage=%s)", e.PlanID, e.StageID)
	case e.PlanID != "":
		msg += fmt.Sprintf(" (plan=%s)", e.PlanID)
	case e.StageID != "":
		msg += fmt.Sprintf(" (stage=%s)", e.StageID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *DeployError {
	return &DeployError{Kind: ErrorKindConfiguration, Message: message, Err: err, Code: ErrCodeValidation}
}

// NewExecutionError creates a new execution failure.
func NewExecutionError(message string, err error) *DeployError {
	return &DeployError{Kind: ErrorKindExecution, Message: message, Err: err, Code: ErrCodeStageFailed}
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(message string, err error) *DeployError {
	return &DeployError{Kind: ErrorKindPersistence, Message: message, Err: err, Code: ErrCodeStateIO}
}

// NewPartialSnapshotWarning creates a new partial snapshot warning.
func NewPartialSnapshotWarning(message string, err error) *DeployError {
	return &DeployError{Kind: ErrorKindPartialSnapshot, Message: message, Err: err, Code: ErrCodeUnreachable}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *DeployError {
	return &DeployError{Kind: ErrorKindConflict, Message: message, Err: err, Code: ErrCodeConflict}
}

// WithPlan adds plan context to an error.
func (e *DeployError) WithPlan(planID string) *DeployError {
	e.PlanID = planID
	return e
}

// WithStage adds stage context to an error.
func (e *DeployError) WithStage(stageID string) *DeployError {
	e.StageID = stageID
	return e
}

// WithCode adds an error code to an error.
func (e *DeployError) WithCode(code string) *DeployError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *DeployError) WithDetail(key string, value interface{}) *DeployError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of a classified error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfigurationError returns true if the error is a configuration error.
func IsConfigurationError(err error) bool {
	return KindOf(err) == ErrorKindConfiguration
}

// IsExecutionError returns true if the error is an execution failure.
func IsExecutionError(err error) bool {
	return KindOf(err) == ErrorKindExecution
}

// IsPersistenceError returns true if the error is a persistence error.
func IsPersistenceError(err error) bool {
	return KindOf(err) == ErrorKindPersistence
}

// IsPartialSnapshotWarning returns true if the error is a partial snapshot warning.
func IsPartialSnapshotWarning(err error) bool {
	return KindOf(err) == ErrorKindPartialSnapshot
}

// IsConflictError returns true if the error is a conflict.
func IsConflictError(err error) bool {
	return KindOf(err) == ErrorKindConflict
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeStageFailed   = "STAGE_FAILED"
	ErrCodeSystemic      = "SYSTEMIC_FAILURE"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeStateIO       = "STATE_IO"
	ErrCodeCorruptState  = "CORRUPT_STATE"
	ErrCodeUnreachable   = "UNREACHABLE"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeLeaseHeld     = "LEASE_HELD"
	ErrCodeTerminalState = "TERMINAL_STATE"
	ErrCodeGuardrail     = "GUARDRAIL_VIOLATION"
	ErrCodeConsistency   = "CONSISTENCY_GATE"
	ErrCodePlanChanged   = "PLAN_CHANGED"
)
