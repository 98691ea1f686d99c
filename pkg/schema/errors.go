package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeInvalidToken      = "INVALID_TOKEN"
	ErrCodeApprovalExpired   = "APPROVAL_EXPIRED"
)

// StepgateError is the structured error type for all stepgate operations.
type StepgateError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepgateError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepgateError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepgateError.
func NewError(code, message string) *StepgateError {
	return &StepgateError{Code: code, Message: message}
}

// NewErrorf creates a new StepgateError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepgateError {
	return &StepgateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *StepgateError) WithStep(stepID string) *StepgateError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StepgateError) WithCause(err error) *StepgateError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepgateError) WithDetails(details map[string]any) *StepgateError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a StepgateError with the given code.
func IsCode(err error, code string) bool {
	var se *StepgateError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return IsCode(err, ErrCodeNotFound) }

// IsInvalidToken reports whether err is an INVALID_TOKEN or APPROVAL_EXPIRED error.
func IsInvalidToken(err error) bool {
	return IsCode(err, ErrCodeInvalidToken) || IsCode(err, ErrCodeApprovalExpired)
}

// ApprovalRequired is returned when a pipeline step is waiting on an approval.
// It is a control-flow signal, not a failure: the execution and step are already
// persisted as waiting_approval when it is raised.
type ApprovalRequired struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Token       string `json:"token"`
	Message     string `json:"message,omitempty"`
}

func (e *ApprovalRequired) Error() string {
	return fmt.Sprintf("approval required for step %s of execution %s", e.StepID, e.ExecutionID)
}

// AsApprovalRequired extracts an ApprovalRequired from err, if present.
func AsApprovalRequired(err error) (*ApprovalRequired, bool) {
	var ar *ApprovalRequired
	if errors.As(err, &ar) {
		return ar, true
	}
	return nil, false
}
