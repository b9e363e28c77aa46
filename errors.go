package stepflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeExecutionFailed  = "EXECUTION_FAILED"
	ErrCodeNonRetriable     = "NON_RETRIABLE"
	ErrCodeNonDeterministic = "NON_DETERMINISTIC"
	ErrCodeDuplicateStep    = "DUPLICATE_STEP"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodePanic            = "PANIC"
	ErrCodeRestartsExceeded = "RESTARTS_EXCEEDED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// Sentinel errors returned by the ledger and the engine.
var (
	ErrRunNotFound   = errors.New("stepflow: run not found")
	ErrStepNotFound  = errors.New("stepflow: step not found")
	ErrRunTerminal   = errors.New("stepflow: run is in a terminal state")
	ErrStepCompleted = errors.New("stepflow: step already completed")
	ErrLeaseHeld     = errors.New("stepflow: run lease held by another executor")
	ErrSuspended     = errors.New("stepflow: run suspended")
	// ErrRecordRejected means the backend refused the record itself, for
	// its size or content, as opposed to being unavailable
	ErrRecordRejected = errors.New("stepflow: record rejected by ledger")
)

// WorkflowError represents an error that ended a run
type WorkflowError struct {
	Message   string                 `json:"message" dynamodbav:"message"`
	Code      string                 `json:"code" dynamodbav:"code"`
	Step      string                 `json:"step,omitempty" dynamodbav:"step,omitempty"`
	Timestamp time.Time              `json:"timestamp" dynamodbav:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewWorkflowError creates a new workflow error
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewWorkflowErrorWithStep creates a new workflow error with step context
func NewWorkflowErrorWithStep(code, message, step string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Step:      step,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to the error
func (e *WorkflowError) WithDetails(details map[string]interface{}) *WorkflowError {
	e.Details = details
	return e
}

// StepError represents the failure of one step attempt. It is what the
// workflow program receives from a step whose retries are exhausted.
type StepError struct {
	Message   string                 `json:"message" dynamodbav:"message"`
	Code      string                 `json:"code" dynamodbav:"code"`
	Step      string                 `json:"step,omitempty" dynamodbav:"step,omitempty"`
	Timestamp time.Time              `json:"timestamp" dynamodbav:"timestamp"`
	Attempt   int                    `json:"attempt" dynamodbav:"attempt"`
	Details   map[string]interface{} `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// Error implements the error interface
func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] %s (attempt: %d)", e.Code, e.Message, e.Attempt)
}

// NewStepError creates a new step error
func NewStepError(code, message string, attempt int) *StepError {
	return &StepError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
		Attempt:   attempt,
	}
}

// WithDetails adds details to the error
func (e *StepError) WithDetails(details map[string]interface{}) *StepError {
	e.Details = details
	return e
}

// DefinitionError reports an invalid workflow definition or registration.
type DefinitionError struct {
	WorkflowID string
	Reason     string
}

func (e *DefinitionError) Error() string {
	if e.WorkflowID == "" {
		return fmt.Sprintf("invalid workflow definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid workflow definition %q: %s", e.WorkflowID, e.Reason)
}

// LedgerError wraps a storage failure. The engine treats it as an
// infrastructure failure and schedules a run-level restart.
type LedgerError struct {
	Op    string
	RunID string
	Err   error
}

func (e *LedgerError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("ledger %s failed for run %s: %v", e.Op, e.RunID, e.Err)
	}
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// NewLedgerError wraps err unless it is nil or already a ledger sentinel.
func NewLedgerError(op, runID string, err error) error {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) || isLedgerSentinel(err) {
		return err
	}
	return &LedgerError{Op: op, RunID: runID, Err: err}
}

// IsLedgerError reports whether err is an infrastructure failure of the ledger
func IsLedgerError(err error) bool {
	var le *LedgerError
	return errors.As(err, &le)
}

func isLedgerSentinel(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrRunTerminal) ||
		errors.Is(err, ErrStepCompleted)
}

// SuspensionError describes why a run stopped making progress without
// reaching a terminal state. It matches ErrSuspended.
type SuspensionError struct {
	RunID  string
	Step   string
	Reason string
	WakeAt *time.Time
}

func (e *SuspensionError) Error() string {
	if e.WakeAt != nil {
		return fmt.Sprintf("run %s suspended at step %s until %s", e.RunID, e.Step, e.WakeAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("run %s suspended at step %s: %s", e.RunID, e.Step, e.Reason)
}

func (e *SuspensionError) Is(target error) bool { return target == ErrSuspended }

// nonRetriableError marks an error that must not be retried.
type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string { return e.err.Error() }

func (e *nonRetriableError) Unwrap() error { return e.err }

// NonRetriable wraps err so the retry policy fails the step immediately.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

// IsNonRetriable reports whether err was wrapped with NonRetriable
func IsNonRetriable(err error) bool {
	var nr *nonRetriableError
	return errors.As(err, &nr)
}

func toWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}

	var we *WorkflowError
	if errors.As(err, &we) {
		return we
	}

	return &WorkflowError{
		Message:   err.Error(),
		Code:      ErrCodeInternalError,
		Timestamp: time.Now(),
	}
}

// ToWorkflowError converts any error into a WorkflowError
func ToWorkflowError(err error) *WorkflowError {
	return toWorkflowError(err)
}

func toStepError(err error, step string, attempt int) *StepError {
	if err == nil {
		return nil
	}

	var se *StepError
	if errors.As(err, &se) {
		c := *se
		c.Attempt = attempt
		if c.Step == "" {
			c.Step = step
		}
		return &c
	}

	code := ErrCodeExecutionFailed
	message := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
		message = "Step execution timed out"
	case IsNonRetriable(err):
		code = ErrCodeNonRetriable
	}

	return &StepError{
		Message:   message,
		Code:      code,
		Step:      step,
		Timestamp: time.Now(),
		Attempt:   attempt,
	}
}

// ToStepError converts any error into a StepError for the given attempt
func ToStepError(err error, step string, attempt int) *StepError {
	return toStepError(err, step, attempt)
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code == ErrCodeTimeout
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code == ErrCodeTimeout
	}
	return errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout")
}
