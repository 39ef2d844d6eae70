// Package engine implements the reconciliation core: the phase dependency
// DAG, the orchestrator loop that converges declared resources, and the
// classified error taxonomy the retry policy is built on.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry. Examples: executor timeouts, describer unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates deliberate backpressure: the circuit
	// breaker rejected the attempt or a collaborator rate-limited us.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a coordination conflict: optimistic
	// lock contention or a busy reconciliation lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: dependency cycles, malformed specs.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling of terminal failure reasons.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeVersionConflict      = "VERSION_CONFLICT"
	ErrCodeLockBusy             = "LOCK_BUSY"
	ErrCodeLockExpired          = "LOCK_EXPIRED_DURING_WORK"
	ErrCodeDependencyCycle      = "DEPENDENCY_CYCLE"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
	ErrCodeExecutorTimeout      = "EXECUTOR_TIMEOUT"
	ErrCodeExecutorFailed       = "EXECUTOR_FAILED"
	ErrCodeDescriberUnavailable = "DESCRIBER_UNAVAILABLE"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// ReconcileError represents a classified error with context.
type ReconcileError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource or phase ID that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s", e.Resource)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two reconcile errors match
// when class and code agree.
func (e *ReconcileError) Is(target error) bool {
	t, ok := target.(*ReconcileError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ReconcileError {
	return &ReconcileError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewDependencyCycleError reports a cycle in the phase graph, naming its
// edges. Always permanent: the spec is malformed and no order may be
// guessed.
func NewDependencyCycleError(cycle []string) *ReconcileError {
	return &ReconcileError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeDependencyCycle,
		Message: fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")),
	}
}

// NewCircuitOpenError reports a remediation attempt rejected by the
// circuit breaker or its concurrency ceiling.
func NewCircuitOpenError(reason string) *ReconcileError {
	return &ReconcileError{
		Class:   ErrorClassThrottled,
		Code:    ErrCodeCircuitOpen,
		Message: fmt.Sprintf("remediation rejected: %s", reason),
	}
}

// NewLockBusyError reports that another runner holds the key. Callers skip
// rather than fail on this.
func NewLockBusyError(key string) *ReconcileError {
	return &ReconcileError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeLockBusy,
		Message:  "lock held by another runner",
		Resource: key,
	}
}

// NewLockExpiredError reports a lost lease mid-operation. The caller must
// abort and treat partial work as unconfirmed.
func NewLockExpiredError(key string, err error) *ReconcileError {
	return &ReconcileError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeLockExpired,
		Message:  "lock lease expired during work",
		Resource: key,
		Err:      err,
	}
}

func classOf(err error) (ErrorClass, bool) {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func codeOf(err error) string {
	var e *ReconcileError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// WithResource adds resource context to an error.
func (e *ReconcileError) WithResource(resourceID string) *ReconcileError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *ReconcileError) WithOperation(operation string) *ReconcileError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *ReconcileError) WithCode(code string) *ReconcileError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried in place. Transient
// errors and store-level version conflicts are; throttled errors are not
// (the breaker said stop), and permanent errors never are.
func IsRetryable(err error) bool {
	if IsTransient(err) {
		return true
	}
	return IsConflict(err) && codeOf(err) == ErrCodeVersionConflict
}

// IsLockBusy reports whether err is a busy reconciliation lock.
func IsLockBusy(err error) bool { return codeOf(err) == ErrCodeLockBusy }

// IsCircuitOpen reports whether err is a circuit breaker rejection.
func IsCircuitOpen(err error) bool { return codeOf(err) == ErrCodeCircuitOpen }

// IsDependencyCycle reports whether err is a dependency cycle.
func IsDependencyCycle(err error) bool { return codeOf(err) == ErrCodeDependencyCycle }

// IsLockExpired reports whether err is a lost lease.
func IsLockExpired(err error) bool { return codeOf(err) == ErrCodeLockExpired }
