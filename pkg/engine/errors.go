package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a provisioning error.
type ErrorClass string

const (
	// ErrorClassTransient indicates infrastructure that could not be reached.
	// Examples: container engine unreachable, agent session broken.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource clash on the host.
	// Examples: container name already in use, image missing.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that repeating the same request
	// will not fix.
	// Examples: installer step failed, invalid request, unknown record.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the workload name the error relates to, if any.
	Node string `json:"node,omitempty"`

	// Step is the setup or teardown step that failed.
	Step string `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Node != "" && e.Step != "":
		msg += fmt.Sprintf(" (node=%s, step=%s)", e.Node, e.Step)
	case e.Node != "":
		msg += fmt.Sprintf(" (node=%s)", e.Node)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches errors with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err, Code: ErrCodeConflict}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewNotFoundError reports a missing record.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).WithCode(ErrCodeNotFound)
}

// NewValidationError reports an invalid request.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// WithNode adds workload context to an error.
func (e *EngineError) WithNode(name string) *EngineError {
	e.Node = name
	return e
}

// WithStep adds step context to an error.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the error code of err, or ErrCodeInternal for
// unclassified errors.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeUnreachable       = "UNREACHABLE"
	ErrCodeImageUnavailable  = "IMAGE_UNAVAILABLE"
	ErrCodeAgentUnregistered = "AGENT_NOT_REGISTERED"
	ErrCodeInstallFailed     = "INSTALL_FAILED"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
