package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Flow setup errors
	ErrCodeEmptyPool             ErrorCode = "EMPTY_POOL"
	ErrCodeUnknownHostLocation   ErrorCode = "UNKNOWN_HOST_LOCATION"
	ErrCodeUnknownAdjacency      ErrorCode = "UNKNOWN_ADJACENCY"
	ErrCodePathNotFound          ErrorCode = "PATH_NOT_FOUND"
	ErrCodePathResolutionTimeout ErrorCode = "PATH_RESOLUTION_TIMEOUT"
	ErrCodeSwitchUnavailable     ErrorCode = "SWITCH_UNAVAILABLE"
	ErrCodeFlowSetupRejected     ErrorCode = "FLOW_SETUP_REJECTED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrEmptyPool             = &ControllerError{Code: ErrCodeEmptyPool}
	ErrUnknownHostLocation   = &ControllerError{Code: ErrCodeUnknownHostLocation}
	ErrUnknownAdjacency      = &ControllerError{Code: ErrCodeUnknownAdjacency}
	ErrPathNotFound          = &ControllerError{Code: ErrCodePathNotFound}
	ErrPathResolutionTimeout = &ControllerError{Code: ErrCodePathResolutionTimeout}
	ErrSwitchUnavailable     = &ControllerError{Code: ErrCodeSwitchUnavailable}
	ErrFlowSetupRejected     = &ControllerError{Code: ErrCodeFlowSetupRejected}
)

// ControllerError represents a structured error with context
type ControllerError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *ControllerError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Component, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *ControllerError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *ControllerError) Is(target error) bool {
	if t, ok := target.(*ControllerError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *ControllerError) WithMetadata(key string, value interface{}) *ControllerError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable reports whether the condition usually clears on its own: a
// switch reconnecting, link discovery catching up, or the path service
// answering the next attempt.
func (e *ControllerError) IsRetryable() bool {
	switch e.Code {
	case ErrCodePathResolutionTimeout, ErrCodeSwitchUnavailable, ErrCodeUnknownAdjacency, ErrCodeFlowSetupRejected:
		return true
	default:
		return false
	}
}

// NewError creates a new ControllerError
func NewError(code ErrorCode, component, message string) *ControllerError {
	return &ControllerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new ControllerError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *ControllerError {
	e := NewError(code, component, message)
	if cause != nil {
		e.Cause = cause
		e.Details = cause.Error()
	}
	return e
}

// WrapError wraps an existing error with ControllerError structure
func WrapError(err error, code ErrorCode, component, message string) *ControllerError {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, component, message, err)
}

// NewEmptyPoolError is returned when selection runs against an empty pool
func NewEmptyPoolError() *ControllerError {
	return NewError(ErrCodeEmptyPool, "selector", "backend pool is empty")
}

// NewUnknownHostLocationError is returned when a host has no attachment entry
func NewUnknownHostLocationError(ip string) *ControllerError {
	return NewError(
		ErrCodeUnknownHostLocation,
		"host_locations",
		fmt.Sprintf("no attachment point known for host %s", ip),
	).WithMetadata("ip", ip)
}

// NewUnknownAdjacencyError is returned when no link between two switches has been reported
func NewUnknownAdjacencyError(from, toward string) *ControllerError {
	return NewError(
		ErrCodeUnknownAdjacency,
		"adjacency",
		fmt.Sprintf("no known port on %s toward %s", from, toward),
	).WithMetadata("from", from).WithMetadata("toward", toward)
}

// NewPathNotFoundError is returned when the topology service reports no path
func NewPathNotFoundError(ingress, egress string) *ControllerError {
	return NewError(
		ErrCodePathNotFound,
		"path_resolver",
		fmt.Sprintf("no path from %s to %s", ingress, egress),
	).WithMetadata("ingress", ingress).WithMetadata("egress", egress)
}

// NewPathResolutionTimeoutError is returned when no path response arrives in time
func NewPathResolutionTimeoutError(ingress, egress string, timeout time.Duration) *ControllerError {
	return NewError(
		ErrCodePathResolutionTimeout,
		"path_resolver",
		fmt.Sprintf("no path response for %s -> %s within %s", ingress, egress, timeout),
	).WithMetadata("ingress", ingress).WithMetadata("egress", egress)
}

// NewSwitchUnavailableError is returned when a message targets a disconnected switch
func NewSwitchUnavailableError(dpid string, cause error) *ControllerError {
	return NewErrorWithCause(
		ErrCodeSwitchUnavailable,
		"switch_registry",
		fmt.Sprintf("switch %s is not connected", dpid),
		cause,
	).WithMetadata("dpid", dpid)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var cErr *ControllerError
	if errors.As(err, &cErr) {
		return cErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var cErr *ControllerError
	if errors.As(err, &cErr) {
		return cErr.IsRetryable()
	}
	return false
}
