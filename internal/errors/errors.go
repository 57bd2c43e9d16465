package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific failure class for better error handling
type ErrorCode string

const (
	// ErrCodeConnectFailure indicates a worker's socket could not be reached
	ErrCodeConnectFailure ErrorCode = "CONNECT_FAILURE"
	// ErrCodeProtocolError indicates a malformed, oversized, or mismatched frame
	ErrCodeProtocolError ErrorCode = "PROTOCOL_ERROR"
	// ErrCodeIoTimeout indicates a write or read exceeded its bound
	ErrCodeIoTimeout ErrorCode = "IO_TIMEOUT"
	// ErrCodePoolExhausted indicates no connection became available within the acquire deadline
	ErrCodePoolExhausted ErrorCode = "POOL_EXHAUSTED"
	// ErrCodeWorkerFatal indicates a worker exceeded its restart budget and was stopped
	ErrCodeWorkerFatal ErrorCode = "WORKER_FATAL"
	// ErrCodeRequestTooLarge indicates a request body exceeded the frame payload bound
	ErrCodeRequestTooLarge ErrorCode = "REQUEST_TOO_LARGE"
	// ErrCodeInternal indicates an unexpected internal failure
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// Infrastructure errors
	ErrCodeConfigLoad ErrorCode = "CONFIG_LOAD_FAILED"
)

// BridgeError represents a structured error with context
type BridgeError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *BridgeError) Is(target error) bool {
	if t, ok := target.(*BridgeError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *BridgeError) WithMetadata(key string, value interface{}) *BridgeError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable returns true if the error might be resolved by retrying on a
// different connection. Pool exhaustion and fatal worker loss are systemic
// conditions and must always surface.
func (e *BridgeError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnectFailure, ErrCodeIoTimeout, ErrCodeProtocolError:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *BridgeError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodePoolExhausted, ErrCodeWorkerFatal:
		return 503
	case ErrCodeIoTimeout:
		return 504
	case ErrCodeProtocolError, ErrCodeConnectFailure:
		return 502
	case ErrCodeRequestTooLarge:
		return 413
	default:
		return 500
	}
}

// NewError creates a new BridgeError
func NewError(code ErrorCode, component, message string) *BridgeError {
	return &BridgeError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with BridgeError structure
func WrapError(err error, code ErrorCode, component, message string) *BridgeError {
	if err == nil {
		return nil
	}

	return &BridgeError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewConnectFailureError creates an error for an unreachable worker socket
func NewConnectFailureError(workerID int, cause error) *BridgeError {
	return WrapError(
		cause,
		ErrCodeConnectFailure,
		"pool",
		fmt.Sprintf("cannot connect to worker %d socket", workerID),
	).WithMetadata("worker_id", workerID)
}

// NewPoolExhaustedError creates an error for an exhausted connection pool
func NewPoolExhaustedError(waited time.Duration) *BridgeError {
	return NewError(
		ErrCodePoolExhausted,
		"pool",
		fmt.Sprintf("no connection became available within %v", waited),
	).WithMetadata("waited", waited.String())
}

// NewIoTimeoutError creates an error for a timed-out socket operation
func NewIoTimeoutError(op string, cause error) *BridgeError {
	return WrapError(
		cause,
		ErrCodeIoTimeout,
		"bridge",
		fmt.Sprintf("%s exceeded its deadline", op),
	).WithMetadata("op", op)
}

// NewProtocolError creates an error for a malformed or mismatched frame
func NewProtocolError(message string, cause error) *BridgeError {
	if cause == nil {
		return NewError(ErrCodeProtocolError, "protocol", message)
	}
	return WrapError(cause, ErrCodeProtocolError, "protocol", message)
}

// NewRequestTooLargeError creates an error for a request that cannot fit in a frame
func NewRequestTooLargeError(cause error) *BridgeError {
	return WrapError(
		cause,
		ErrCodeRequestTooLarge,
		"bridge",
		"request exceeds the maximum frame payload",
	)
}

// NewWorkerFatalError creates an error for a worker that exhausted its restart budget
func NewWorkerFatalError(workerID, restarts int) *BridgeError {
	return NewError(
		ErrCodeWorkerFatal,
		"supervisor",
		fmt.Sprintf("worker %d stopped after %d restarts within budget window", workerID, restarts),
	).WithMetadata("worker_id", workerID).WithMetadata("restarts", restarts)
}

// IsBridgeError checks if an error is a BridgeError
func IsBridgeError(err error) bool {
	var bErr *BridgeError
	return errors.As(err, &bErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var bErr *BridgeError
	if errors.As(err, &bErr) {
		return bErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var bErr *BridgeError
	if errors.As(err, &bErr) {
		return bErr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var bErr *BridgeError
	if errors.As(err, &bErr) {
		return bErr.HTTPStatusCode()
	}
	return 500
}
