// Package errors provides the structured error taxonomy shared by the engine's components.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for engine operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Transport errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	ErrCodeDNSFailure        ErrorCode = "DNS_FAILURE"
	ErrCodeTLSFailure        ErrorCode = "TLS_FAILURE"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// HTTP errors
	ErrCodeHTTPClient      ErrorCode = "HTTP_CLIENT_ERROR"
	ErrCodeHTTPServer      ErrorCode = "HTTP_SERVER_ERROR"
	ErrCodeHTTPRateLimited ErrorCode = "HTTP_RATE_LIMITED"

	// Timeout errors
	ErrCodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeBatchTimeout   ErrorCode = "BATCH_TIMEOUT"
	ErrCodeNotAttempted   ErrorCode = "NOT_ATTEMPTED"

	// Resource errors
	ErrCodePoolExhausted  ErrorCode = "POOL_EXHAUSTED"
	ErrCodePoolClosed     ErrorCode = "POOL_CLOSED"
	ErrCodeMemoryPressure ErrorCode = "MEMORY_PRESSURE"
	ErrCodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"

	// Transform errors
	ErrCodeTransformFailed ErrorCode = "TRANSFORM_FAILED"
	ErrCodeTransformPanic  ErrorCode = "TRANSFORM_PANIC"

	// Cache and store errors
	ErrCodeStoreRead   ErrorCode = "STORE_READ"
	ErrCodeStoreWrite  ErrorCode = "STORE_WRITE"
	ErrCodeStoreDelete ErrorCode = "STORE_DELETE"
	ErrCodeBadPattern  ErrorCode = "BAD_PATTERN"

	// Internal errors
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransport     ErrorCategory = "transport"
	CategoryHTTP          ErrorCategory = "http"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryResource      ErrorCategory = "resource"
	CategoryTransform     ErrorCategory = "transform"
	CategoryCache         ErrorCategory = "cache"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinel errors for comparisons with errors.Is. Matching is by code.
var (
	ErrPoolClosed    = NewError(ErrCodePoolClosed, "connection pool is closed")
	ErrPoolExhausted = NewError(ErrCodePoolExhausted, "no connection became available before the acquire timeout")
	ErrBatchTimeout  = NewError(ErrCodeBatchTimeout, "batch wall-clock ceiling exceeded")
	ErrNotAttempted  = NewError(ErrCodeNotAttempted, "request was not attempted before the batch ended")
	ErrCircuitOpen   = NewError(ErrCodeCircuitOpen, "circuit breaker is open")
)

// EngineError represents a structured error with context and metadata.
type EngineError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Retry hints
	Retryable  bool          `json:"retryable"`
	HTTPStatus int           `json:"http_status,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a new error with the defaults for its code.
func NewError(code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a format string.
func Newf(code ErrorCode, format string, args ...interface{}) *EngineError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// NewHTTPError classifies an HTTP status: 429 and 5xx are retryable, other 4xx are not.
func NewHTTPError(status int) *EngineError {
	var code ErrorCode
	switch {
	case status == http.StatusTooManyRequests:
		code = ErrCodeHTTPRateLimited
	case status >= 500:
		code = ErrCodeHTTPServer
	default:
		code = ErrCodeHTTPClient
	}
	err := NewError(code, fmt.Sprintf("remote returned %d %s", status, http.StatusText(status)))
	err.HTTPStatus = status
	return err
}

// NewTransportError wraps a connection-level failure. Context deadline errors
// become request timeouts.
func NewTransportError(cause error) *EngineError {
	code := ErrCodeNetworkError
	msg := strings.ToLower(cause.Error())
	switch {
	case stderrors.Is(cause, context.DeadlineExceeded):
		code = ErrCodeRequestTimeout
	case strings.Contains(msg, "no such host"):
		code = ErrCodeDNSFailure
	case strings.Contains(msg, "tls") || strings.Contains(msg, "x509"):
		code = ErrCodeTLSFailure
	case strings.Contains(msg, "connection refused"):
		code = ErrCodeConnectionRefused
	case strings.Contains(msg, "dial"):
		code = ErrCodeConnectionFailed
	}
	return NewError(code, "transport failure").WithCause(cause)
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeConnectionFailed, ErrCodeConnectionRefused, ErrCodeDNSFailure, ErrCodeTLSFailure, ErrCodeNetworkError:
		return CategoryTransport
	case ErrCodeHTTPClient, ErrCodeHTTPServer, ErrCodeHTTPRateLimited:
		return CategoryHTTP
	case ErrCodeRequestTimeout, ErrCodeBatchTimeout, ErrCodeNotAttempted:
		return CategoryTimeout
	case ErrCodePoolExhausted, ErrCodePoolClosed, ErrCodeMemoryPressure, ErrCodeCircuitOpen:
		return CategoryResource
	case ErrCodeTransformFailed, ErrCodeTransformPanic:
		return CategoryTransform
	case ErrCodeStoreRead, ErrCodeStoreWrite, ErrCodeStoreDelete, ErrCodeBadPattern:
		return CategoryCache
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if a code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch GetCategory(code) {
	case CategoryTransport:
		return true
	case CategoryHTTP:
		return code != ErrCodeHTTPClient
	}
	return code == ErrCodeRequestTimeout
}

// IsRetryable reports whether err carries a retryable EngineError.
func IsRetryable(err error) bool {
	var e *EngineError
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CategoryOf returns the category of err, or CategoryInternal when err is not an EngineError.
func CategoryOf(err error) ErrorCategory {
	var e *EngineError
	if stderrors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// CodeOf returns the code of err, or the empty code when err is not an EngineError.
func CodeOf(err error) ErrorCode {
	var e *EngineError
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RetryAfterOf returns the server-requested retry delay carried by err.
func RetryAfterOf(err error) time.Duration {
	var e *EngineError
	if stderrors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// WithDetail adds detailed information to an error.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *EngineError) WithComponent(component string) *EngineError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithRequestID sets the request id for an error.
func (e *EngineError) WithRequestID(id string) *EngineError {
	e.RequestID = id
	return e
}

// WithCause sets the underlying cause.
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// WithRetryAfter records a server-requested retry delay.
func (e *EngineError) WithRetryAfter(d time.Duration) *EngineError {
	e.RetryAfter = d
	return e
}

// Wrap wraps err with a code and message, keeping an existing EngineError's retry hint.
func Wrap(err error, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}
	wrapped := NewError(code, message).WithCause(err)
	var inner *EngineError
	if stderrors.As(err, &inner) {
		wrapped.Retryable = inner.Retryable
		wrapped.HTTPStatus = inner.HTTPStatus
	}
	return wrapped
}

// Is and As re-export the standard library helpers so callers need one import.
var (
	Is = stderrors.Is
	As = stderrors.As
)
