// Package errors defines the service error taxonomy shared across the access layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure. Codes are stable and safe to log;
// only Message is ever shown to external callers.
type ErrorCode string

const (
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeTenantMismatch   ErrorCode = "TENANT_MISMATCH"
	CodeMissingTenant    ErrorCode = "MISSING_TENANT"
	CodeMigrationFailed  ErrorCode = "MIGRATION_FAILED"
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	CodeRateLimited      ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// ServiceError carries an error code, an external-safe message, the HTTP status
// it maps to, and optional structured details for logging.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// Is makes two ServiceErrors with the same code match under errors.Is.
func (e *ServiceError) Is(target error) bool {
	var se *ServiceError
	if errors.As(target, &se) {
		return e.Code == se.Code
	}
	return false
}

// WithDetails attaches a key/value pair for structured logging.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Unauthorized covers every bad/expired/revoked/missing credential case. The
// message is intentionally generic to avoid an authentication oracle.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return &ServiceError{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// InvalidToken wraps a token verification failure as an Unauthorized error,
// keeping the underlying cause for logs only.
func InvalidToken(cause error) *ServiceError {
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    "invalid or expired token",
		HTTPStatus: http.StatusUnauthorized,
		cause:      cause,
	}
}

// TenantMismatch is raised when the token tenant and the asserted tenant
// disagree. Externally it is rendered as the same generic rejection as
// Unauthorized; the code exists for internal logging and tests.
func TenantMismatch() *ServiceError {
	return &ServiceError{
		Code:       CodeTenantMismatch,
		Message:    "unauthorized",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// MissingTenant is raised when no tenant assertion accompanies the request.
func MissingTenant() *ServiceError {
	return &ServiceError{
		Code:       CodeMissingTenant,
		Message:    "unauthorized",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// MigrationFailed is fatal: the process must not serve traffic on an unknown
// schema state.
func MigrationFailed(cause error) *ServiceError {
	return &ServiceError{
		Code:       CodeMigrationFailed,
		Message:    "schema migration failed",
		HTTPStatus: http.StatusServiceUnavailable,
		cause:      cause,
	}
}

// ConnectionClosed marks normal or abnormal termination of a gateway channel.
func ConnectionClosed(reason string) *ServiceError {
	return &ServiceError{
		Code:       CodeConnectionClosed,
		Message:    reason,
		HTTPStatus: http.StatusGone,
	}
}

// RateLimitExceeded is returned when a caller exhausts its request budget.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return (&ServiceError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}).WithDetails("limit", limit).WithDetails("window", window)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *ServiceError {
	return &ServiceError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		cause:      cause,
	}
}

// GetServiceError extracts a *ServiceError from err, or nil when err is not one.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
