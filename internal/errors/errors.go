// Package errors defines the service error taxonomy shared by the engine,
// the stores and the HTTP layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error category.
type Code string

const (
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeInternal     Code = "INTERNAL"
)

// ServiceError carries a category, a caller-facing message and the HTTP status
// the API layer should respond with.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// InvalidInput reports a malformed or out-of-range request value.
func InvalidInput(format string, args ...interface{}) *ServiceError {
	return &ServiceError{
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound reports an unknown id on an id-addressed operation.
func NotFound(format string, args ...interface{}) *ServiceError {
	return &ServiceError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict reports a uniqueness violation or a concurrent-update conflict.
func Conflict(format string, args ...interface{}) *ServiceError {
	return &ServiceError{
		Code:       CodeConflict,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusConflict,
	}
}

// Unauthorized reports a missing or mismatched API key.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Unavailable reports an unreachable backing store. Fatal for the in-flight
// request only; the process keeps serving.
func Unavailable(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// GetServiceError extracts a ServiceError from an error chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus maps any error to a response status.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

func is(err error, code Code) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

func IsInvalidInput(err error) bool { return is(err, CodeInvalidInput) }
func IsNotFound(err error) bool     { return is(err, CodeNotFound) }
func IsConflict(err error) bool     { return is(err, CodeConflict) }
func IsUnavailable(err error) bool  { return is(err, CodeUnavailable) }
