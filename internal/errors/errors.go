// Package errors maps store and auth failures to REST status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/maruel/blobdb/internal/auth"
	"github.com/maruel/blobdb/internal/blobrepo"
	"github.com/maruel/blobdb/internal/docstore"
)

// ErrorCode is the machine readable error kind sent to clients.
type ErrorCode string

const (
	// ErrValidationFailed is returned when a document fails its schema.
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrMissingField is returned when a required request field is missing.
	ErrMissingField ErrorCode = "MISSING_FIELD"
	// ErrInvalidFormat is returned when the request body cannot be decoded.
	ErrInvalidFormat ErrorCode = "INVALID_FORMAT"
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrConflict is returned on a duplicate identity or a lost write race.
	ErrConflict ErrorCode = "CONFLICT"
	// ErrUnauthorized is returned when the session is missing or invalid.
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrForbidden is returned when the caller may not proceed yet.
	ErrForbidden ErrorCode = "FORBIDDEN"
	// ErrRateLimited is returned when the caller exceeded its write budget.
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	// ErrStorageError is returned when the blob repository cannot be reached.
	ErrStorageError ErrorCode = "STORAGE_ERROR"
	// ErrInternal is returned for anything else.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorWithStatus is an error that includes an HTTP status code and error code.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Code() ErrorCode
}

// APIError is a concrete error type with status code and code.
type APIError struct {
	statusCode int
	code       ErrorCode
	message    string
	wrappedErr error
}

// NewAPIError creates a new APIError with the given status code and message.
func NewAPIError(statusCode int, code ErrorCode, message string) *APIError {
	return &APIError{statusCode: statusCode, code: code, message: message}
}

// Wrap wraps an underlying error.
func (e *APIError) Wrap(err error) *APIError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *APIError) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *APIError) Code() ErrorCode {
	return e.code
}

// Unwrap returns the wrapped error if any.
func (e *APIError) Unwrap() error {
	return e.wrappedErr
}

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrNotFound, fmt.Sprintf("%s not found", resource))
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrInvalidFormat, message)
}

// MissingField creates a 400 Bad Request error for a missing field.
func MissingField(fieldName string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrMissingField, fmt.Sprintf("Missing required field: %s", fieldName))
}

// Unauthorized returns a 401 Unauthorized error.
func Unauthorized() *APIError {
	return NewAPIError(http.StatusUnauthorized, ErrUnauthorized, "Unauthorized")
}

// TooManyRequests returns a 429 error.
func TooManyRequests() *APIError {
	return NewAPIError(http.StatusTooManyRequests, ErrRateLimited, "Too many requests")
}

// FromError classifies err. An ErrorWithStatus is returned as is.
func FromError(err error) ErrorWithStatus {
	var ews ErrorWithStatus
	if errors.As(err, &ews) {
		return ews
	}
	var te *blobrepo.TransportError
	switch {
	case errors.Is(err, blobrepo.ErrInvalidName):
		return NewAPIError(http.StatusBadRequest, ErrInvalidFormat, "Invalid name").Wrap(err)
	case errors.Is(err, docstore.ErrValidation):
		return NewAPIError(http.StatusBadRequest, ErrValidationFailed, "Validation failed").Wrap(err)
	case errors.Is(err, auth.ErrMissingField):
		return NewAPIError(http.StatusBadRequest, ErrMissingField, "Missing required field").Wrap(err)
	case errors.Is(err, docstore.ErrDocumentNotFound):
		return NewAPIError(http.StatusNotFound, ErrNotFound, "Document not found").Wrap(err)
	case errors.Is(err, auth.ErrConflict), errors.Is(err, docstore.ErrDuplicate), errors.Is(err, blobrepo.ErrConflict):
		return NewAPIError(http.StatusConflict, ErrConflict, "Conflict").Wrap(err)
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrSessionNotFound):
		return NewAPIError(http.StatusUnauthorized, ErrUnauthorized, "Unauthorized").Wrap(err)
	case errors.Is(err, auth.ErrOTPNotFound), errors.Is(err, auth.ErrOTPMismatch):
		return NewAPIError(http.StatusUnauthorized, ErrUnauthorized, "Invalid passcode").Wrap(err)
	case errors.Is(err, auth.ErrEmailNotVerified):
		return NewAPIError(http.StatusForbidden, ErrForbidden, "Email not verified").Wrap(err)
	case errors.As(err, &te):
		return NewAPIError(http.StatusBadGateway, ErrStorageError, "Storage unavailable").Wrap(err)
	default:
		return NewAPIError(http.StatusInternalServerError, ErrInternal, "Internal error").Wrap(err)
	}
}
