// Package errors provides standardized API error types.
package errors

import (
	"fmt"
	"net/http"
)

// Error codes for the microservice authentication flows. The numeric
// assignments are part of the wire contract and must stay stable
// across deployments.
const (
	CodeInvalidAuth       = 4001 // MICROSERVICE_INVALID_AUTH
	CodeInvalidTimestamp  = 4002 // MICROSERVICE_INVALID_TIMESTAMP
	CodeInvalidNonce      = 4003 // MICROSERVICE_INVALID_NONCE
	CodeInvalidSignature  = 4004 // MICROSERVICE_INVALID_SIGNATURE
	CodeInvalidKID        = 4005 // MICROSERVICE_INVALID_KID
	CodeInvalidInstance   = 4006 // MICROSERVICE_INVALID_INSTANCE
	CodeInstanceNotFound  = 4007 // MICROSERVICE_INSTANCE_NOT_FOUND
	CodeValidationFailed  = 4220
	CodeInternal          = 5000
	CodeRateLimited       = 4290
	CodeNotFound          = 4040
)

// APIError represents a standardized API error response.
// Dev carries the internal cause; response writers blank it unless
// debug mode is enabled.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Dev        string `json:"dev"`
	StatusCode int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// WithDev returns a copy of the error with the internal cause attached.
func (e *APIError) WithDev(dev string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		Dev:        dev,
		StatusCode: e.StatusCode,
	}
}

// WithDevf is WithDev with fmt.Sprintf semantics.
func (e *APIError) WithDevf(format string, args ...any) *APIError {
	return e.WithDev(fmt.Sprintf(format, args...))
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    message,
		Dev:        e.Dev,
		StatusCode: e.StatusCode,
	}
}

// Standard error definitions
var (
	// ErrInvalidAuth is returned for a missing or malformed Authorization header.
	ErrInvalidAuth = &APIError{
		Code:       CodeInvalidAuth,
		Message:    "Invalid auth header",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidTimestamp is returned for a missing or non-integer X-Timestamp.
	ErrInvalidTimestamp = &APIError{
		Code:       CodeInvalidTimestamp,
		Message:    "Invalid timestamp",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidNonce is returned for a missing X-Nonce.
	ErrInvalidNonce = &APIError{
		Code:       CodeInvalidNonce,
		Message:    "Invalid nonce",
		StatusCode: http.StatusBadRequest,
	}

	// ErrMissingSignature is returned for a missing X-Signature header.
	ErrMissingSignature = &APIError{
		Code:       CodeInvalidSignature,
		Message:    "Invalid signature",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidSignature is returned when signature verification fails,
	// including replay and timestamp-window rejections.
	ErrInvalidSignature = &APIError{
		Code:       CodeInvalidSignature,
		Message:    "Invalid signature",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrInvalidKID is returned for a missing X-Key-Id.
	ErrInvalidKID = &APIError{
		Code:       CodeInvalidKID,
		Message:    "Invalid kid",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidInstance is returned when the caller names no instance.
	ErrInvalidInstance = &APIError{
		Code:       CodeInvalidInstance,
		Message:    "Missing instance id",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInstanceNotFound is returned when the named instance does not exist.
	ErrInstanceNotFound = &APIError{
		Code:       CodeInstanceNotFound,
		Message:    "Unknown instance",
		StatusCode: http.StatusBadRequest,
	}

	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = &APIError{
		Code:       CodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrRateLimited is returned when rate limits are exceeded.
	ErrRateLimited = &APIError{
		Code:       CodeRateLimited,
		Message:    "Too many requests. Please try again later.",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrInternal is returned for race-resolution failures and
	// unclassified server errors.
	ErrInternal = &APIError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewValidationError creates a schema-violation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:       CodeValidationFailed,
		Message:    fmt.Sprintf("Validation failed: %s", field),
		Dev:        message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// AsAPIError converts an error to an APIError if possible.
// Anything else becomes ErrInternal with the cause in Dev.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal.WithDev(err.Error())
}
