package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a typed string for categorizing pipeline errors.
type ErrorCode string

// Error codes. Each pipeline stage fails with exactly one of the stage codes;
// the upstream codes are produced by the HTTP client before the extractor
// classifies them.
const (
	// Stage failures
	ErrCodeExtraction     ErrorCode = "extraction_failed"
	ErrCodeTransformation ErrorCode = "transformation_failed"
	ErrCodeConnection     ErrorCode = "connection_failed"
	ErrCodeLoad           ErrorCode = "load_failed"

	// Configuration / request
	ErrCodeConfigInvalid  ErrorCode = "config_invalid"
	ErrCodeInvalidRequest ErrorCode = "invalid_request"

	// Upstream / internal
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
)

// AppError is the error type returned by every pipeline component. The
// underlying cause is kept for errors.Is/errors.As.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error code to the status the trigger API responds with.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeExtraction, ErrCodeUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrCodeUpstreamRateLimited, ErrCodeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithDetails returns a copy of the error with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates an AppError with the given code, message and optional cause.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewExtractionError classifies a network or decode failure of the extractor.
func NewExtractionError(message string, err error) *AppError {
	return NewAppError(ErrCodeExtraction, message, err)
}

// NewTransformationError classifies malformed or unexpected input to the transformer.
func NewTransformationError(message string, err error) *AppError {
	return NewAppError(ErrCodeTransformation, message, err)
}

// NewConnectionError classifies a failure to open the database connection.
func NewConnectionError(message string, err error) *AppError {
	return NewAppError(ErrCodeConnection, message, err)
}

// NewLoadError classifies a row-insert or filesystem-write failure.
func NewLoadError(message string, err error) *AppError {
	return NewAppError(ErrCodeLoad, message, err)
}

// CodeOf returns the code of the first AppError in err's chain, or "" when
// there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err's tree contains an AppError with the given code.
// Joined errors are searched branch by branch.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*AppError); ok && appErr.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if IsCode(e, code) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return IsCode(u.Unwrap(), code)
	}
	return false
}
