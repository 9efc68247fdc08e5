// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/bundle-ingest/backend/internal/archive"
	"github.com/bundle-ingest/backend/internal/ingest"
	"github.com/bundle-ingest/backend/internal/jobs"
	"github.com/bundle-ingest/backend/internal/manifest"
	"github.com/bundle-ingest/backend/internal/store"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewGoneError creates a 410 Gone error
func NewGoneError(message string) *APIError {
	return &APIError{
		Status:  http.StatusGone,
		Code:    "GONE",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// translateError maps pipeline and job errors onto API errors.
// Unknown errors become a 500 carrying message.
func translateError(err error, message string) *APIError {
	var (
		apiErr     *APIError
		extractErr *archive.ExtractionError
		sheetErr   *manifest.ManifestError
		persistErr *store.PersistError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ingest.ErrEmptyBundle), errors.Is(err, ingest.ErrManifestNotFound):
		return NewBadRequestError(err.Error(), nil)
	case errors.As(err, &extractErr):
		return NewBadRequestError("bundle could not be extracted", err)
	case errors.As(err, &sheetErr):
		return NewBadRequestError("manifest could not be read", err)
	case errors.As(err, &persistErr):
		return NewInternalError("batch could not be saved", err)
	case errors.Is(err, jobs.ErrExpired):
		return NewGoneError("download has expired")
	case errors.Is(err, jobs.ErrNotReady):
		conflict := NewConflictError("download is not ready")
		conflict.Details = err.Error()
		return conflict
	case errors.Is(err, jobs.ErrFileMissing):
		return &APIError{
			Status:  http.StatusNotFound,
			Code:    "NOT_FOUND",
			Message: "download file is missing or was cleaned up",
		}
	}
	return NewInternalError(message, err)
}

// notFoundOr returns a 404 for store.ErrNotFound and translates anything else.
func notFoundOr(err error, resource, id string) *APIError {
	if errors.Is(err, store.ErrNotFound) {
		return NewNotFoundError(resource, id)
	}
	return translateError(err, "failed to load "+resource)
}

// ErrorHandler middleware for Echo
// Usage: e.HTTPErrorHandler = api.ErrorHandler
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *APIError

	switch e := err.(type) {
	case *APIError:
		apiErr = e
	case *echo.HTTPError:
		apiErr = &APIError{
			Status:  e.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", e.Message),
		}
	default:
		apiErr = &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "UNKNOWN_ERROR",
			Message: "An unexpected error occurred",
		}
		// In development, include error details
		if isDevelopment() {
			apiErr.Details = err.Error()
		}
	}

	if c.Request().Method == http.MethodHead {
		c.NoContent(apiErr.Status)
		return
	}
	c.JSON(apiErr.Status, apiErr)
}

// isDevelopment reports whether unexpected error details may be returned to clients.
func isDevelopment() bool {
	return !strings.EqualFold(os.Getenv("APP_ENV"), "production")
}

// RespondWithError is a helper to respond with an APIError
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}
