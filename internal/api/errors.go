package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/fileflow/internal/service"
)

// ErrUploadTooLarge is returned when the uploaded file exceeds the limit.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	var maxBytes *http.MaxBytesError

	switch {
	case errors.Is(err, service.ErrFileNotFound):
		return http.StatusNotFound

	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict

	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest

	case errors.Is(err, ErrUploadTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, service.ErrQueueUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var maxBytes *http.MaxBytesError

	switch {
	case errors.Is(err, service.ErrFileNotFound):
		return "File not found"

	case errors.Is(err, service.ErrInvalidState):
		return "Only failed files can be retried"

	case errors.Is(err, service.ErrValidation):
		return SanitizeValidationError(err)

	case errors.Is(err, ErrUploadTooLarge), errors.As(err, &maxBytes):
		return "File is too large"

	case errors.Is(err, service.ErrQueueUnavailable):
		return "File stored but processing could not be scheduled"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError reduces a validation failure to the first failing
// field and a short reason.
func SanitizeValidationError(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
	}

	return "Validation error"
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "gt":
		return "out of range"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
