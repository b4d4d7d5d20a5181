package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/fileflow/internal/store"
	"github.com/phrazzld/fileflow/internal/task"
)

// Common service errors. The API layer maps them to HTTP status codes.
var (
	// ErrFileNotFound indicates the file does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidState indicates the file cannot be retried in its current status.
	// API layer should map this to HTTP 409 Conflict.
	ErrInvalidState = errors.New("file is not in a retryable state")

	// ErrValidation indicates the request parameters are invalid.
	// API layer should map this to HTTP 400 Bad Request.
	ErrValidation = errors.New("validation failed")

	// ErrQueueUnavailable indicates the file was stored but could not be queued.
	// API layer should map this to HTTP 503 Service Unavailable.
	ErrQueueUnavailable = errors.New("processing queue unavailable")
)

// FileServiceError wraps errors from the file service with context.
type FileServiceError struct {
	// Operation is the operation that failed (e.g., "submit_upload", "retry")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for FileServiceError.
func (e *FileServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("file service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("file service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *FileServiceError) Unwrap() error {
	return e.Err
}

// NewFileServiceError creates a new FileServiceError.
// Known sentinel conditions are returned as service sentinels without wrapping.
func NewFileServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrFileNotFound),
		errors.Is(err, store.ErrFileNotFound),
		errors.Is(err, task.ErrFileNotFound):
		return ErrFileNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, task.ErrInvalidState):
		return ErrInvalidState
	}

	return &FileServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
