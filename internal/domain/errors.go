package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the file or job state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrJobFinished is returned when attempting to change a job that has
	// already reached a terminal status.
	ErrJobFinished = errors.New("job already finished")
)
