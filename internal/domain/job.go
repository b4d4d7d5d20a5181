package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the state of one processing attempt
type JobStatus string

// Possible job status values
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Common validation errors for Job
var (
	ErrEmptyJobID       = errors.New("job ID cannot be empty")
	ErrEmptyJobFileID   = errors.New("job file ID cannot be empty")
	ErrEmptyJobType     = errors.New("job type cannot be empty")
	ErrInvalidJobStatus = errors.New("invalid job status")
)

// Job is the ledger record of a single execution attempt against a File.
// A retry never reopens a Job; every attempt gets a new record.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	FileID       int64      `json:"file_id"`
	JobType      string     `json:"job_type"`
	Status       JobStatus  `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewJob creates a Job that is already processing, as attempts are recorded
// at the moment a worker begins execution.
func NewJob(fileID int64, jobType string, now time.Time) (*Job, error) {
	started := now.UTC()
	job := &Job{
		ID:        uuid.New(),
		FileID:    fileID,
		JobType:   jobType,
		Status:    JobStatusProcessing,
		StartedAt: &started,
		CreatedAt: started,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks if the Job has valid data.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}

	if j.FileID <= 0 {
		return ErrEmptyJobFileID
	}

	if j.JobType == "" {
		return ErrEmptyJobType
	}

	if !IsValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}

	return nil
}

// Complete marks the attempt as successful.
func (j *Job) Complete(now time.Time) error {
	return j.finish(JobStatusCompleted, "", now)
}

// Fail marks the attempt as failed, recording the cause.
func (j *Job) Fail(message string, now time.Time) error {
	return j.finish(JobStatusFailed, message, now)
}

func (j *Job) finish(status JobStatus, message string, now time.Time) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobFinished, j.ID, j.Status)
	}
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	completed := now.UTC()
	j.Status = status
	j.ErrorMessage = message
	j.CompletedAt = &completed
	return nil
}

// IsTerminal reports whether the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// IsValidJobStatus checks if the given status is a valid JobStatus.
func IsValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}
