package task

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// JobTypeFileProcessing tags the job records of fingerprint attempts.
const JobTypeFileProcessing = "file-processing"

// Processor is the pluggable processing task run against a file's bytes.
// New extraction tasks implement this without touching the state machine.
type Processor interface {
	// Type returns the job type tag recorded on each attempt.
	Type() string

	// Process consumes r and returns the serialized result stored as the
	// file's extracted data. It must stop promptly when ctx is done.
	Process(ctx context.Context, r io.Reader) ([]byte, error)
}

// EnqueueOptions control how often and how patiently a request is retried.
type EnqueueOptions struct {
	MaxAttempts int
	Backoff     Backoff
}

// DefaultEnqueueOptions returns 3 attempts with exponential backoff from 1s.
func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
	}
}

func (o EnqueueOptions) normalized() EnqueueOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	return o
}

// Delivery is one hand-off of a queued request to a worker.
type Delivery struct {
	RequestID   uuid.UUID
	FileID      int64
	Attempt     int // 1-based
	MaxAttempts int
	Backoff     Backoff
}

// RemainingAttempts returns how many deliveries are left after this one.
func (d *Delivery) RemainingAttempts() int {
	if d.Attempt >= d.MaxAttempts {
		return 0
	}
	return d.MaxAttempts - d.Attempt
}

// FailOutcome tells the worker what the queue did with a failed delivery.
type FailOutcome struct {
	// Redelivered is true when the request will be delivered again after Delay.
	Redelivered bool
	Delay       time.Duration
}

// TaskQueueWriter provides write access to the task queue
// allowing services to enqueue processing requests
type TaskQueueWriter interface {
	// Enqueue accepts a processing request for fileID and returns its request ID.
	Enqueue(ctx context.Context, fileID int64, opts EnqueueOptions) (uuid.UUID, error)
}

// PendingChecker is implemented by queues that can tell whether a file
// already has a request waiting or being delivered.
type PendingChecker interface {
	HasPending(ctx context.Context, fileID int64) (bool, error)
}

// TaskQueueReader is the worker side of the queue. Delivery is
// at-least-once: every Dequeue must be followed by exactly one Complete or Fail.
type TaskQueueReader interface {
	// Dequeue blocks until a request is due or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Complete acknowledges a successful (or deliberately skipped) delivery.
	Complete(ctx context.Context, d *Delivery) error

	// Fail reports a failed delivery. Unless permanent is set or attempts
	// are exhausted, the request is redelivered after its backoff delay.
	Fail(ctx context.Context, d *Delivery, cause error, permanent bool) (FailOutcome, error)
}

// Queue is a complete job queue implementation.
type Queue interface {
	TaskQueueWriter
	TaskQueueReader

	// Close stops accepting and delivering requests.
	Close()
}
