package task

import "errors"

// Attempt errors. ErrFileNotFound is permanent and never retried; storage,
// fingerprint, timeout and cancellation errors are transient and retried
// by the queue until attempts are exhausted.
var (
	ErrFileNotFound     = errors.New("file not found")
	ErrStorageRead      = errors.New("storage read failed")
	ErrFingerprint      = errors.New("fingerprint failed")
	ErrAttemptTimeout   = errors.New("attempt timed out")
	ErrAttemptCancelled = errors.New("attempt cancelled")
	ErrPersistOutcome   = errors.New("failed to persist attempt outcome")

	// ErrAttemptAborted means the claim was lost, either to another attempt
	// or because the file is already processed. No record was changed.
	ErrAttemptAborted = errors.New("attempt aborted: file is not claimable")

	// ErrFileBusy accompanies ErrAttemptAborted when another attempt held
	// the file and it is not yet processed. The request should be
	// delivered again.
	ErrFileBusy = errors.New("file was claimed by another attempt")

	// ErrInvalidState is returned by Retry when the file is not failed.
	ErrInvalidState = errors.New("invalid file state")
)

// Queue errors
var (
	ErrQueueClosed     = errors.New("task queue is closed")
	ErrQueueFull       = errors.New("task queue is full")
	ErrUnknownDelivery = errors.New("unknown delivery")
)

// Constructor validation errors
var (
	ErrNilFileStore = errors.New("file store cannot be nil")
	ErrNilJobStore  = errors.New("job store cannot be nil")
	ErrNilTxRunner  = errors.New("transaction runner cannot be nil")
	ErrNilAccessor  = errors.New("storage accessor cannot be nil")
	ErrNilProcessor = errors.New("processor cannot be nil")
	ErrNilQueue     = errors.New("queue cannot be nil")
	ErrNilLogger    = errors.New("logger cannot be nil")
)

// IsPermanent reports whether a failed attempt must not be redelivered
// regardless of remaining attempts.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrFileNotFound)
}
