package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/platform/logger"
	"github.com/phrazzld/fileflow/internal/storage"
	"github.com/phrazzld/fileflow/internal/store"
)

// OrchestratorDeps are the collaborators an Orchestrator drives.
type OrchestratorDeps struct {
	Files     store.FileStore
	Jobs      store.JobStore
	Tx        store.TxRunner
	Storage   storage.Accessor
	Processor Processor
	Queue     TaskQueueWriter
}

// OrchestratorConfig holds attempt tuning.
type OrchestratorConfig struct {
	// AttemptTimeout bounds storage reads and processing of one attempt.
	AttemptTimeout time.Duration

	// Enqueue is applied to every request the orchestrator enqueues.
	Enqueue EnqueueOptions
}

// DefaultOrchestratorConfig returns a 5 minute attempt timeout and the
// default enqueue options.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		AttemptTimeout: 5 * time.Minute,
		Enqueue:        DefaultEnqueueOptions(),
	}
}

// Orchestrator runs single processing attempts and owns every status
// change of files and jobs made by the pipeline.
type Orchestrator struct {
	files     store.FileStore
	jobs      store.JobStore
	tx        store.TxRunner
	storage   storage.Accessor
	processor Processor
	queue     TaskQueueWriter
	config    OrchestratorConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator validates deps and returns an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps, config OrchestratorConfig, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Files == nil:
		return nil, ErrNilFileStore
	case deps.Jobs == nil:
		return nil, ErrNilJobStore
	case deps.Tx == nil:
		return nil, ErrNilTxRunner
	case deps.Storage == nil:
		return nil, ErrNilAccessor
	case deps.Processor == nil:
		return nil, ErrNilProcessor
	case deps.Queue == nil:
		return nil, ErrNilQueue
	case logger == nil:
		return nil, ErrNilLogger
	}

	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultOrchestratorConfig().AttemptTimeout
	}
	config.Enqueue = config.Enqueue.normalized()

	return &Orchestrator{
		files:     deps.Files,
		jobs:      deps.Jobs,
		tx:        deps.Tx,
		storage:   deps.Storage,
		processor: deps.Processor,
		queue:     deps.Queue,
		config:    config,
		logger:    logger.With("component", "orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Enqueue submits a processing request for a file with the configured options.
func (o *Orchestrator) Enqueue(ctx context.Context, fileID int64) (uuid.UUID, error) {
	id, err := o.queue.Enqueue(ctx, fileID, o.config.Enqueue)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue file %d: %w", fileID, err)
	}
	return id, nil
}

// RunAttempt executes one processing attempt for a file.
//
// The file is claimed by moving it to processing with a compare-and-set in
// the same transaction that records a new processing job. Losing the claim
// returns ErrAttemptAborted with nothing written. Once claimed, the attempt
// always ends with the job and the file finished together in one
// transaction, either completed/processed or failed/failed.
func (o *Orchestrator) RunAttempt(ctx context.Context, fileID int64) error {
	log := logger.FromContextOrDefault(ctx, o.logger).With("file_id", fileID)

	file, err := o.files.GetByID(ctx, fileID)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Error("file not found for processing")
			return fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
		}
		return fmt.Errorf("failed to load file %d: %w", fileID, err)
	}

	job, err := domain.NewJob(fileID, o.processor.Type(), o.now())
	if err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}

	err = o.tx.InTx(ctx, func(ctx context.Context, files store.FileStore, jobs store.JobStore) error {
		if err := files.CompareAndSetStatus(ctx, fileID, domain.ClaimableFileStatuses, domain.FileStatusProcessing, nil); err != nil {
			return err
		}
		return jobs.Create(ctx, job)
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStatusConflict):
			return o.abort(ctx, log, fileID)
		case store.IsNotFoundError(err):
			log.Error("file disappeared before it could be claimed")
			return fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
		}
		return fmt.Errorf("failed to claim file %d: %w", fileID, err)
	}

	log = log.With("job_id", job.ID, "job_type", job.JobType)
	log.Info("processing attempt started")

	// Outcomes are written even if the attempt deadline or the worker's
	// context has already expired.
	persistCtx := context.WithoutCancel(ctx)

	result, procErr := o.process(ctx, file.StorageHandle)
	if procErr != nil {
		log.Warn("processing attempt failed", "error", procErr)
		if err := o.finish(persistCtx, job, procErr, nil); err != nil {
			log.Error("failed to record attempt failure", "error", err)
			return errors.Join(procErr, fmt.Errorf("%w: %w", ErrPersistOutcome, err))
		}
		return procErr
	}

	if err := o.finish(persistCtx, job, nil, result); err != nil {
		log.Error("failed to record attempt success", "error", err)
		cause := fmt.Errorf("%w: %v", ErrPersistOutcome, err)
		if ferr := o.finish(persistCtx, job, cause, nil); ferr != nil {
			log.Error("failed to record attempt failure", "error", ferr)
		}
		return cause
	}

	log.Info("processing attempt completed")
	return nil
}

// abort explains a lost claim. Only a processed file is done with. Any
// other status means another attempt held the file at the moment of the
// claim: it may still be running, may be an orphan the reconciler has yet
// to fail, or may have just failed, leaving the file claimable again. In
// those cases the caller should hand the request back instead of dropping it.
func (o *Orchestrator) abort(ctx context.Context, log *slog.Logger, fileID int64) error {
	current, err := o.files.GetByID(ctx, fileID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
		}
		return fmt.Errorf("failed to reload file %d: %w", fileID, err)
	}

	if current.Status == domain.FileStatusProcessed {
		log.Info("file already processed, skipping attempt")
		return fmt.Errorf("%w: file %d is already processed", ErrAttemptAborted, fileID)
	}
	log.Info("file was claimed by another attempt, skipping", "status", current.Status)
	return fmt.Errorf("%w: %w: file %d is now %s", ErrAttemptAborted, ErrFileBusy, fileID, current.Status)
}

func (o *Orchestrator) process(ctx context.Context, handle string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	defer cancel()

	rc, err := o.storage.Open(attemptCtx, handle)
	if err != nil {
		return nil, o.classify(attemptCtx, fmt.Errorf("%w: open %s: %v", ErrStorageRead, handle, err))
	}
	defer func() {
		_ = rc.Close()
	}()

	result, err := o.processor.Process(attemptCtx, rc)
	if err != nil {
		return nil, o.classify(attemptCtx, err)
	}
	return result, nil
}

func (o *Orchestrator) classify(attemptCtx context.Context, err error) error {
	switch {
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, o.config.AttemptTimeout, err)
	case errors.Is(attemptCtx.Err(), context.Canceled):
		return fmt.Errorf("%w: %v", ErrAttemptCancelled, err)
	case errors.Is(err, ErrStorageRead), errors.Is(err, ErrFingerprint):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrFingerprint, err)
	}
}

// finish writes the terminal job and the matching file status together.
// cause == nil means success with result as the extracted data.
func (o *Orchestrator) finish(ctx context.Context, job *domain.Job, cause error, result []byte) error {
	final := *job
	now := o.now()

	var (
		to        domain.FileStatus
		extracted *string
		err       error
	)
	if cause == nil {
		data := string(result)
		extracted = &data
		to = domain.FileStatusProcessed
		err = final.Complete(now)
	} else {
		to = domain.FileStatusFailed
		err = final.Fail(cause.Error(), now)
	}
	if err != nil {
		return err
	}

	err = o.tx.InTx(ctx, func(ctx context.Context, files store.FileStore, jobs store.JobStore) error {
		if err := jobs.Finish(ctx, &final); err != nil {
			return err
		}
		return files.CompareAndSetStatus(ctx, job.FileID, []domain.FileStatus{domain.FileStatusProcessing}, to, extracted)
	})
	if err != nil {
		return err
	}

	*job = final
	return nil
}

// Retry enqueues a new request for a failed file and moves it back to
// uploaded. It returns ErrInvalidState without changing anything when the
// file is not failed. The request is enqueued before the reset so that a
// queue error leaves the file failed and retryable.
func (o *Orchestrator) Retry(ctx context.Context, fileID int64) error {
	log := logger.FromContextOrDefault(ctx, o.logger).With("file_id", fileID)

	file, err := o.files.GetByID(ctx, fileID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
		}
		return fmt.Errorf("failed to load file %d: %w", fileID, err)
	}

	if file.Status != domain.FileStatusFailed {
		return fmt.Errorf("%w: file %d is %s, only failed files can be retried", ErrInvalidState, fileID, file.Status)
	}

	requestID, err := o.Enqueue(ctx, fileID)
	if err != nil {
		log.Error("retry could not enqueue, file left failed", "error", err)
		return err
	}
	log = log.With("request_id", requestID)

	err = o.files.CompareAndSetStatus(ctx, fileID,
		[]domain.FileStatus{domain.FileStatusFailed}, domain.FileStatusUploaded, nil)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusConflict):
		// A worker already claimed the file (possibly from this request),
		// or a concurrent retry reset it first. Either way a request is
		// queued and the file has left failed.
		log.Info("file left failed before reset, retry already in progress", "reason", err)
	case store.IsNotFoundError(err):
		return fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
	default:
		// The request is queued; its delivery claims the file from failed.
		log.Error("retry enqueued but reset to uploaded failed", "error", err)
		return fmt.Errorf("failed to reset file %d: %w", fileID, err)
	}

	log.Info("retry enqueued")
	return nil
}
