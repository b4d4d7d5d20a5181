package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/store"
)

// OrphanedJobMessage is recorded on jobs failed by the reconciliation sweep.
const OrphanedJobMessage = "orphaned attempt reclaimed by reconciliation sweep"

// SweepOptions select what a reconciliation sweep repairs.
type SweepOptions struct {
	// OlderThan limits the sweep to records untouched for at least this long.
	// Zero matches every record.
	OlderThan time.Duration

	// RequeueUploaded re-enqueues uploaded files, for queues that lose
	// requests on restart.
	RequeueUploaded bool
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	OrphanedJobs  int
	FailedFiles   int
	RequeuedFiles int

	// Errors counts records the sweep could not repair. They are logged
	// and picked up again by the next sweep.
	Errors int
}

// Reconciler finds attempts that never reached a terminal state, usually
// because the process crashed mid-attempt, and fails them so the file can
// be retried.
type Reconciler struct {
	files  store.FileStore
	jobs   store.JobStore
	tx     store.TxRunner
	queue  TaskQueueWriter
	opts   EnqueueOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a Reconciler. queue may be nil when uploaded files
// never need re-enqueueing.
func NewReconciler(
	files store.FileStore,
	jobs store.JobStore,
	tx store.TxRunner,
	queue TaskQueueWriter,
	opts EnqueueOptions,
	logger *slog.Logger,
) (*Reconciler, error) {
	switch {
	case files == nil:
		return nil, ErrNilFileStore
	case jobs == nil:
		return nil, ErrNilJobStore
	case tx == nil:
		return nil, ErrNilTxRunner
	case logger == nil:
		return nil, ErrNilLogger
	}

	return &Reconciler{
		files:  files,
		jobs:   jobs,
		tx:     tx,
		queue:  queue,
		opts:   opts.normalized(),
		logger: logger.With("component", "reconciler"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sweep fails every processing job older than opts.OlderThan together with
// its file, then optionally re-enqueues stale uploaded files. Failures on
// individual records are logged and counted; only failing to list the
// records returns an error.
func (r *Reconciler) Sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	var result SweepResult

	orphans, err := r.jobs.FindProcessing(ctx, opts.OlderThan)
	if err != nil {
		return result, fmt.Errorf("failed to find processing jobs: %w", err)
	}

	for _, job := range orphans {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		reclaimed, fileFailed, err := r.failOrphan(ctx, job)
		if err != nil {
			r.logger.Error("failed to reclaim orphaned job",
				"job_id", job.ID,
				"file_id", job.FileID,
				"error", err)
			result.Errors++
			continue
		}
		if !reclaimed {
			continue
		}

		result.OrphanedJobs++
		if fileFailed {
			result.FailedFiles++
		}
		r.logger.Warn("reclaimed orphaned job",
			"job_id", job.ID,
			"file_id", job.FileID,
			"started_at", job.StartedAt)
	}

	if opts.RequeueUploaded && r.queue != nil {
		if err := r.requeueUploaded(ctx, opts.OlderThan, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// failOrphan reports whether the job was reclaimed and whether its file
// was moved to failed.
func (r *Reconciler) failOrphan(ctx context.Context, job *domain.Job) (bool, bool, error) {
	final := *job
	if err := final.Fail(OrphanedJobMessage, r.now()); err != nil {
		return false, false, err
	}

	fileFailed := false
	err := r.tx.InTx(ctx, func(ctx context.Context, files store.FileStore, jobs store.JobStore) error {
		fileFailed = false
		if err := jobs.Finish(ctx, &final); err != nil {
			return err
		}

		err := files.CompareAndSetStatus(ctx, job.FileID,
			[]domain.FileStatus{domain.FileStatusProcessing}, domain.FileStatusFailed, nil)
		switch {
		case err == nil:
			fileFailed = true
			return nil
		case errors.Is(err, store.ErrStatusConflict), store.IsNotFoundError(err):
			// The file has moved on; only the job needed closing.
			return nil
		default:
			return err
		}
	})
	if errors.Is(err, store.ErrStatusConflict) {
		// The attempt finished between the scan and the update.
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, fileFailed, nil
}

// requeueUploaded enqueues a request for every uploaded file older than
// olderThan. When the queue can tell, files that still have a live request
// are skipped; otherwise a duplicate is enqueued and whichever delivery
// claims the file first wins.
func (r *Reconciler) requeueUploaded(ctx context.Context, olderThan time.Duration, result *SweepResult) error {
	files, err := r.files.FindByStatus(ctx, domain.FileStatusUploaded, olderThan)
	if err != nil {
		return fmt.Errorf("failed to find uploaded files: %w", err)
	}

	checker, _ := r.queue.(PendingChecker)
	for _, file := range files {
		if checker != nil {
			pending, err := checker.HasPending(ctx, file.ID)
			if err != nil {
				r.logger.Error("failed to check pending requests",
					"file_id", file.ID,
					"error", err)
				result.Errors++
				continue
			}
			if pending {
				continue
			}
		}

		requestID, err := r.queue.Enqueue(ctx, file.ID, r.opts)
		if err != nil {
			r.logger.Error("failed to re-enqueue uploaded file",
				"file_id", file.ID,
				"error", err)
			result.Errors++
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			continue
		}
		result.RequeuedFiles++
		r.logger.Info("re-enqueued uploaded file",
			"file_id", file.ID,
			"request_id", requestID)
	}
	return nil
}
