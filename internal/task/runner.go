package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskRunnerConfig holds configuration for the task runner
type TaskRunnerConfig struct {
	// WorkerCount determines how many concurrent workers process deliveries
	WorkerCount int

	// StuckTaskAge defines how long a job can be in processing state
	// before it's considered orphaned and failed. Files left uploaded for
	// this long are re-enqueued by the same periodic check.
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck jobs
	// If zero, defaults to 5 minutes
	StuckTaskCheckInterval time.Duration

	// StartupSweepAge is the age limit of the sweep run by Start. Zero
	// reclaims every processing job, which is only safe when no other
	// process is running attempts against the same ledger.
	StartupSweepAge time.Duration

	// RequeueUploadedOnStart re-enqueues uploaded files during Start, for
	// queues that do not survive a restart.
	RequeueUploadedOnStart bool
}

// DefaultTaskRunnerConfig returns a TaskRunnerConfig with reasonable defaults
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		WorkerCount:            2,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
	}
}

// TaskRunner manages background processing: the worker pool and the
// reconciliation of orphaned attempts.
type TaskRunner struct {
	pool       *WorkerPool
	reconciler *Reconciler
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	config     TaskRunnerConfig
	logger     *slog.Logger
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(
	queue TaskQueueReader,
	runner AttemptRunner,
	reconciler *Reconciler,
	config TaskRunnerConfig,
	logger *slog.Logger,
) *TaskRunner {
	if config.StuckTaskCheckInterval == 0 {
		config.StuckTaskCheckInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	poolConfig := DefaultWorkerPoolConfig()
	poolConfig.WorkerCount = config.WorkerCount

	return &TaskRunner{
		pool:       NewWorkerPool(queue, runner, poolConfig, logger),
		reconciler: reconciler,
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		logger:     logger.With("component", "task_runner"),
	}
}

// Start reconciles attempts left over from a previous run, then starts
// the workers and the stuck job monitor.
func (r *TaskRunner) Start(ctx context.Context) error {
	if err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	r.pool.Start()

	r.wg.Add(1)
	go r.stuckJobMonitor()

	return nil
}

// Stop gracefully shuts down the task runner
func (r *TaskRunner) Stop() {
	r.cancelFunc()
	r.pool.Stop()
	r.wg.Wait()
}

// Recover fails jobs orphaned by a previous run and, when configured,
// re-enqueues files that were uploaded but never processed. Records that
// cannot be repaired are left for the stuck job monitor; only a failure
// to query the ledger stops startup.
func (r *TaskRunner) Recover(ctx context.Context) error {
	result, err := r.reconciler.Sweep(ctx, SweepOptions{
		OlderThan:       r.config.StartupSweepAge,
		RequeueUploaded: r.config.RequeueUploadedOnStart,
	})
	if err != nil {
		return err
	}

	r.logger.Info("recovered unfinished jobs",
		"orphaned_jobs", result.OrphanedJobs,
		"failed_files", result.FailedFiles,
		"requeued_files", result.RequeuedFiles,
		"errors", result.Errors)
	return nil
}

// stuckJobMonitor periodically fails jobs that have been processing for
// longer than StuckTaskAge and re-enqueues files uploaded that long ago.
func (r *TaskRunner) stuckJobMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			result, err := r.reconciler.Sweep(r.ctx, SweepOptions{
				OlderThan:       r.config.StuckTaskAge,
				RequeueUploaded: true,
			})
			if err != nil {
				r.logger.Error("failed to reconcile stuck jobs", "error", err)
			}
			if result.OrphanedJobs > 0 || result.RequeuedFiles > 0 || result.Errors > 0 {
				r.logger.Info("reconciled stuck jobs",
					"orphaned_jobs", result.OrphanedJobs,
					"failed_files", result.FailedFiles,
					"requeued_files", result.RequeuedFiles,
					"errors", result.Errors)
			}
		}
	}
}
