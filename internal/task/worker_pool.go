package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/fileflow/internal/platform/logger"
)

// AttemptRunner executes one processing attempt for a file.
type AttemptRunner interface {
	RunAttempt(ctx context.Context, fileID int64) error
}

// WorkerPool manages a pool of worker goroutines that take deliveries
// from a task queue and run them. Every delivery gets exactly one outcome
// reported back to the queue.
type WorkerPool struct {
	// taskQueue provides the deliveries to be processed
	taskQueue TaskQueueReader

	// runner executes the attempt for a delivery
	runner AttemptRunner

	// workerCount is the number of concurrent workers to start
	workerCount int

	// dequeueRetryDelay is the pause after a failed Dequeue
	dequeueRetryDelay time.Duration

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is used for cancellation and shutdown signaling
	ctx context.Context

	// cancel is the function to call to cancel the context
	cancel context.CancelFunc

	logger *slog.Logger
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int

	// DequeueRetryDelay is how long a worker waits after the queue returns
	// an error. If zero, defaults to 1 second.
	DequeueRetryDelay time.Duration
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:       2,
		DequeueRetryDelay: time.Second,
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	taskQueue TaskQueueReader,
	runner AttemptRunner,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}
	if config.DequeueRetryDelay <= 0 {
		config.DequeueRetryDelay = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		taskQueue:         taskQueue,
		runner:            runner,
		workerCount:       workerCount,
		dequeueRetryDelay: config.DequeueRetryDelay,
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger.With("component", "worker_pool"),
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	p.logger.Info("starting worker pool", "worker_count", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals the workers to stop taking deliveries and waits for the
// attempts already running to finish.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", id)
	log.Debug("starting worker")

	for {
		d, err := p.taskQueue.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				log.Debug("stopping worker")
				return
			}

			log.Error("failed to dequeue", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.dequeueRetryDelay):
			}
			continue
		}

		p.handle(d, id)
	}
}

// handle runs one delivery and reports its outcome.
func (p *WorkerPool) handle(d *Delivery, workerID int) {
	log := p.logger.With(
		"worker_id", workerID,
		"request_id", d.RequestID,
		"file_id", d.FileID,
		"attempt", d.Attempt,
		"max_attempts", d.MaxAttempts,
	)
	// An attempt that has started runs to completion even during shutdown.
	ctx := logger.WithLogger(context.WithoutCancel(p.ctx), log)

	err := p.run(ctx, d)

	switch {
	case err == nil:
		if cerr := p.taskQueue.Complete(ctx, d); cerr != nil {
			log.Error("failed to acknowledge delivery", "error", cerr)
		}

	case errors.Is(err, ErrFileBusy):
		// The file is not processed yet; keep the request until the other
		// attempt, or the reconciler, has settled it.
		outcome, ferr := p.taskQueue.Fail(ctx, d, err, false)
		if ferr != nil {
			log.Error("failed to hand back delivery", "error", ferr)
			return
		}
		log.Info("file is busy, delivery handed back",
			"redelivered", outcome.Redelivered,
			"delay", outcome.Delay)

	case errors.Is(err, ErrAttemptAborted):
		log.Info("attempt skipped, file already processed", "reason", err)
		if cerr := p.taskQueue.Complete(ctx, d); cerr != nil {
			log.Error("failed to acknowledge delivery", "error", cerr)
		}

	default:
		permanent := IsPermanent(err)
		outcome, ferr := p.taskQueue.Fail(ctx, d, err, permanent)
		if ferr != nil {
			log.Error("failed to report failed delivery", "error", ferr, "cause", err)
			return
		}
		if outcome.Redelivered {
			log.Warn("attempt failed, redelivery scheduled",
				"error", err,
				"delay", outcome.Delay,
				"remaining_attempts", d.RemainingAttempts())
			return
		}
		log.Error("attempt failed, no attempts left",
			"error", err,
			"permanent", permanent)
	}
}

func (p *WorkerPool) run(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attempt panicked: %v", r)
		}
	}()
	return p.runner.RunAttempt(ctx, d.FileID)
}
