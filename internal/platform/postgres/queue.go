package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/task"
)

// Queue request states
const (
	requestWaiting   = "waiting"
	requestActive    = "active"
	requestCompleted = "completed"
	requestDead      = "dead"
)

// QueueConfig tunes the durable queue.
type QueueConfig struct {
	// PollInterval is how often an idle Dequeue looks for due requests.
	PollInterval time.Duration

	// LeaseDuration is how long a delivery stays invisible to other
	// workers. A worker that dies mid-attempt loses its lease and the
	// request is delivered again; it must exceed the attempt timeout.
	LeaseDuration time.Duration
}

// DefaultQueueConfig returns a 1s poll interval and a 10 minute lease.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:  time.Second,
		LeaseDuration: 10 * time.Minute,
	}
}

// Queue is a durable task.Queue backed by the queue_requests table.
// Claims use FOR UPDATE SKIP LOCKED so any number of workers, in any
// number of processes, receive each due request exactly once per lease.
type Queue struct {
	db        *sql.DB
	config    QueueConfig
	logger    *slog.Logger
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ task.Queue          = (*Queue)(nil)
	_ task.PendingChecker = (*Queue)(nil)
)

// NewQueue creates a durable queue over db.
func NewQueue(db *sql.DB, config QueueConfig, logger *slog.Logger) *Queue {
	defaults := DefaultQueueConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		db:     db,
		config: config,
		logger: logger.With(slog.String("component", "postgres_queue")),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue implements task.TaskQueueWriter.
func (q *Queue) Enqueue(ctx context.Context, fileID int64, opts task.EnqueueOptions) (uuid.UUID, error) {
	select {
	case <-q.closed:
		return uuid.Nil, task.ErrQueueClosed
	default:
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = task.BackoffExponential
	}

	id := uuid.New()
	query := `
		INSERT INTO queue_requests (id, file_id, max_attempts, backoff_type, backoff_base_ms, backoff_max_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.db.ExecContext(
		ctx,
		query,
		id,
		fileID,
		opts.MaxAttempts,
		string(opts.Backoff.Type),
		opts.Backoff.Base.Milliseconds(),
		opts.Backoff.Max.Milliseconds(),
	)
	if err != nil {
		q.logger.Error("failed to enqueue request",
			slog.Int64("file_id", fileID),
			slog.String("error", err.Error()))
		return uuid.Nil, MapError(err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}

	q.logger.Debug("request enqueued",
		slog.String("request_id", id.String()),
		slog.Int64("file_id", fileID))
	return id, nil
}

// HasPending implements task.PendingChecker.
func (q *Queue) HasPending(ctx context.Context, fileID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM queue_requests
			WHERE file_id = $1 AND status IN ('waiting', 'active')
		)
	`
	var pending bool
	if err := q.db.QueryRowContext(ctx, query, fileID).Scan(&pending); err != nil {
		q.logger.Error("failed to check pending requests",
			slog.Int64("file_id", fileID),
			slog.String("error", err.Error()))
		return false, MapError(err)
	}
	return pending, nil
}

// Dequeue implements task.TaskQueueReader. It polls until a request is due.
func (q *Queue) Dequeue(ctx context.Context) (*task.Delivery, error) {
	for {
		select {
		case <-q.closed:
			return nil, task.ErrQueueClosed
		default:
		}

		d, err := q.claim(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(q.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.closed:
			timer.Stop()
			return nil, task.ErrQueueClosed
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// claim leases the next due request, or returns nil if none is due.
// Requests whose lease expired on their last attempt are moved to dead.
func (q *Queue) claim(ctx context.Context) (*task.Delivery, error) {
	query := `
		UPDATE queue_requests
		SET status = 'active',
			attempt = attempt + 1,
			leased_until = NOW() + make_interval(secs => $1),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM queue_requests
			WHERE (status = 'waiting' AND available_at <= NOW())
				OR (status = 'active' AND leased_until <= NOW())
			ORDER BY available_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, file_id, attempt, max_attempts, backoff_type, backoff_base_ms, backoff_max_ms
	`

	for {
		var (
			d           task.Delivery
			backoffType string
			baseMS      int64
			maxMS       int64
		)
		err := q.db.QueryRowContext(ctx, query, q.config.LeaseDuration.Seconds()).Scan(
			&d.RequestID,
			&d.FileID,
			&d.Attempt,
			&d.MaxAttempts,
			&backoffType,
			&baseMS,
			&maxMS,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim queue request: %w", MapError(err))
		}

		d.Backoff = task.Backoff{
			Type: task.BackoffType(backoffType),
			Base: time.Duration(baseMS) * time.Millisecond,
			Max:  time.Duration(maxMS) * time.Millisecond,
		}

		if d.Attempt <= d.MaxAttempts {
			return &d, nil
		}

		// The previous holder died on the final attempt.
		q.logger.Warn("lease expired on final attempt, request is dead",
			slog.String("request_id", d.RequestID.String()),
			slog.Int64("file_id", d.FileID),
			slog.Int("attempts", d.MaxAttempts))
		if err := q.finish(ctx, &d, requestDead, "lease expired after final attempt", 0); err != nil &&
			!errors.Is(err, task.ErrUnknownDelivery) {
			return nil, err
		}
	}
}

// Complete implements task.TaskQueueReader.
func (q *Queue) Complete(ctx context.Context, d *task.Delivery) error {
	return q.finish(ctx, d, requestCompleted, "", 0)
}

// Fail implements task.TaskQueueReader.
func (q *Queue) Fail(ctx context.Context, d *task.Delivery, cause error, permanent bool) (task.FailOutcome, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	if permanent || d.Attempt >= d.MaxAttempts {
		if err := q.finish(ctx, d, requestDead, message, 0); err != nil {
			return task.FailOutcome{}, err
		}
		q.logger.Warn("request dead",
			slog.String("request_id", d.RequestID.String()),
			slog.Int64("file_id", d.FileID),
			slog.Int("attempts", d.Attempt),
			slog.Bool("permanent", permanent))
		return task.FailOutcome{}, nil
	}

	delay := d.Backoff.Delay(d.Attempt)
	if err := q.finish(ctx, d, requestWaiting, message, delay); err != nil {
		return task.FailOutcome{}, err
	}
	return task.FailOutcome{Redelivered: true, Delay: delay}, nil
}

// finish moves an active request held by d to status. delay only applies
// when status is waiting. Returns task.ErrUnknownDelivery when the lease
// was lost to another worker.
func (q *Queue) finish(ctx context.Context, d *task.Delivery, status, lastError string, delay time.Duration) error {
	query := `
		UPDATE queue_requests
		SET status = $1,
			last_error = $2,
			available_at = NOW() + make_interval(secs => $3),
			leased_until = NULL,
			updated_at = NOW()
		WHERE id = $4 AND status = 'active' AND attempt = $5
	`
	result, err := q.db.ExecContext(ctx, query, status, lastError, delay.Seconds(), d.RequestID, d.Attempt)
	if err != nil {
		q.logger.Error("failed to update queue request",
			slog.String("request_id", d.RequestID.String()),
			slog.String("status", status),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	updated, err := checkRowsAffected(result)
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("%w: request %s attempt %d", task.ErrUnknownDelivery, d.RequestID, d.Attempt)
	}
	return nil
}

// Close implements task.Queue. Blocked Dequeue calls return task.ErrQueueClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}
