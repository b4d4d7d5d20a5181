package task

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskQueue is an in-process Queue. Requests wait in a heap ordered by the
// time they become due; a failed request is pushed back with its backoff
// delay until its attempts run out. Nothing survives a restart, so
// TaskRunner re-enqueues stale uploaded files on startup when this
// backend is used.
type TaskQueue struct {
	mu       sync.Mutex
	pending  requestHeap
	inflight map[uuid.UUID]*queuedRequest
	capacity int
	seq      uint64
	dead     int
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	now      func() time.Time
	logger   *slog.Logger
}

type queuedRequest struct {
	id          uuid.UUID
	fileID      int64
	deliveries  int
	maxAttempts int
	backoff     Backoff
	readyAt     time.Time
	seq         uint64
	index       int
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Pending  int
	InFlight int
	Dead     int
}

// NewTaskQueue creates a new in-memory queue holding at most capacity
// pending requests. A non-positive capacity defaults to 100.
func NewTaskQueue(capacity int, logger *slog.Logger) *TaskQueue {
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TaskQueue{
		inflight: make(map[uuid.UUID]*queuedRequest),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
		logger:   logger.With("component", "task_queue"),
	}
}

// Enqueue adds a processing request for fileID.
// Returns ErrQueueFull when capacity is reached and ErrQueueClosed after Close.
func (q *TaskQueue) Enqueue(ctx context.Context, fileID int64, opts EnqueueOptions) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	opts = opts.normalized()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return uuid.Nil, ErrQueueClosed
	}
	if q.pending.Len() >= q.capacity {
		q.logger.Warn("task queue is full, request rejected",
			"file_id", fileID,
			"capacity", q.capacity)
		return uuid.Nil, ErrQueueFull
	}

	req := &queuedRequest{
		id:          uuid.New(),
		fileID:      fileID,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		readyAt:     q.now(),
	}
	q.push(req)

	q.logger.Debug("request enqueued",
		"request_id", req.id,
		"file_id", fileID,
		"max_attempts", req.maxAttempts)
	return req.id, nil
}

// Dequeue blocks until a request is due, ctx is done, or the queue is closed.
func (q *TaskQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		wait := time.Duration(-1)
		if q.pending.Len() > 0 {
			next := q.pending[0]
			now := q.now()
			if !next.readyAt.After(now) {
				heap.Pop(&q.pending)
				next.deliveries++
				q.inflight[next.id] = next
				// Another worker may be waiting for the rest.
				if q.pending.Len() > 0 {
					q.signal()
				}
				q.mu.Unlock()
				return &Delivery{
					RequestID:   next.id,
					FileID:      next.fileID,
					Attempt:     next.deliveries,
					MaxAttempts: next.maxAttempts,
					Backoff:     next.backoff,
				}, nil
			}
			wait = next.readyAt.Sub(now)
		}
		q.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.done:
		case <-q.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Complete acknowledges a delivery and forgets the request.
func (q *TaskQueue) Complete(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[d.RequestID]; !ok {
		return ErrUnknownDelivery
	}
	delete(q.inflight, d.RequestID)
	return nil
}

// Fail reports a failed delivery. The request goes back to the heap after
// its backoff delay unless it is permanent or out of attempts, in which case
// it is dropped.
func (q *TaskQueue) Fail(_ context.Context, d *Delivery, cause error, permanent bool) (FailOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.inflight[d.RequestID]
	if !ok {
		return FailOutcome{}, ErrUnknownDelivery
	}
	delete(q.inflight, d.RequestID)

	if permanent || req.deliveries >= req.maxAttempts || q.closed {
		q.dead++
		q.logger.Warn("request dropped",
			"request_id", req.id,
			"file_id", req.fileID,
			"attempts", req.deliveries,
			"permanent", permanent,
			"error", cause)
		return FailOutcome{}, nil
	}

	delay := req.backoff.Delay(req.deliveries)
	req.readyAt = q.now().Add(delay)
	q.push(req)

	return FailOutcome{Redelivered: true, Delay: delay}, nil
}

// Close stops the queue. Blocked Dequeue calls return ErrQueueClosed.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	q.logger.Info("task queue closed",
		"pending", q.pending.Len(),
		"in_flight", len(q.inflight))
}

// HasPending implements PendingChecker.
func (q *TaskQueue) HasPending(_ context.Context, fileID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range q.pending {
		if req.fileID == fileID {
			return true, nil
		}
	}
	for _, req := range q.inflight {
		if req.fileID == fileID {
			return true, nil
		}
	}
	return false, nil
}

// Stats returns current queue counters.
func (q *TaskQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Pending:  q.pending.Len(),
		InFlight: len(q.inflight),
		Dead:     q.dead,
	}
}

// push must be called with mu held.
func (q *TaskQueue) push(req *queuedRequest) {
	q.seq++
	req.seq = q.seq
	heap.Push(&q.pending, req)
	q.signal()
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// requestHeap orders requests by due time, then by arrival.
type requestHeap []*queuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	req := x.(*queuedRequest)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}
