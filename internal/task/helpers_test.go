package task

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/platform/memory"
	"github.com/phrazzld/fileflow/internal/storage"
	"github.com/phrazzld/fileflow/internal/store"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var errFlakyStorage = errors.New("connection reset by peer")

// fakeStorage serves objects from memory. The first failOpens calls to Open
// fail; gate, when set, makes Open wait until it is closed.
type fakeStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failOpens int
	opens     int
	opened    chan struct{}
	gate      chan struct{}
	blockRead bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (s *fakeStorage) put(handle, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[handle] = []byte(content)
}

func (s *fakeStorage) setFailOpens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens = n
}

func (s *fakeStorage) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *fakeStorage) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.opens++
	opened, gate := s.opened, s.gate
	fail := s.failOpens > 0
	if fail {
		s.failOpens--
	}
	data, ok := s.objects[handle]
	blockRead := s.blockRead
	s.mu.Unlock()

	if opened != nil {
		opened <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errFlakyStorage
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	if blockRead {
		return io.NopCloser(&blockingReader{ctx: ctx}), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// blockingReader never yields data; Read returns once ctx is done.
type blockingReader struct {
	ctx context.Context
}

func (r *blockingReader) Read(_ []byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

type fixture struct {
	store   *memory.Store
	storage *fakeStorage
	queue   *TaskQueue
	orch    *Orchestrator
}

func testOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		AttemptTimeout: time.Second,
		Enqueue: EnqueueOptions{
			MaxAttempts: 3,
			Backoff:     Backoff{Type: BackoffExponential, Base: 5 * time.Millisecond},
		},
	}
}

func newFixture(t *testing.T, config OrchestratorConfig) *fixture {
	t.Helper()
	return newFixtureWithTx(t, config, nil)
}

func newFixtureWithTx(t *testing.T, config OrchestratorConfig, wrap func(store.TxRunner) store.TxRunner) *fixture {
	t.Helper()

	mem := memory.New()
	fs := newFakeStorage()
	queue := NewTaskQueue(100, setupTestLogger())
	t.Cleanup(queue.Close)

	processor, err := NewFingerprintProcessor(AlgorithmSHA256)
	require.NoError(t, err)

	var tx store.TxRunner = mem
	if wrap != nil {
		tx = wrap(mem)
	}

	orch, err := NewOrchestrator(OrchestratorDeps{
		Files:     mem.Files(),
		Jobs:      mem.Jobs(),
		Tx:        tx,
		Storage:   fs,
		Processor: processor,
		Queue:     queue,
	}, config, setupTestLogger())
	require.NoError(t, err)

	f := &fixture{store: mem, storage: fs, queue: queue, orch: orch}
	t.Cleanup(func() { f.assertInvariant(t) })
	return f
}

func (f *fixture) upload(t *testing.T, handle, content string) *domain.File {
	t.Helper()
	f.storage.put(handle, content)
	file, err := domain.NewFile(1, handle, handle, "", "")
	require.NoError(t, err)
	require.NoError(t, f.store.Files().Create(context.Background(), file))
	return file
}

func (f *fixture) file(t *testing.T, id int64) *domain.File {
	t.Helper()
	file, err := f.store.Files().GetByID(context.Background(), id)
	require.NoError(t, err)
	return file
}

func (f *fixture) jobs(t *testing.T, fileID int64) []*domain.Job {
	t.Helper()
	jobs, err := f.store.Jobs().ListByFile(context.Background(), fileID)
	require.NoError(t, err)
	return jobs
}

func jobStatuses(jobs []*domain.Job) []domain.JobStatus {
	out := make([]domain.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status)
	}
	return out
}

// assertInvariant checks extracted data is present exactly on processed files.
func (f *fixture) assertInvariant(t *testing.T) {
	t.Helper()
	for _, status := range []domain.FileStatus{
		domain.FileStatusUploaded,
		domain.FileStatusProcessing,
		domain.FileStatusProcessed,
		domain.FileStatusFailed,
	} {
		files, err := f.store.Files().FindByStatus(context.Background(), status, 0)
		require.NoError(t, err)
		for _, file := range files {
			require.NoError(t, file.Validate(), "file %d", file.ID)
		}
	}
}

// failingTx fails the InTx calls whose 1-based index is in failOn.
type failingTx struct {
	inner  store.TxRunner
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

var errTxUnavailable = errors.New("database unavailable")

func (f *failingTx) InTx(ctx context.Context, fn store.TxFunc) error {
	f.mu.Lock()
	f.calls++
	fail := f.failOn[f.calls]
	f.mu.Unlock()
	if fail {
		return errTxUnavailable
	}
	return f.inner.InTx(ctx, fn)
}

// queueHook calls after once a request has been enqueued.
type queueHook struct {
	TaskQueueWriter
	after func()
}

func (q queueHook) Enqueue(ctx context.Context, fileID int64, opts EnqueueOptions) (uuid.UUID, error) {
	id, err := q.TaskQueueWriter.Enqueue(ctx, fileID, opts)
	if err == nil {
		q.after()
	}
	return id, err
}

// settleOnConflictTx calls settle once, right after a transaction fails
// with a status conflict, as if the attempt holding the file ended at
// that instant.
type settleOnConflictTx struct {
	inner  store.TxRunner
	settle func(ctx context.Context)
}

func (s *settleOnConflictTx) InTx(ctx context.Context, fn store.TxFunc) error {
	err := s.inner.InTx(ctx, fn)
	if errors.Is(err, store.ErrStatusConflict) && s.settle != nil {
		settle := s.settle
		s.settle = nil
		settle(ctx)
	}
	return err
}

// newSettlingFixture returns a fixture holding a.txt under an unfinished
// job. The holder job fails, and the file with it, the moment another
// attempt loses its claim on the file.
func newSettlingFixture(t *testing.T) (*fixture, *domain.File, *domain.Job) {
	t.Helper()
	tx := &settleOnConflictTx{}
	f := newFixtureWithTx(t, testOrchestratorConfig(), func(inner store.TxRunner) store.TxRunner {
		tx.inner = inner
		return tx
	})
	file, holder := f.orphan(t, "a.txt", time.Now())

	tx.settle = func(ctx context.Context) {
		failed := *holder
		require.NoError(t, failed.Fail("storage read failed", time.Now()))
		require.NoError(t, f.store.Jobs().Finish(ctx, &failed))
		require.NoError(t, f.store.Files().CompareAndSetStatus(ctx, file.ID,
			[]domain.FileStatus{domain.FileStatusProcessing}, domain.FileStatusFailed, nil))
	}
	return f, file, holder
}
