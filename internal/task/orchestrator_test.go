package task

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloDigest = `{"hash":"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"}`

func TestNewOrchestrator_ValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewOrchestrator(OrchestratorDeps{}, DefaultOrchestratorConfig(), setupTestLogger())
	assert.ErrorIs(t, err, ErrNilFileStore)
}

func TestRunAttempt_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")

	require.NoError(t, f.orch.RunAttempt(ctx, file.ID))

	got := f.file(t, file.ID)
	assert.Equal(t, domain.FileStatusProcessed, got.Status)
	require.NotNil(t, got.ExtractedData)
	assert.Equal(t, helloDigest, *got.ExtractedData)

	jobs := f.jobs(t, file.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, JobTypeFileProcessing, jobs[0].JobType)
	assert.Empty(t, jobs[0].ErrorMessage)
	assert.NotNil(t, jobs[0].StartedAt)
	assert.NotNil(t, jobs[0].CompletedAt)
}

func TestRunAttempt_FileNotFoundIsPermanent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testOrchestratorConfig())

	err := f.orch.RunAttempt(context.Background(), 404)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.True(t, IsPermanent(err))
	assert.Empty(t, f.jobs(t, 404))
}

func TestRunAttempt_StorageFailureRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")
	f.storage.setFailOpens(1)

	err := f.orch.RunAttempt(ctx, file.ID)
	assert.ErrorIs(t, err, ErrStorageRead)
	assert.False(t, IsPermanent(err))

	got := f.file(t, file.ID)
	assert.Equal(t, domain.FileStatusFailed, got.Status)
	assert.Nil(t, got.ExtractedData)

	jobs := f.jobs(t, file.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, errFlakyStorage.Error())
}

func TestRunAttempt_MissingObjectIsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")
	delete(f.storage.objects, "a.txt")

	err := f.orch.RunAttempt(ctx, file.ID)
	assert.ErrorIs(t, err, ErrStorageRead)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, domain.FileStatusFailed, f.file(t, file.ID).Status)
}

func TestRunAttempt_FailedFileIsReclaimedByRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")
	f.storage.setFailOpens(2)

	assert.ErrorIs(t, f.orch.RunAttempt(ctx, file.ID), ErrStorageRead)
	assert.ErrorIs(t, f.orch.RunAttempt(ctx, file.ID), ErrStorageRead)
	require.NoError(t, f.orch.RunAttempt(ctx, file.ID))

	got := f.file(t, file.ID)
	assert.Equal(t, domain.FileStatusProcessed, got.Status)
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusFailed, domain.JobStatusFailed, domain.JobStatusCompleted},
		jobStatuses(f.jobs(t, file.ID)))
}

func TestRunAttempt_ProcessedFileIsNotReprocessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")

	require.NoError(t, f.orch.RunAttempt(ctx, file.ID))
	err := f.orch.RunAttempt(ctx, file.ID)
	assert.ErrorIs(t, err, ErrAttemptAborted)
	assert.NotErrorIs(t, err, ErrFileBusy)

	assert.Len(t, f.jobs(t, file.ID), 1)
	assert.Equal(t, 1, f.storage.openCount())
}

func TestRunAttempt_ConcurrentAttemptsClaimOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")

	f.storage.opened = make(chan struct{}, 2)
	f.storage.gate = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		first <- f.orch.RunAttempt(ctx, file.ID)
	}()

	select {
	case <-f.storage.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("first attempt never reached storage")
	}
	assert.Equal(t, domain.FileStatusProcessing, f.file(t, file.ID).Status)

	err := f.orch.RunAttempt(ctx, file.ID)
	assert.ErrorIs(t, err, ErrAttemptAborted)
	assert.ErrorIs(t, err, ErrFileBusy)

	close(f.storage.gate)
	require.NoError(t, <-first)

	assert.Equal(t, domain.FileStatusProcessed, f.file(t, file.ID).Status)
	assert.Equal(t, []domain.JobStatus{domain.JobStatusCompleted}, jobStatuses(f.jobs(t, file.ID)))
	assert.Equal(t, 1, f.storage.openCount())
}

func TestRunAttempt_Timeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	config := testOrchestratorConfig()
	config.AttemptTimeout = 20 * time.Millisecond
	f := newFixture(t, config)
	file := f.upload(t, "a.txt", "hello")
	f.storage.blockRead = true

	err := f.orch.RunAttempt(ctx, file.ID)
	assert.ErrorIs(t, err, ErrAttemptTimeout)
	assert.False(t, IsPermanent(err))

	assert.Equal(t, domain.FileStatusFailed, f.file(t, file.ID).Status)
	jobs := f.jobs(t, file.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, ErrAttemptTimeout.Error())
}

func TestRunAttempt_ClaimFailureWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixtureWithTx(t, testOrchestratorConfig(), func(inner store.TxRunner) store.TxRunner {
		return &failingTx{inner: inner, failOn: map[int]bool{1: true}}
	})
	file := f.upload(t, "a.txt", "hello")

	err := f.orch.RunAttempt(ctx, file.ID)
	assert.ErrorIs(t, err, errTxUnavailable)

	assert.Equal(t, domain.FileStatusUploaded, f.file(t, file.ID).Status)
	assert.Empty(t, f.jobs(t, file.ID))
}

func TestRunAttempt_SuccessPersistFailureFallsBackToFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixtureWithTx(t, testOrchestratorConfig(), func(inner store.TxRunner) store.TxRunner {
		return &failingTx{inner: inner, failOn: map[int]bool{2: true}}
	})
	file := f.upload(t, "a.txt", "hello")

	err := f.orch.RunAttempt(ctx, file.ID)
	assert.ErrorIs(t, err, ErrPersistOutcome)

	got := f.file(t, file.ID)
	assert.Equal(t, domain.FileStatusFailed, got.Status)
	assert.Nil(t, got.ExtractedData)

	jobs := f.jobs(t, file.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, ErrPersistOutcome.Error())
}

func TestRetry_FailedFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")
	f.storage.setFailOpens(1)
	require.Error(t, f.orch.RunAttempt(ctx, file.ID))

	require.NoError(t, f.orch.Retry(ctx, file.ID))

	got := f.file(t, file.ID)
	assert.Equal(t, domain.FileStatusUploaded, got.Status)
	assert.Equal(t, 1, f.queue.Stats().Pending)

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, file.ID, d.FileID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, 3, d.MaxAttempts)
}

func TestRetry_InvalidStateChangesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, file *domain.File)
		status  domain.FileStatus
	}{
		{
			name:    "uploaded",
			prepare: func(*testing.T, *fixture, *domain.File) {},
			status:  domain.FileStatusUploaded,
		},
		{
			name: "processed",
			prepare: func(t *testing.T, f *fixture, file *domain.File) {
				require.NoError(t, f.orch.RunAttempt(ctx, file.ID))
			},
			status: domain.FileStatusProcessed,
		},
		{
			name: "processing",
			prepare: func(t *testing.T, f *fixture, file *domain.File) {
				require.NoError(t, f.store.Files().CompareAndSetStatus(ctx, file.ID,
					domain.ClaimableFileStatuses, domain.FileStatusProcessing, nil))
			},
			status: domain.FileStatusProcessing,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testOrchestratorConfig())
			file := f.upload(t, "a.txt", "hello")
			tc.prepare(t, f, file)
			jobsBefore := len(f.jobs(t, file.ID))

			err := f.orch.Retry(ctx, file.ID)
			assert.ErrorIs(t, err, ErrInvalidState)

			assert.Equal(t, tc.status, f.file(t, file.ID).Status)
			assert.Len(t, f.jobs(t, file.ID), jobsBefore)
			assert.Equal(t, 0, f.queue.Stats().Pending)
		})
	}
}

func TestRetry_SecondRetryIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")
	f.storage.setFailOpens(1)
	require.Error(t, f.orch.RunAttempt(ctx, file.ID))

	require.NoError(t, f.orch.Retry(ctx, file.ID))
	assert.ErrorIs(t, f.orch.Retry(ctx, file.ID), ErrInvalidState)
	assert.Equal(t, 1, f.queue.Stats().Pending)
}

func TestRetry_FileNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testOrchestratorConfig())

	assert.ErrorIs(t, f.orch.Retry(context.Background(), 12), ErrFileNotFound)
}

func TestRetry_EnqueueFailureLeavesFileFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")
	f.storage.setFailOpens(1)
	require.Error(t, f.orch.RunAttempt(ctx, file.ID))
	jobsBefore := len(f.jobs(t, file.ID))

	f.queue.Close()

	err := f.orch.Retry(ctx, file.ID)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.Equal(t, domain.FileStatusFailed, f.file(t, file.ID).Status)
	assert.Len(t, f.jobs(t, file.ID), jobsBefore)

	// Still retryable once the queue is back.
	err = f.orch.Retry(ctx, file.ID)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.NotErrorIs(t, err, ErrInvalidState)
}

func TestRetry_FileClaimedBeforeReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, testOrchestratorConfig())
	file := f.upload(t, "a.txt", "hello")
	f.storage.setFailOpens(1)
	require.Error(t, f.orch.RunAttempt(ctx, file.ID))

	// A worker claims the file between the enqueue and the reset.
	f.orch.queue = queueHook{TaskQueueWriter: f.queue, after: func() {
		require.NoError(t, f.orch.RunAttempt(ctx, file.ID))
	}}

	require.NoError(t, f.orch.Retry(ctx, file.ID))
	assert.Equal(t, domain.FileStatusProcessed, f.file(t, file.ID).Status)
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusFailed, domain.JobStatusCompleted},
		jobStatuses(f.jobs(t, file.ID)))
}

func TestRunAttempt_LostClaimOnFileThatJustFailed(t *testing.T) {
	t.Parallel()
	f, file, _ := newSettlingFixture(t)

	err := f.orch.RunAttempt(context.Background(), file.ID)
	assert.ErrorIs(t, err, ErrAttemptAborted)
	assert.ErrorIs(t, err, ErrFileBusy)

	assert.Equal(t, domain.FileStatusFailed, f.file(t, file.ID).Status)
	assert.Equal(t, []domain.JobStatus{domain.JobStatusFailed}, jobStatuses(f.jobs(t, file.ID)))
}
