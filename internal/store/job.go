package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/domain"
)

// JobStore defines the interface for the job ledger. Jobs are append-only
// from the pipeline's perspective: a job is created once and finished once.
type JobStore interface {
	// Create saves a new job record.
	Create(ctx context.Context, job *domain.Job) error

	// GetByID retrieves a job by its ID.
	// Returns ErrJobNotFound if the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Finish persists the terminal status, error message and completion
	// time of a job that is still processing in the store.
	// Returns ErrJobNotFound if the job does not exist and
	// ErrStatusConflict if it was already finished.
	Finish(ctx context.Context, job *domain.Job) error

	// ListByFile returns every job recorded for a file, oldest first.
	ListByFile(ctx context.Context, fileID int64) ([]*domain.Job, error)

	// FindProcessing returns jobs still in processing that started more than
	// olderThan ago. A zero olderThan matches all of them.
	FindProcessing(ctx context.Context, olderThan time.Duration) ([]*domain.Job, error)

	// WithTx returns a new JobStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) JobStore
}

// TxFunc receives stores bound to a single transaction.
type TxFunc func(ctx context.Context, files FileStore, jobs JobStore) error

// TxRunner executes a function against file and job stores sharing one
// transaction. Either every write made by fn is committed or none is.
type TxRunner interface {
	InTx(ctx context.Context, fn TxFunc) error
}
