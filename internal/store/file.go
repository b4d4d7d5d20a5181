package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/phrazzld/fileflow/internal/domain"
)

// FileStore defines the interface for file record persistence.
type FileStore interface {
	// Create saves a new file and assigns its ID.
	// Returns validation errors from the domain File if data is invalid.
	Create(ctx context.Context, file *domain.File) error

	// GetByID retrieves a file by its ID.
	// Returns ErrFileNotFound if the file does not exist.
	GetByID(ctx context.Context, id int64) (*domain.File, error)

	// CompareAndSetStatus atomically moves a file to status `to` if its
	// current status is one of `from`. extracted is written together with
	// the status and must be non-nil exactly when `to` is processed.
	// Returns ErrFileNotFound if the file does not exist and
	// ErrStatusConflict if the current status is not in `from`.
	CompareAndSetStatus(
		ctx context.Context,
		id int64,
		from []domain.FileStatus,
		to domain.FileStatus,
		extracted *string,
	) error

	// FindByStatus retrieves files in the given status whose last update is
	// older than olderThan. A zero olderThan matches all of them.
	FindByStatus(ctx context.Context, status domain.FileStatus, olderThan time.Duration) ([]*domain.File, error)

	// WithTx returns a new FileStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) FileStore
}
