package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/platform/logger"
	"github.com/phrazzld/fileflow/internal/store"
)

const jobColumns = `id, file_id, job_type, status, error_message, started_at, completed_at, created_at`

// PostgresJobStore implements the store.JobStore interface
// using a PostgreSQL database as the storage backend.
type PostgresJobStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresJobStore creates a new PostgreSQL implementation of the JobStore interface.
func NewPostgresJobStore(db store.DBTX, logger *slog.Logger) *PostgresJobStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresJobStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_store")),
	}
}

// Ensure PostgresJobStore implements store.JobStore interface
var _ store.JobStore = (*PostgresJobStore)(nil)

// Create implements store.JobStore.Create
// Returns store.ErrFileNotFound if the file does not exist (foreign key violation).
func (s *PostgresJobStore) Create(ctx context.Context, job *domain.Job) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := job.Validate(); err != nil {
		log.Warn("job validation failed during create", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.FileID,
		job.JobType,
		string(job.Status),
		job.ErrorMessage,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.CreatedAt.UTC(),
	)
	if err != nil {
		if IsForeignKeyViolation(err) {
			log.Warn("job references a missing file", slog.Int64("file_id", job.FileID))
			return fmt.Errorf("%w: file %d", store.ErrFileNotFound, job.FileID)
		}
		log.Error("failed to create job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	log.Debug("job created",
		slog.String("job_id", job.ID.String()),
		slog.Int64("file_id", job.FileID))
	return nil
}

// GetByID implements store.JobStore.GetByID
func (s *PostgresJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, MapError(err)
	}
	return job, nil
}

// Finish implements store.JobStore.Finish
func (s *PostgresJobStore) Finish(ctx context.Context, job *domain.Job) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if !job.IsTerminal() {
		return fmt.Errorf("%w: job %s is not finished", store.ErrInvalidEntity, job.ID)
	}

	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status = 'processing'
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		string(job.Status),
		job.ErrorMessage,
		nullTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		log.Error("failed to finish job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	updated, err := checkRowsAffected(result)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, job.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrJobNotFound
		}
		return MapError(err)
	}
	return fmt.Errorf("%w: job %s is %s", store.ErrStatusConflict, job.ID, current)
}

// ListByFile implements store.JobStore.ListByFile
func (s *PostgresJobStore) ListByFile(ctx context.Context, fileID int64) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE file_id = $1 ORDER BY created_at, id`
	return s.query(ctx, query, fileID)
}

// FindProcessing implements store.JobStore.FindProcessing
func (s *PostgresJobStore) FindProcessing(ctx context.Context, olderThan time.Duration) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'processing' AND started_at <= NOW() - make_interval(secs => $1)
		ORDER BY started_at
	`
	return s.query(ctx, query, olderThan.Seconds())
}

// WithTx implements store.JobStore.WithTx
func (s *PostgresJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &PostgresJobStore{
		db:     tx,
		logger: s.logger,
	}
}

func (s *PostgresJobStore) query(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, MapError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.FileID,
		&job.JobType,
		&status,
		&job.ErrorMessage,
		&started,
		&completed,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.CreatedAt = job.CreatedAt.UTC()
	return &job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
