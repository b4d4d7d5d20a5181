package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/platform/logger"
	"github.com/phrazzld/fileflow/internal/store"
)

const fileColumns = `id, owner_id, original_filename, storage_handle, title, description,
		status, extracted_data, uploaded_at, updated_at`

// PostgresFileStore implements the store.FileStore interface
// using a PostgreSQL database as the storage backend.
type PostgresFileStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresFileStore creates a new PostgreSQL implementation of the FileStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresFileStore(db store.DBTX, logger *slog.Logger) *PostgresFileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresFileStore{
		db:     db,
		logger: logger.With(slog.String("component", "file_store")),
	}
}

// Ensure PostgresFileStore implements store.FileStore interface
var _ store.FileStore = (*PostgresFileStore)(nil)

// Create implements store.FileStore.Create
func (s *PostgresFileStore) Create(ctx context.Context, file *domain.File) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := file.Validate(); err != nil {
		log.Warn("file validation failed during create", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO files (owner_id, original_filename, storage_handle, title, description,
			status, extracted_data, uploaded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := s.db.QueryRowContext(
		ctx,
		query,
		file.OwnerID,
		file.OriginalName,
		file.StorageHandle,
		file.Title,
		file.Description,
		string(file.Status),
		nullString(file.ExtractedData),
		file.UploadedAt.UTC(),
		file.UpdatedAt.UTC(),
	).Scan(&file.ID)
	if err != nil {
		log.Error("failed to create file",
			slog.String("error", err.Error()),
			slog.Int64("owner_id", file.OwnerID))
		return MapError(err)
	}

	log.Info("file created",
		slog.Int64("file_id", file.ID),
		slog.Int64("owner_id", file.OwnerID))
	return nil
}

// GetByID implements store.FileStore.GetByID
func (s *PostgresFileStore) GetByID(ctx context.Context, id int64) (*domain.File, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	file, err := scanFile(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("file not found", slog.Int64("file_id", id))
			return nil, store.ErrFileNotFound
		}
		log.Error("failed to get file", slog.Int64("file_id", id), slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	return file, nil
}

// CompareAndSetStatus implements store.FileStore.CompareAndSetStatus
// The status check and the write happen in a single UPDATE, so two
// concurrent callers can never both succeed.
func (s *PostgresFileStore) CompareAndSetStatus(
	ctx context.Context,
	id int64,
	from []domain.FileStatus,
	to domain.FileStatus,
	extracted *string,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if (to == domain.FileStatusProcessed) != (extracted != nil) {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrExtractedDataMismatch)
	}

	allowed := make([]domain.FileStatus, 0, len(from))
	for _, status := range from {
		if domain.CanTransitionFile(status, to) {
			allowed = append(allowed, status)
		}
	}
	if len(allowed) == 0 {
		return fmt.Errorf("%w: %w: no permitted transition to %s", store.ErrInvalidEntity, domain.ErrInvalidTransition, to)
	}

	args := []any{string(to), nullString(extracted), id}
	placeholders := make([]string, len(allowed))
	for i, status := range allowed {
		args = append(args, string(status))
		placeholders[i] = fmt.Sprintf("$%d", i+4)
	}

	query := `
		UPDATE files
		SET status = $1, extracted_data = $2, updated_at = NOW()
		WHERE id = $3 AND status IN (` + strings.Join(placeholders, ", ") + `)
	`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to update file status",
			slog.Int64("file_id", id),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	updated, err := checkRowsAffected(result)
	if err != nil {
		return err
	}
	if updated {
		log.Debug("file status updated",
			slog.Int64("file_id", id),
			slog.String("status", string(to)))
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM files WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrFileNotFound
		}
		return MapError(err)
	}
	for _, status := range from {
		if string(status) == current {
			// Matched from, but the state machine forbids the move.
			return fmt.Errorf("%w: %w: file %d cannot move from %s to %s",
				store.ErrInvalidEntity, domain.ErrInvalidTransition, id, current, to)
		}
	}
	return fmt.Errorf("%w: file %d is %s", store.ErrStatusConflict, id, current)
}

// FindByStatus implements store.FileStore.FindByStatus
func (s *PostgresFileStore) FindByStatus(
	ctx context.Context,
	status domain.FileStatus,
	olderThan time.Duration,
) ([]*domain.File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE status = $1 AND updated_at <= NOW() - make_interval(secs => $2)
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, string(status), olderThan.Seconds())
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var files []*domain.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, MapError(err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return files, nil
}

// WithTx implements store.FileStore.WithTx
func (s *PostgresFileStore) WithTx(tx *sql.Tx) store.FileStore {
	return &PostgresFileStore{
		db:     tx,
		logger: s.logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*domain.File, error) {
	var (
		file      domain.File
		status    string
		extracted sql.NullString
	)
	err := row.Scan(
		&file.ID,
		&file.OwnerID,
		&file.OriginalName,
		&file.StorageHandle,
		&file.Title,
		&file.Description,
		&status,
		&extracted,
		&file.UploadedAt,
		&file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	file.Status = domain.FileStatus(status)
	if extracted.Valid {
		data := extracted.String
		file.ExtractedData = &data
	}
	file.UploadedAt = file.UploadedAt.UTC()
	file.UpdatedAt = file.UpdatedAt.UTC()
	return &file, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
