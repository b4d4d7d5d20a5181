package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/platform/logger"
	"github.com/phrazzld/fileflow/internal/storage"
	"github.com/phrazzld/fileflow/internal/store"
)

// Pipeline is the processing side the service hands files to.
type Pipeline interface {
	// Enqueue submits the first processing request for a new file.
	Enqueue(ctx context.Context, fileID int64) (uuid.UUID, error)

	// Retry enqueues a failed file again and resets it to uploaded.
	Retry(ctx context.Context, fileID int64) error
}

// UploadParams describe one uploaded file.
type UploadParams struct {
	OwnerID      int64     `validate:"required,gt=0"`
	OriginalName string    `validate:"required,max=255"`
	Title        string    `validate:"max=255"`
	Description  string    `validate:"max=2000"`
	Content      io.Reader `validate:"required"`
}

// FileService provides file-related operations
type FileService interface {
	// SubmitUpload stores the content, records the file as uploaded and
	// enqueues its first processing attempt.
	SubmitUpload(ctx context.Context, params UploadParams) (*domain.File, error)

	// GetFile returns a file owned by ownerID. Returns ErrFileNotFound for
	// files of other owners.
	GetFile(ctx context.Context, fileID, ownerID int64) (*domain.File, error)

	// GetJobs returns the attempt history of a file owned by ownerID, oldest first.
	GetJobs(ctx context.Context, fileID, ownerID int64) ([]*domain.Job, error)

	// Retry re-enqueues a failed file owned by ownerID.
	Retry(ctx context.Context, fileID, ownerID int64) error
}

type fileServiceImpl struct {
	files    store.FileStore
	jobs     store.JobStore
	saver    storage.Saver
	pipeline Pipeline
	validate *validator.Validate
	logger   *slog.Logger
}

// NewFileService creates a new FileService.
// It returns an error if any of the required dependencies are nil.
func NewFileService(
	files store.FileStore,
	jobs store.JobStore,
	saver storage.Saver,
	pipeline Pipeline,
	logger *slog.Logger,
) (FileService, error) {
	switch {
	case files == nil:
		return nil, &FileServiceError{Operation: "create_service", Message: "files cannot be nil"}
	case jobs == nil:
		return nil, &FileServiceError{Operation: "create_service", Message: "jobs cannot be nil"}
	case saver == nil:
		return nil, &FileServiceError{Operation: "create_service", Message: "saver cannot be nil"}
	case pipeline == nil:
		return nil, &FileServiceError{Operation: "create_service", Message: "pipeline cannot be nil"}
	case logger == nil:
		return nil, &FileServiceError{Operation: "create_service", Message: "logger cannot be nil"}
	}

	return &fileServiceImpl{
		files:    files,
		jobs:     jobs,
		saver:    saver,
		pipeline: pipeline,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "file_service")),
	}, nil
}

// SubmitUpload implements FileService.
// If the file is stored but cannot be queued, the file is returned together
// with ErrQueueUnavailable; it stays uploaded for the reconciliation sweep.
func (s *fileServiceImpl) SubmitUpload(ctx context.Context, params UploadParams) (*domain.File, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	handle, err := s.saver.Save(ctx, params.OriginalName, params.Content)
	if err != nil {
		log.Error("failed to store upload",
			slog.Int64("owner_id", params.OwnerID),
			slog.String("error", err.Error()))
		return nil, NewFileServiceError("submit_upload", "failed to store content", err)
	}

	file, err := domain.NewFile(params.OwnerID, handle, params.OriginalName, params.Title, params.Description)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if err := s.files.Create(ctx, file); err != nil {
		log.Error("failed to record upload",
			slog.String("storage_handle", handle),
			slog.String("error", err.Error()))
		return nil, NewFileServiceError("submit_upload", "failed to record file", err)
	}

	requestID, err := s.pipeline.Enqueue(ctx, file.ID)
	if err != nil {
		log.Error("file stored but not queued",
			slog.Int64("file_id", file.ID),
			slog.String("error", err.Error()))
		return file, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	log.Info("upload accepted",
		slog.Int64("file_id", file.ID),
		slog.Int64("owner_id", file.OwnerID),
		slog.String("request_id", requestID.String()))
	return file, nil
}

// GetFile implements FileService.
func (s *fileServiceImpl) GetFile(ctx context.Context, fileID, ownerID int64) (*domain.File, error) {
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, NewFileServiceError("get_file", "failed to load file", err)
	}
	// Files of other owners are reported as missing.
	if file.OwnerID != ownerID {
		logger.FromContextOrDefault(ctx, s.logger).Warn("file access denied",
			slog.Int64("file_id", fileID),
			slog.Int64("owner_id", ownerID))
		return nil, ErrFileNotFound
	}
	return file, nil
}

// GetJobs implements FileService.
func (s *fileServiceImpl) GetJobs(ctx context.Context, fileID, ownerID int64) ([]*domain.Job, error) {
	if _, err := s.GetFile(ctx, fileID, ownerID); err != nil {
		return nil, err
	}

	jobs, err := s.jobs.ListByFile(ctx, fileID)
	if err != nil {
		return nil, NewFileServiceError("get_jobs", "failed to list jobs", err)
	}
	return jobs, nil
}

// Retry implements FileService.
func (s *fileServiceImpl) Retry(ctx context.Context, fileID, ownerID int64) error {
	if _, err := s.GetFile(ctx, fileID, ownerID); err != nil {
		return err
	}

	if err := s.pipeline.Retry(ctx, fileID); err != nil {
		mapped := NewFileServiceError("retry", "failed to retry file", err)
		if !errors.Is(mapped, ErrInvalidState) {
			logger.FromContextOrDefault(ctx, s.logger).Error("retry failed",
				slog.Int64("file_id", fileID),
				slog.String("error", err.Error()))
		}
		return mapped
	}
	return nil
}
