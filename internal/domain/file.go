package domain

import (
	"errors"
	"fmt"
	"time"
)

// FileStatus represents the processing state of an uploaded file
type FileStatus string

// Possible file status values
const (
	FileStatusUploaded   FileStatus = "uploaded"
	FileStatusProcessing FileStatus = "processing"
	FileStatusProcessed  FileStatus = "processed"
	FileStatusFailed     FileStatus = "failed"
)

// Common validation errors for File
var (
	ErrEmptyFileOwner        = errors.New("file owner cannot be empty")
	ErrEmptyFileName         = errors.New("file original name cannot be empty")
	ErrEmptyStorageHandle    = errors.New("file storage handle cannot be empty")
	ErrInvalidFileStatus     = errors.New("invalid file status")
	ErrExtractedDataMismatch = errors.New("extracted data must be set if and only if the file is processed")
)

// fileTransitions lists every permitted status change. failed -> processing
// is only taken by queue redelivery of an attempt that already failed;
// failed -> uploaded is the explicit retry path.
var fileTransitions = map[FileStatus][]FileStatus{
	FileStatusUploaded:   {FileStatusProcessing},
	FileStatusProcessing: {FileStatusProcessed, FileStatusFailed},
	FileStatusFailed:     {FileStatusUploaded, FileStatusProcessing},
}

// ClaimableFileStatuses are the statuses from which an attempt may take
// ownership of a file by moving it to processing.
var ClaimableFileStatuses = []FileStatus{FileStatusUploaded, FileStatusFailed}

// File represents one uploaded artifact tracked through the processing
// pipeline. ExtractedData holds the serialized result of the processing
// task and is only present once the file is processed.
type File struct {
	ID            int64      `json:"id"`
	OwnerID       int64      `json:"owner_id"`
	OriginalName  string     `json:"original_filename"`
	StorageHandle string     `json:"storage_handle"`
	Title         string     `json:"title,omitempty"`
	Description   string     `json:"description,omitempty"`
	Status        FileStatus `json:"status"`
	ExtractedData *string    `json:"extracted_data,omitempty"`
	UploadedAt    time.Time  `json:"uploaded_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewFile creates a File in the uploaded state. The ID is assigned by the
// store when the file is persisted.
func NewFile(ownerID int64, storageHandle, originalName, title, description string) (*File, error) {
	now := time.Now().UTC()
	file := &File{
		OwnerID:       ownerID,
		OriginalName:  originalName,
		StorageHandle: storageHandle,
		Title:         title,
		Description:   description,
		Status:        FileStatusUploaded,
		UploadedAt:    now,
		UpdatedAt:     now,
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}

	return file, nil
}

// Validate checks if the File has valid data, including the invariant that
// extracted data is present exactly when the status is processed.
func (f *File) Validate() error {
	if f.OwnerID <= 0 {
		return ErrEmptyFileOwner
	}

	if f.OriginalName == "" {
		return ErrEmptyFileName
	}

	if f.StorageHandle == "" {
		return ErrEmptyStorageHandle
	}

	if !IsValidFileStatus(f.Status) {
		return ErrInvalidFileStatus
	}

	if (f.ExtractedData != nil) != (f.Status == FileStatusProcessed) {
		return ErrExtractedDataMismatch
	}

	return nil
}

// Transition moves the file to the given status, setting or clearing
// ExtractedData so that the invariant keeps holding. extracted is only
// used when moving to processed.
func (f *File) Transition(to FileStatus, extracted *string) error {
	if !CanTransitionFile(f.Status, to) {
		return fmt.Errorf("%w: file %s -> %s", ErrInvalidTransition, f.Status, to)
	}

	if to == FileStatusProcessed {
		if extracted == nil {
			return ErrExtractedDataMismatch
		}
		data := *extracted
		f.ExtractedData = &data
	} else {
		f.ExtractedData = nil
	}

	f.Status = to
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// CanTransitionFile reports whether a file may move from one status to another.
func CanTransitionFile(from, to FileStatus) bool {
	for _, allowed := range fileTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsValidFileStatus checks if the given status is a valid FileStatus.
func IsValidFileStatus(status FileStatus) bool {
	switch status {
	case FileStatusUploaded, FileStatusProcessing, FileStatusProcessed, FileStatusFailed:
		return true
	default:
		return false
	}
}
