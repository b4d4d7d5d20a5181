package api

import (
	"time"

	"github.com/phrazzld/fileflow/internal/domain"
)

// FileResponse represents a file and, when requested, its attempt history.
type FileResponse struct {
	ID               int64         `json:"id"`
	OwnerID          int64         `json:"owner_id"`
	OriginalFilename string        `json:"original_filename"`
	Title            string        `json:"title,omitempty"`
	Description      string        `json:"description,omitempty"`
	Status           string        `json:"status"`
	ExtractedData    *string       `json:"extracted_data,omitempty"`
	UploadedAt       time.Time     `json:"uploaded_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Jobs             []JobResponse `json:"jobs,omitempty"`
}

// JobResponse represents one processing attempt.
type JobResponse struct {
	ID           string     `json:"id"`
	JobType      string     `json:"job_type"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// fileToResponse converts a domain.File to a FileResponse. The storage
// handle stays internal.
func fileToResponse(file *domain.File, jobs []*domain.Job) FileResponse {
	resp := FileResponse{
		ID:               file.ID,
		OwnerID:          file.OwnerID,
		OriginalFilename: file.OriginalName,
		Title:            file.Title,
		Description:      file.Description,
		Status:           string(file.Status),
		ExtractedData:    file.ExtractedData,
		UploadedAt:       file.UploadedAt,
		UpdatedAt:        file.UpdatedAt,
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(job))
	}
	return resp
}

func jobToResponse(job *domain.Job) JobResponse {
	return JobResponse{
		ID:           job.ID.String(),
		JobType:      job.JobType,
		Status:       string(job.Status),
		ErrorMessage: job.ErrorMessage,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		CreatedAt:    job.CreatedAt,
	}
}
