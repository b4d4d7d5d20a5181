package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/fileflow/internal/api/middleware"
	"github.com/phrazzld/fileflow/internal/api/shared"
	"github.com/phrazzld/fileflow/internal/platform/logger"
	"github.com/phrazzld/fileflow/internal/service"
)

// DefaultMaxUploadBytes is the upload size limit used when none is configured.
const DefaultMaxUploadBytes int64 = 5 * 1024 * 1024

// multipartOverhead is the room left for multipart headers and the text
// fields on top of the file size limit.
const multipartOverhead int64 = 64 * 1024

// RetryQueuedMessage is returned when a retry request is accepted.
const RetryQueuedMessage = "Retry job queued successfully"

// FileHandler handles file upload, status and retry requests.
type FileHandler struct {
	fileService    service.FileService
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewFileHandler creates a new FileHandler. A non-positive maxUploadBytes
// selects DefaultMaxUploadBytes.
func NewFileHandler(fileService service.FileService, maxUploadBytes int64, logger *slog.Logger) *FileHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &FileHandler{
		fileService:    fileService,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With(slog.String("component", "file_handler")),
	}
}

// Routes registers the file endpoints on r. All of them require an
// authenticated owner.
func (h *FileHandler) Routes(r chi.Router) {
	r.Post("/files", h.UploadFile)
	r.Post("/files/upload", h.UploadFile)
	r.Get("/files/{id}", h.GetFile)
	r.Post("/files/{id}/retry", h.RetryFile)
}

// UploadFile handles POST /api/files requests. The multipart form carries
// the content in field "file" and the optional "title" and "description".
func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.respondWithServiceError(w, r, err)
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid multipart form", err)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.log(r).Warn("failed to remove multipart temp files", slog.String("error", err.Error()))
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "File is required")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > h.maxUploadBytes {
		h.respondWithServiceError(w, r,
			fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, header.Size))
		return
	}

	saved, err := h.fileService.SubmitUpload(r.Context(), service.UploadParams{
		OwnerID:      ownerID,
		OriginalName: header.Filename,
		Title:        r.FormValue("title"),
		Description:  r.FormValue("description"),
		Content:      file,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, fileToResponse(saved, nil))
}

// GetFile handles GET /api/files/{id} requests.
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	ownerID, fileID, ok := h.ownerAndFileID(w, r)
	if !ok {
		return
	}

	file, err := h.fileService.GetFile(r.Context(), fileID, ownerID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	jobs, err := h.fileService.GetJobs(r.Context(), fileID, ownerID)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, fileToResponse(file, jobs))
}

// RetryFile handles POST /api/files/{id}/retry requests.
func (h *FileHandler) RetryFile(w http.ResponseWriter, r *http.Request) {
	ownerID, fileID, ok := h.ownerAndFileID(w, r)
	if !ok {
		return
	}

	if err := h.fileService.Retry(r.Context(), fileID, ownerID); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, shared.MessageResponse{Message: RetryQueuedMessage})
}

// HealthCheck handles GET /health requests.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
}

// ownerAndFileID extracts the authenticated owner and the {id} path
// parameter. It writes an error response and returns false on failure.
func (h *FileHandler) ownerAndFileID(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	ownerID, ok := middleware.GetUserID(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return 0, 0, false
	}

	fileID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || fileID <= 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid file ID")
		return 0, 0, false
	}

	return ownerID, fileID, true
}

func (h *FileHandler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}

func (h *FileHandler) log(r *http.Request) *slog.Logger {
	return logger.FromContextOrDefault(r.Context(), h.logger)
}
