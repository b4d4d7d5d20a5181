package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/api/shared"
	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockFileService is a mock implementation of service.FileService for testing
type MockFileService struct {
	SubmitUploadFn func(ctx context.Context, params service.UploadParams) (*domain.File, error)
	GetFileFn      func(ctx context.Context, fileID, ownerID int64) (*domain.File, error)
	GetJobsFn      func(ctx context.Context, fileID, ownerID int64) ([]*domain.Job, error)
	RetryFn        func(ctx context.Context, fileID, ownerID int64) error
}

func (m *MockFileService) SubmitUpload(ctx context.Context, params service.UploadParams) (*domain.File, error) {
	return m.SubmitUploadFn(ctx, params)
}

func (m *MockFileService) GetFile(ctx context.Context, fileID, ownerID int64) (*domain.File, error) {
	return m.GetFileFn(ctx, fileID, ownerID)
}

func (m *MockFileService) GetJobs(ctx context.Context, fileID, ownerID int64) ([]*domain.Job, error) {
	if m.GetJobsFn == nil {
		return nil, nil
	}
	return m.GetJobsFn(ctx, fileID, ownerID)
}

func (m *MockFileService) Retry(ctx context.Context, fileID, ownerID int64) error {
	return m.RetryFn(ctx, fileID, ownerID)
}

var fixedTime = time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)

func testFile(id, ownerID int64, status domain.FileStatus) *domain.File {
	return &domain.File{
		ID:            id,
		OwnerID:       ownerID,
		OriginalName:  "report.pdf",
		StorageHandle: "abc.pdf",
		Status:        status,
		UploadedAt:    fixedTime,
		UpdatedAt:     fixedTime,
	}
}

// newTestRouter mounts the handler the way the server does, with the owner
// id injected instead of a bearer token.
func newTestRouter(svc service.FileService, ownerID int64, maxUpload int64) http.Handler {
	h := NewFileHandler(svc, maxUpload, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if ownerID > 0 {
					req = req.WithContext(shared.WithUserID(req.Context(), ownerID))
				}
				next.ServeHTTP(w, req)
			})
		})
		h.Routes(r)
	})
	return r
}

func multipartBody(t *testing.T, field string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, "report.pdf")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) shared.ErrorResponse {
	t.Helper()
	var resp shared.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestFileHandler_UploadFile(t *testing.T) {
	t.Parallel()

	t.Run("stores the upload", func(t *testing.T) {
		t.Parallel()
		var got service.UploadParams
		var gotContent []byte
		svc := &MockFileService{
			SubmitUploadFn: func(_ context.Context, params service.UploadParams) (*domain.File, error) {
				got = params
				gotContent, _ = io.ReadAll(params.Content)
				file := testFile(5, params.OwnerID, domain.FileStatusUploaded)
				file.Title = params.Title
				return file, nil
			},
		}

		body, contentType := multipartBody(t, "file", []byte("content"), map[string]string{
			"title":       "Quarterly",
			"description": "Q1 numbers",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/files", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()

		newTestRouter(svc, 7, 1024).ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, int64(7), got.OwnerID)
		assert.Equal(t, "report.pdf", got.OriginalName)
		assert.Equal(t, "Quarterly", got.Title)
		assert.Equal(t, "Q1 numbers", got.Description)
		assert.Equal(t, []byte("content"), gotContent)

		var resp FileResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, int64(5), resp.ID)
		assert.Equal(t, "uploaded", resp.Status)
		assert.Equal(t, "Quarterly", resp.Title)
		assert.NotContains(t, rec.Body.String(), "abc.pdf")
	})

	t.Run("upload alias", func(t *testing.T) {
		t.Parallel()
		svc := &MockFileService{
			SubmitUploadFn: func(_ context.Context, params service.UploadParams) (*domain.File, error) {
				return testFile(1, params.OwnerID, domain.FileStatusUploaded), nil
			},
		}
		body, contentType := multipartBody(t, "file", []byte("x"), nil)
		req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()

		newTestRouter(svc, 7, 1024).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	tests := []struct {
		name       string
		owner      int64
		field      string
		content    []byte
		submitErr  error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "missing owner",
			owner:      0,
			field:      "file",
			content:    []byte("x"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing file field",
			owner:      7,
			field:      "",
			wantStatus: http.StatusBadRequest,
			wantMsg:    "File is required",
		},
		{
			name:       "file too large",
			owner:      7,
			field:      "file",
			content:    bytes.Repeat([]byte("a"), 2048),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantMsg:    "File is too large",
		},
		{
			name:       "validation error",
			owner:      7,
			field:      "file",
			content:    []byte("x"),
			submitErr:  fmt.Errorf("%w: title too long", service.ErrValidation),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "queue unavailable",
			owner:      7,
			field:      "file",
			content:    []byte("x"),
			submitErr:  service.ErrQueueUnavailable,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "storage failure",
			owner:      7,
			field:      "file",
			content:    []byte("x"),
			submitErr:  &service.FileServiceError{Operation: "submit_upload", Message: "disk full"},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "An unexpected error occurred",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := &MockFileService{
				SubmitUploadFn: func(_ context.Context, params service.UploadParams) (*domain.File, error) {
					if tc.submitErr != nil {
						return nil, tc.submitErr
					}
					return testFile(1, params.OwnerID, domain.FileStatusUploaded), nil
				},
			}
			body, contentType := multipartBody(t, tc.field, tc.content, map[string]string{"title": "t"})
			req := httptest.NewRequest(http.MethodPost, "/api/files", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()

			newTestRouter(svc, tc.owner, 1024).ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantMsg != "" {
				assert.Equal(t, tc.wantMsg, decodeError(t, rec).Error)
			}
		})
	}
}

func TestFileHandler_UploadFileRejectsNonMultipart(t *testing.T) {
	t.Parallel()
	svc := &MockFileService{}
	req := httptest.NewRequest(http.MethodPost, "/api/files", bytes.NewBufferString(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	newTestRouter(svc, 7, 1024).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid multipart form", decodeError(t, rec).Error)
}

func TestFileHandler_GetFile(t *testing.T) {
	t.Parallel()

	extracted := `{"hash":"abc"}`
	started := fixedTime.Add(time.Second)
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	svc := &MockFileService{
		GetFileFn: func(_ context.Context, fileID, ownerID int64) (*domain.File, error) {
			if fileID != 3 || ownerID != 7 {
				return nil, service.ErrFileNotFound
			}
			file := testFile(3, 7, domain.FileStatusProcessed)
			file.ExtractedData = &extracted
			return file, nil
		},
		GetJobsFn: func(_ context.Context, fileID, ownerID int64) ([]*domain.Job, error) {
			return []*domain.Job{{
				ID:          jobID,
				FileID:      fileID,
				JobType:     "file-processing",
				Status:      domain.JobStatusCompleted,
				StartedAt:   &started,
				CompletedAt: &started,
				CreatedAt:   started,
			}}, nil
		},
	}
	router := newTestRouter(svc, 7, 1024)

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/3", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp FileResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "processed", resp.Status)
		require.NotNil(t, resp.ExtractedData)
		assert.Equal(t, extracted, *resp.ExtractedData)
		require.Len(t, resp.Jobs, 1)
		assert.Equal(t, jobID.String(), resp.Jobs[0].ID)
		assert.Equal(t, "completed", resp.Jobs[0].Status)
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/4", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "File not found", decodeError(t, rec).Error)
	})

	t.Run("invalid id", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/abc", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid file ID", decodeError(t, rec).Error)
	})
}

func TestFileHandler_RetryFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		retryErr   error
		wantStatus int
	}{
		{name: "queued", wantStatus: http.StatusAccepted},
		{name: "not failed", retryErr: service.ErrInvalidState, wantStatus: http.StatusConflict},
		{name: "not found", retryErr: service.ErrFileNotFound, wantStatus: http.StatusNotFound},
		{
			name:       "pipeline error",
			retryErr:   &service.FileServiceError{Operation: "retry", Message: "queue closed"},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var gotFile, gotOwner int64
			svc := &MockFileService{
				RetryFn: func(_ context.Context, fileID, ownerID int64) error {
					gotFile, gotOwner = fileID, ownerID
					return tc.retryErr
				},
			}
			rec := httptest.NewRecorder()
			newTestRouter(svc, 7, 1024).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/files/9/retry", nil))

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, int64(9), gotFile)
			assert.Equal(t, int64(7), gotOwner)
			if tc.retryErr == nil {
				var resp shared.MessageResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, RetryQueuedMessage, resp.Message)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
