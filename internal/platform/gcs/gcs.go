// Package gcs stores uploads in a Google Cloud Storage bucket.
// Handles have the form gs://<bucket>/<object>.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	filestorage "github.com/phrazzld/fileflow/internal/storage"
)

const scheme = "gs://"

// Store implements storage.Store on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

var _ filestorage.Store = (*Store)(nil)

// New creates a client using application default credentials.
func New(ctx context.Context, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket cannot be empty")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Open implements storage.Accessor.
func (s *Store) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	bucket, object, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}

	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s", filestorage.ErrNotFound, handle)
		}
		return nil, fmt.Errorf("open %s: %w", handle, err)
	}
	return r, nil
}

// Save implements storage.Saver. The write only succeeds if the object does
// not exist yet.
func (s *Store) Save(ctx context.Context, originalName string, r io.Reader) (string, error) {
	object := filestorage.ObjectName(originalName)
	w := s.client.Bucket(s.bucket).
		Object(object).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("gcs object %s already exists: %w", object, err)
		}
		return "", fmt.Errorf("finalize gcs object %s: %w", object, err)
	}

	return Handle(s.bucket, object), nil
}

// Handle formats a bucket and object as a storage handle.
func Handle(bucket, object string) string {
	return scheme + bucket + "/" + object
}

// ParseHandle splits a gs:// handle into bucket and object.
func ParseHandle(handle string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(handle, scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a gs:// handle", filestorage.ErrInvalidHandle, handle)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q", filestorage.ErrInvalidHandle, handle)
	}
	return bucket, object, nil
}
