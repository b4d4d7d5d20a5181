// Package localfs stores uploads as files under a root directory.
// Handles are paths relative to that root.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/phrazzld/fileflow/internal/storage"
)

// Store implements storage.Store on the local filesystem.
type Store struct {
	root string
}

var _ storage.Store = (*Store)(nil)

// New creates the root directory if needed and returns a Store rooted there.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs root directory cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Open implements storage.Accessor.
func (s *Store) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, handle)
		}
		return nil, fmt.Errorf("open %s: %w", handle, err)
	}
	return f, nil
}

// Save implements storage.Saver. The file is written to a temporary name
// and renamed into place so readers never observe a partial object.
func (s *Store) Save(ctx context.Context, originalName string, r io.Reader) (string, error) {
	handle := storage.ObjectName(originalName)
	final := filepath.Join(s.root, handle)

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return handle, nil
}

func (s *Store) resolve(handle string) (string, error) {
	if handle == "" || !filepath.IsLocal(handle) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidHandle, handle)
	}
	return filepath.Join(s.root, handle), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
