// Package storage defines the boundary between the pipeline and the place
// uploaded bytes are kept. The pipeline only reads through an opaque handle;
// handles are assigned when an upload is saved.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no object exists for a handle.
var ErrNotFound = errors.New("storage object not found")

// ErrInvalidHandle is returned when a handle cannot be interpreted by a backend.
var ErrInvalidHandle = errors.New("invalid storage handle")

// Accessor yields a readable stream for a storage handle.
type Accessor interface {
	// Open returns the object's contents. The caller must close the reader.
	// Returns ErrNotFound if nothing is stored under handle.
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
}

// Saver persists uploaded bytes and assigns their handle.
type Saver interface {
	// Save stores r under a fresh name derived from originalName and
	// returns the handle to read it back.
	Save(ctx context.Context, originalName string, r io.Reader) (string, error)
}

// Store is a backend that can both save and open objects.
type Store interface {
	Accessor
	Saver
}

// ObjectName returns a collision-free object name that keeps the original
// file extension, e.g. "3f0c...e1.pdf".
func ObjectName(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if len(ext) > 16 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return uuid.NewString() + ext
}
