// Package memory provides in-process implementations of the file store,
// job ledger and transaction runner. State is lost when the process exits.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/fileflow/internal/domain"
	"github.com/phrazzld/fileflow/internal/store"
)

// Store holds files and jobs behind one mutex. InTx holds the mutex for the
// whole transaction and restores a snapshot if the function fails.
type Store struct {
	mu         sync.Mutex
	files      map[int64]*domain.File
	jobs       map[uuid.UUID]*domain.Job
	jobOrder   []uuid.UUID
	nextFileID int64
	now        func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		files: make(map[int64]*domain.File),
		jobs:  make(map[uuid.UUID]*domain.Job),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for timestamps and age queries.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Files returns the FileStore view of s.
func (s *Store) Files() *FileStore {
	return &FileStore{s: s}
}

// Jobs returns the JobStore view of s.
func (s *Store) Jobs() *JobStore {
	return &JobStore{s: s}
}

// InTx implements store.TxRunner.
func (s *Store) InTx(ctx context.Context, fn store.TxFunc) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
		if err != nil {
			s.restore(snap)
		}
	}()

	return fn(ctx, &FileStore{s: s, inTx: true}, &JobStore{s: s, inTx: true})
}

type snapshot struct {
	files      map[int64]domain.File
	jobs       map[uuid.UUID]domain.Job
	jobOrder   []uuid.UUID
	nextFileID int64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		files:      make(map[int64]domain.File, len(s.files)),
		jobs:       make(map[uuid.UUID]domain.Job, len(s.jobs)),
		jobOrder:   append([]uuid.UUID(nil), s.jobOrder...),
		nextFileID: s.nextFileID,
	}
	for id, f := range s.files {
		snap.files[id] = *f
	}
	for id, j := range s.jobs {
		snap.jobs[id] = *j
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.files = make(map[int64]*domain.File, len(snap.files))
	for id, f := range snap.files {
		f := f
		s.files[id] = &f
	}
	s.jobs = make(map[uuid.UUID]*domain.Job, len(snap.jobs))
	for id, j := range snap.jobs {
		j := j
		s.jobs[id] = &j
	}
	s.jobOrder = snap.jobOrder
	s.nextFileID = snap.nextFileID
}

// lock acquires the store mutex unless the caller already holds it as
// part of a transaction.
func (s *Store) lock(inTx bool) func() {
	if inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func copyFile(f *domain.File) *domain.File {
	c := *f
	if f.ExtractedData != nil {
		data := *f.ExtractedData
		c.ExtractedData = &data
	}
	return &c
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// FileStore implements store.FileStore.
type FileStore struct {
	s    *Store
	inTx bool
}

var _ store.FileStore = (*FileStore)(nil)

// Create implements store.FileStore.
func (fs *FileStore) Create(_ context.Context, file *domain.File) error {
	if err := file.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	defer fs.s.lock(fs.inTx)()

	fs.s.nextFileID++
	file.ID = fs.s.nextFileID
	now := fs.s.now()
	if file.UploadedAt.IsZero() {
		file.UploadedAt = now
	}
	file.UpdatedAt = now
	fs.s.files[file.ID] = copyFile(file)
	return nil
}

// GetByID implements store.FileStore.
func (fs *FileStore) GetByID(_ context.Context, id int64) (*domain.File, error) {
	defer fs.s.lock(fs.inTx)()

	f, ok := fs.s.files[id]
	if !ok {
		return nil, store.ErrFileNotFound
	}
	return copyFile(f), nil
}

// CompareAndSetStatus implements store.FileStore.
func (fs *FileStore) CompareAndSetStatus(
	_ context.Context,
	id int64,
	from []domain.FileStatus,
	to domain.FileStatus,
	extracted *string,
) error {
	defer fs.s.lock(fs.inTx)()

	f, ok := fs.s.files[id]
	if !ok {
		return store.ErrFileNotFound
	}

	matched := false
	for _, status := range from {
		if f.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("%w: file %d is %s", store.ErrStatusConflict, id, f.Status)
	}

	updated := copyFile(f)
	if err := updated.Transition(to, extracted); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	updated.UpdatedAt = fs.s.now()
	fs.s.files[id] = updated
	return nil
}

// FindByStatus implements store.FileStore.
func (fs *FileStore) FindByStatus(
	_ context.Context,
	status domain.FileStatus,
	olderThan time.Duration,
) ([]*domain.File, error) {
	defer fs.s.lock(fs.inTx)()

	cutoff := fs.s.now().Add(-olderThan)
	var out []*domain.File
	for _, f := range fs.s.files {
		if f.Status == status && !f.UpdatedAt.After(cutoff) {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WithTx returns the same store; memory transactions go through Store.InTx.
func (fs *FileStore) WithTx(_ *sql.Tx) store.FileStore {
	return fs
}

// JobStore implements store.JobStore.
type JobStore struct {
	s    *Store
	inTx bool
}

var _ store.JobStore = (*JobStore)(nil)

// Create implements store.JobStore.
func (js *JobStore) Create(_ context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	defer js.s.lock(js.inTx)()

	if _, exists := js.s.jobs[job.ID]; exists {
		return store.ErrDuplicate
	}
	if _, ok := js.s.files[job.FileID]; !ok {
		return store.ErrFileNotFound
	}
	js.s.jobs[job.ID] = copyJob(job)
	js.s.jobOrder = append(js.s.jobOrder, job.ID)
	return nil
}

// GetByID implements store.JobStore.
func (js *JobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	defer js.s.lock(js.inTx)()

	j, ok := js.s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return copyJob(j), nil
}

// Finish implements store.JobStore.
func (js *JobStore) Finish(_ context.Context, job *domain.Job) error {
	if !job.IsTerminal() {
		return fmt.Errorf("%w: job %s is not finished", store.ErrInvalidEntity, job.ID)
	}

	defer js.s.lock(js.inTx)()

	current, ok := js.s.jobs[job.ID]
	if !ok {
		return store.ErrJobNotFound
	}
	if current.Status != domain.JobStatusProcessing {
		return fmt.Errorf("%w: job %s is %s", store.ErrStatusConflict, job.ID, current.Status)
	}

	updated := copyJob(current)
	updated.Status = job.Status
	updated.ErrorMessage = job.ErrorMessage
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		updated.CompletedAt = &t
	}
	js.s.jobs[job.ID] = updated
	return nil
}

// ListByFile implements store.JobStore.
func (js *JobStore) ListByFile(_ context.Context, fileID int64) ([]*domain.Job, error) {
	defer js.s.lock(js.inTx)()

	var out []*domain.Job
	for _, id := range js.s.jobOrder {
		if j := js.s.jobs[id]; j.FileID == fileID {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

// FindProcessing implements store.JobStore.
func (js *JobStore) FindProcessing(_ context.Context, olderThan time.Duration) ([]*domain.Job, error) {
	defer js.s.lock(js.inTx)()

	cutoff := js.s.now().Add(-olderThan)
	var out []*domain.Job
	for _, id := range js.s.jobOrder {
		j := js.s.jobs[id]
		if j.Status != domain.JobStatusProcessing {
			continue
		}
		if j.StartedAt != nil && j.StartedAt.After(cutoff) {
			continue
		}
		out = append(out, copyJob(j))
	}
	return out, nil
}

// WithTx returns the same store; memory transactions go through Store.InTx.
func (js *JobStore) WithTx(_ *sql.Tx) store.JobStore {
	return js
}
