package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFile(t *testing.T) {
	t.Parallel()

	file, err := NewFile(7, "uploads/abc", "report.pdf", "Report", "")
	require.NoError(t, err)

	assert.Equal(t, int64(7), file.OwnerID)
	assert.Equal(t, FileStatusUploaded, file.Status)
	assert.Nil(t, file.ExtractedData)
	assert.False(t, file.UploadedAt.IsZero())

	_, err = NewFile(0, "uploads/abc", "report.pdf", "", "")
	assert.ErrorIs(t, err, ErrEmptyFileOwner)

	_, err = NewFile(7, "", "report.pdf", "", "")
	assert.ErrorIs(t, err, ErrEmptyStorageHandle)

	_, err = NewFile(7, "uploads/abc", "", "", "")
	assert.ErrorIs(t, err, ErrEmptyFileName)
}

func TestFileValidateExtractedDataInvariant(t *testing.T) {
	t.Parallel()

	data := `{"hash":"00"}`
	tests := []struct {
		name      string
		status    FileStatus
		extracted *string
		wantErr   error
	}{
		{"processed with data", FileStatusProcessed, &data, nil},
		{"processed without data", FileStatusProcessed, nil, ErrExtractedDataMismatch},
		{"failed with data", FileStatusFailed, &data, ErrExtractedDataMismatch},
		{"uploaded without data", FileStatusUploaded, nil, nil},
		{"unknown status", FileStatus("archived"), nil, ErrInvalidFileStatus},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := File{
				OwnerID:       1,
				OriginalName:  "a.txt",
				StorageHandle: "a.txt",
				Status:        tc.status,
				ExtractedData: tc.extracted,
			}
			err := f.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestCanTransitionFile(t *testing.T) {
	t.Parallel()

	allowed := [][2]FileStatus{
		{FileStatusUploaded, FileStatusProcessing},
		{FileStatusProcessing, FileStatusProcessed},
		{FileStatusProcessing, FileStatusFailed},
		{FileStatusFailed, FileStatusUploaded},
		{FileStatusFailed, FileStatusProcessing},
	}
	for _, pair := range allowed {
		assert.True(t, CanTransitionFile(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	denied := [][2]FileStatus{
		{FileStatusUploaded, FileStatusProcessed},
		{FileStatusUploaded, FileStatusFailed},
		{FileStatusProcessed, FileStatusUploaded},
		{FileStatusProcessed, FileStatusProcessing},
		{FileStatusProcessing, FileStatusUploaded},
	}
	for _, pair := range denied {
		assert.False(t, CanTransitionFile(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestFileTransition(t *testing.T) {
	t.Parallel()

	file, err := NewFile(1, "h", "n", "", "")
	require.NoError(t, err)

	require.NoError(t, file.Transition(FileStatusProcessing, nil))
	assert.NoError(t, file.Validate())

	err = file.Transition(FileStatusProcessed, nil)
	assert.ErrorIs(t, err, ErrExtractedDataMismatch)

	data := `{"hash":"ff"}`
	require.NoError(t, file.Transition(FileStatusProcessed, &data))
	require.NotNil(t, file.ExtractedData)
	assert.Equal(t, data, *file.ExtractedData)
	assert.NoError(t, file.Validate())

	err = file.Transition(FileStatusUploaded, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, FileStatusProcessed, file.Status)
}
