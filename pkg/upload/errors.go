package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingUploadID marks a resumable row without a stored multipart
	// upload session.
	ErrMissingUploadID = errors.New("upload has no multipart upload id")

	// ErrFileNotFound marks a queued path that no longer exists on disk.
	ErrFileNotFound = errors.New("file not found")

	// ErrDirectoryInFileUpload marks a directory passed to a non-recursive
	// upload.
	ErrDirectoryInFileUpload = errors.New("directory passed to file upload; use recursive")

	// ErrInvalidPath marks a path that looks like a platform identifier.
	ErrInvalidPath = errors.New("invalid upload path")

	// ErrUserCancelled marks an upload cancelled by the user. It exits
	// with code zero at the CLI boundary.
	ErrUserCancelled = errors.New("cancelled by user")
)

// FailedError wraps the remote error that failed an import group,
// preserved for display in upload-status output.
type FailedError struct {
	ImportID string
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("upload of group %s failed: %v", e.ImportID, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }
