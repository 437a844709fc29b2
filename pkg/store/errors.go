package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store operations. Lookup misses on optional
// getters return a nil record instead; these errors are reserved for
// operations that require a matching row.
var (
	// ErrUploadNotFound is returned when an upload row that must exist does not.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrUploadWithoutChunkSize is returned when a resumable upload row is
	// missing its stored chunk size.
	ErrUploadWithoutChunkSize = errors.New("upload has no chunk size")

	// ErrInvalidStatus is returned when a stored status string cannot be parsed.
	ErrInvalidStatus = errors.New("invalid upload status")

	// ErrNoRows is returned by queries that must match at least one row.
	ErrNoRows = errors.New("query returned no rows")
)

// MigrationError carries the failing migration's version and SQL alongside
// the underlying database error.
type MigrationError struct {
	Version int
	SQL     string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d failed: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }
