package tell

import (
	"errors"
)

var (
	// ErrOutOfMemory is returned when the page pool is exhausted.
	ErrOutOfMemory = errors.New("tellstore: out of memory")

	// ErrWriteConflict is returned when a concurrent transaction committed a
	// newer version of the key being written.
	ErrWriteConflict = errors.New("tellstore: write conflict")

	// ErrDuplicateKey is returned by an insert that found a live visible
	// version for its key.
	ErrDuplicateKey = errors.New("tellstore: duplicate key")

	// ErrNotFound is returned when the target key is absent or tombstoned.
	ErrNotFound = errors.New("tellstore: not found")

	// ErrSchemaMismatch is returned when a tuple does not match the table
	// schema.
	ErrSchemaMismatch = errors.New("tellstore: schema mismatch")

	// ErrInvalidArgument is returned for malformed query buffers and unknown
	// tables.
	ErrInvalidArgument = errors.New("tellstore: invalid argument")

	// ErrCancelled is returned when a scan is cancelled by the caller.
	ErrCancelled = errors.New("tellstore: cancelled")
)
