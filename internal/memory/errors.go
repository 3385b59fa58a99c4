package memory

import "errors"

var (
	// ErrWrite wraps any failure to persist a record.
	ErrWrite = errors.New("memory write failed")
	// ErrRead wraps any failure to load records.
	ErrRead = errors.New("memory read failed")
	// ErrInvalidRecord is returned by [Record.Validate].
	ErrInvalidRecord = errors.New("invalid memory record")
	// ErrNotFound is returned when a record ID does not exist.
	ErrNotFound = errors.New("memory record not found")
	// ErrClosed is returned by a writer or store after Close.
	ErrClosed = errors.New("memory store closed")
)
