package services

import "errors"

var (
	// ErrSnapshotWrite means a backup could not be written to the store.
	ErrSnapshotWrite = errors.New("snapshot write failed")
	// ErrNotFound means no backup with the given name exists.
	ErrNotFound = errors.New("backup not found")
	// ErrInvalidFilename rejects names that are not plain file names.
	ErrInvalidFilename = errors.New("invalid backup filename")
	// ErrConcurrentRestore rejects a restore while another is in progress.
	ErrConcurrentRestore = errors.New("a restore is already in progress")
	// ErrReconcilePending rejects a restore while a finished restore awaits
	// reconciliation on the next startup.
	ErrReconcilePending = errors.New("previous restore awaits reconciliation; restart the service")
	// ErrMaintenance means the live database is being replaced.
	ErrMaintenance = errors.New("restore in progress, database unavailable")
)
