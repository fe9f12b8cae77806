package queue

import "errors"

var (
	// ErrQueueFull is returned when the number of unsynced operations reached the limit.
	ErrQueueFull = errors.New("offline queue is full")
	ErrNotFound  = errors.New("operation not found in queue")
	ErrDuplicate = errors.New("operation already queued")
	ErrSyncing   = errors.New("operation is being synchronized")
	// ErrStore wraps persistence failures. The in-memory queue keeps the change.
	ErrStore = errors.New("operation store failure")
)
