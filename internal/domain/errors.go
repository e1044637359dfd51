package domain

import "errors"

// Error taxonomy (sentinels). Adapters wrap these with fmt.Errorf("op=…: %w")
// and the HTTP layer maps them to status codes.
var (
	// ErrInvalidArgument covers schema, priority, and config errors.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound means a message (or other row) is missing.
	ErrNotFound = errors.New("not found")
	// ErrQueueNotFound is the stricter variant at enqueue/dequeue time.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrAlreadyExists signals a queue-name collision on create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict signals a forbidden transition out of a terminal status.
	ErrConflict = errors.New("conflict")
	// ErrLockLost signals a fencing-token mismatch. Never retried; the
	// caller must discard its work.
	ErrLockLost = errors.New("lock lost")
	// ErrStoreTransient marks retryable store failures (deadlock, reset).
	// Internal only; exhausted retries surface as ErrStoreFailure.
	ErrStoreTransient = errors.New("transient store error")
	// ErrStoreFailure marks permanent store failures.
	ErrStoreFailure = errors.New("store failure")
	// ErrCancelled is returned when the caller's context is cancelled
	// before a transaction commits.
	ErrCancelled = errors.New("cancelled")
)
