package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a request rejected before any mutation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConcurrencyExhausted indicates lock or deadlock retries ran out; the
	// operation is transient and safe to retry later.
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")
	// ErrDataInconsistency indicates layer state that cannot be repaired
	// automatically; such records are flagged and skipped, never force-fixed.
	ErrDataInconsistency = errors.New("data inconsistency")
	// ErrRestoreConflict indicates a backup that was already restored or whose
	// target diverged from live state in a way that cannot be merged.
	ErrRestoreConflict = errors.New("restore conflict")
)
