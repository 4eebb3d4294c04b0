package scan

import "errors"

// Sentinel errors for common pipeline failure modes.
// Callers should use errors.Is() to check for these.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("scan: record not found")

	// ErrConflict indicates a state-scoped update did not apply because
	// the record was not in the expected state.
	ErrConflict = errors.New("scan: state conflict")

	// ErrScanInactive indicates processing was skipped because the
	// owning scan is cancelled or paused.
	ErrScanInactive = errors.New("scan: scan is not active")
)
