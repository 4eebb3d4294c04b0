package rule

import "errors"

// Sentinel errors for rule document failure modes.
// Callers should use errors.Is() to check for these.
var (
	// ErrMissingField indicates a required rule field was not provided.
	ErrMissingField = errors.New("rule: missing required field")

	// ErrInvalidSpec indicates a transform or match spec is malformed.
	// The pipeline skips such rules for the affected request; it is
	// never fatal to the scan.
	ErrInvalidSpec = errors.New("rule: invalid spec")
)
