// Package store defines the persistence contract shared by the scan
// pipeline stages. Implementations must make every write idempotent or
// atomic so that at-least-once delivery of pipeline messages cannot
// corrupt state: upserts keyed on natural identities, counter updates
// as server-side deltas, and state transitions scoped by the expected
// current state.
package store

import (
	"context"

	"github.com/apivet/apivet/pkg/scan"
)

// TransitionUpdate carries the fields written alongside a state change.
// Nil fields are left untouched.
type TransitionUpdate struct {
	Execution             *scan.Execution
	MatchResult           *scan.MatchResult
	VulnerabilityDetected *bool
	Error                 *string
}

// Store is the persistence surface for scans, transformed requests, and
// vulnerabilities.
type Store interface {
	// CreateScan inserts the scan if absent and returns the stored row.
	// A concurrent create for the same ID is not an error: the existing
	// row wins and is returned.
	CreateScan(ctx context.Context, s *scan.Scan) (*scan.Scan, error)

	// GetScan returns scan.ErrNotFound for unknown IDs.
	GetScan(ctx context.Context, id string) (*scan.Scan, error)

	// UpdateScanStatus moves the scan to status iff its current status
	// is one of from. Returns scan.ErrConflict when the guard fails.
	UpdateScanStatus(ctx context.Context, id string, from []scan.Status, to scan.Status) error

	// IncrementScanCounters applies the delta atomically.
	IncrementScanCounters(ctx context.Context, id string, d scan.CounterDelta) error

	// HasTransformed reports whether any variant exists for the
	// (scanID, ruleID, requestID) tuple. Stage 1 uses it to skip
	// already-processed deliveries.
	HasTransformed(ctx context.Context, scanID, ruleID, requestID string) (bool, error)

	// UpsertTransformed inserts the items, ignoring any whose variant
	// key already exists, and returns the IDs actually inserted.
	UpsertTransformed(ctx context.Context, items []*scan.TransformedRequest) ([]string, error)

	// PendingTransformedIDs returns the IDs of still-pending variants
	// for the tuple. Stage 1 republishes these when a redelivery finds
	// the variants already stored, so a crash between store and publish
	// cannot strand them.
	PendingTransformedIDs(ctx context.Context, scanID, ruleID, requestID string) ([]string, error)

	// GetTransformed returns scan.ErrNotFound for unknown IDs.
	GetTransformed(ctx context.Context, id string) (*scan.TransformedRequest, error)

	// TransitionTransformed moves the item from one state to another,
	// applying upd when the guard holds. Returns scan.ErrConflict when
	// the item is not in the expected state.
	TransitionTransformed(ctx context.Context, id string, from, to scan.State, upd TransitionUpdate) error

	// UpsertVulnerability inserts the finding or, when its dedup key
	// already exists, refreshes the mutable fields of the existing row.
	UpsertVulnerability(ctx context.Context, v *scan.Vulnerability) error

	// OpenScanIDs returns scans whose status is pending or running.
	OpenScanIDs(ctx context.Context) ([]string, error)

	// ScanIDsWithActiveChildren returns, from the given IDs, those that
	// still have at least one transformed request in a non-terminal
	// state.
	ScanIDsWithActiveChildren(ctx context.Context, scanIDs []string) (map[string]bool, error)

	// CloseScan marks the scan complete iff it is still open, stamping
	// CompletedAt. Closing an already-terminal scan is a no-op.
	CloseScan(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}
