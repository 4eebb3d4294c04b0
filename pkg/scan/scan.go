package scan

import "time"

// Status is the lifecycle state of a Scan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether Stage-2 processing should proceed for a scan
// in this status. Cancelled and paused scans are skipped at dispatch.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Counters are the aggregate metrics on a Scan. They are only ever
// adjusted through atomic delta operations in the store, never through
// read-modify-write.
type Counters struct {
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Critical   int64 `json:"critical"`
	High       int64 `json:"high"`
	Medium     int64 `json:"medium"`
	Low        int64 `json:"low"`
	Info       int64 `json:"info"`
	Vulnerable int64 `json:"vulnerable"`
}

// CounterDelta is a set of atomic increments to apply to a scan's
// counters. Zero fields are left untouched.
type CounterDelta struct {
	Processed  int64
	Failed     int64
	Vulnerable int64
	Severity   Severity // when set, the matching severity count is incremented
}

// Scan is the unit-of-work container grouping every rule×request
// combination for one trigger.
type Scan struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	ProjectID   string     `json:"project_id"`
	Status      Status     `json:"status"`
	Counters    Counters   `json:"counters"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
