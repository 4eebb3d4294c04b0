package scan

import (
	"net/url"
	"time"
)

// State is the lifecycle state of a TransformedRequest. Transitions are
// monotonic: pending → running → {complete|failed}. A failed item is
// terminal; only the consumer that owns the item mutates it, and every
// state write is scoped by the expected current state.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Execution records the replay outcome for one variant: timing plus
// snapshots of what was sent and what came back.
type Execution struct {
	StatusCode int       `json:"status_code,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Request    *Request  `json:"request,omitempty"`
	Response   *Response `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// CriterionResult is the outcome of one declared match criterion.
type CriterionResult struct {
	Criterion string `json:"criterion"` // status, body, header.<name>
	Matched   bool   `json:"matched"`
	Pattern   string `json:"pattern,omitempty"` // what was looked for
}

// Highlight locates the evidence for a satisfied criterion so reports
// can underline it.
type Highlight struct {
	Part    string `json:"part"`    // status, body, header.<name>
	Pattern string `json:"pattern"` // regex/literal locator
}

// MatchResult is the matcher's verdict for one replayed variant.
// Matched is true iff every criterion declared in the rule matched.
type MatchResult struct {
	Matched    bool              `json:"matched"`
	Criteria   []CriterionResult `json:"criteria,omitempty"`
	Highlights []Highlight       `json:"highlights,omitempty"`
}

// TransformedRequest is the persisted record of one variant derived
// from exactly one (RawRequest, Rule) pair at one variant index. The
// compound key (ScanID, RuleID, RequestID, VariantIndex) is unique.
type TransformedRequest struct {
	ID           string   `json:"id"`
	ScanID       string   `json:"scan_id"`
	RuleID       string   `json:"rule_id"`
	RequestID    string   `json:"request_id"`
	OrgID        string   `json:"org_id"`
	ProjectIDs   []string `json:"project_ids,omitempty"`
	VariantIndex int      `json:"variant_index"`

	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    any               `json:"body,omitempty"`

	Mutations []AppliedMutation `json:"mutations,omitempty"`

	State                 State        `json:"state"`
	Execution             *Execution   `json:"execution,omitempty"`
	VulnerabilityDetected bool         `json:"vulnerability_detected"`
	MatchResult           *MatchResult `json:"match_result,omitempty"`
	Error                 string       `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// VariantKey returns the unique compound key for idempotent upserts.
type VariantKey struct {
	ScanID       string
	RuleID       string
	RequestID    string
	VariantIndex int
}

// Key returns the item's variant key.
func (t *TransformedRequest) Key() VariantKey {
	return VariantKey{
		ScanID:       t.ScanID,
		RuleID:       t.RuleID,
		RequestID:    t.RequestID,
		VariantIndex: t.VariantIndex,
	}
}

// ToRequest rebuilds the working request form for replay and report
// rendering. Path and base are re-derived from the stored URL.
func (t *TransformedRequest) ToRequest() Request {
	req := Request{
		Method:  t.Method,
		URL:     t.URL,
		Query:   t.Query,
		Headers: t.Headers,
		Body:    t.Body,
	}
	if u, err := url.Parse(t.URL); err == nil {
		req.Path = u.Path
		if u.Scheme != "" {
			req.Base = u.Scheme + "://" + u.Host
		}
	}
	return req
}
