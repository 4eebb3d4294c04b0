package scan

import "time"

// DedupKey is the composite identity of a finding. Re-processing the
// same tuple must update the existing record, never duplicate it.
type DedupKey struct {
	OrgID         string `json:"org_id"`
	ScanID        string `json:"scan_id"`
	RuleID        string `json:"rule_id"`
	RequestID     string `json:"request_id"`
	TransformedID string `json:"transformed_id"`
}

// Evidence ties a finding to the concrete request/response pair that
// triggered it, with highlight locators for rendering.
type Evidence struct {
	Request    *Request          `json:"request,omitempty"`
	Response   *Response         `json:"response,omitempty"`
	MatchedOn  string            `json:"matched_on,omitempty"` // human-readable criteria summary
	Highlights []Highlight       `json:"highlights,omitempty"`
	Mutations  []AppliedMutation `json:"mutations,omitempty"`
}

// Vulnerability is a materialized finding: an immutable snapshot of the
// rule, source request, and triggering variant, plus the rendered
// report fields.
type Vulnerability struct {
	ID  string   `json:"id"`
	Key DedupKey `json:"key"`

	RuleName    string   `json:"rule_name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	CVSSScore   float64  `json:"cvss_score,omitempty"`
	CWEID       string   `json:"cwe_id,omitempty"`
	Remediation string   `json:"remediation,omitempty"`

	Evidence Evidence `json:"evidence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
