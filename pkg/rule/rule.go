// Package rule provides the declarative detection rule documents that
// drive the scan pipeline. A rule combines a request mutation spec, a
// response match spec, and a report template, consumed as YAML/JSON
// configuration rather than code.
package rule

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one immutable (per-version) detection definition. Rules are
// created by operators and read-only to the pipeline.
type Rule struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"rule_name" json:"rule_name"`
	Target    Target        `yaml:"target" json:"target"`
	Transform TransformSpec `yaml:"transform" json:"transform"`
	MatchOn   MatchSpec     `yaml:"match_on" json:"match_on"`
	Report    Report        `yaml:"report" json:"report"`
	IsActive  bool          `yaml:"is_active" json:"is_active"`
}

// Report is the finding template. Field values may carry
// {{dot.path}} placeholders resolved at report-render time.
type Report struct {
	Title       string  `yaml:"title" json:"title"`
	Description string  `yaml:"description" json:"description"`
	Severity    string  `yaml:"severity" json:"severity"`
	CVSSScore   float64 `yaml:"cvss_score,omitempty" json:"cvss_score,omitempty"`
	CWEID       string  `yaml:"cwe_id,omitempty" json:"cwe_id,omitempty"`
	Remediation string  `yaml:"remediation,omitempty" json:"remediation,omitempty"`
}

// TargetAll means the rule applies to every captured endpoint.
const TargetAll = "all"

// Target selects which endpoints a rule applies to: the literal "all",
// or a specific list of endpoint paths.
type Target struct {
	Type      string   `json:"type"` // all | specific
	Endpoints []string `json:"endpoints,omitempty"`
}

// UnmarshalYAML accepts either the scalar "all" or a mapping
// {type: specific, endpoints: [...]}.
func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Type = strings.ToLower(node.Value)
		return nil
	}
	var aux struct {
		Type      string   `yaml:"type"`
		Endpoints []string `yaml:"endpoints"`
	}
	if err := node.Decode(&aux); err != nil {
		return fmt.Errorf("rule: invalid target: %w", err)
	}
	t.Type = strings.ToLower(aux.Type)
	t.Endpoints = aux.Endpoints
	return nil
}

// Matches reports whether the rule applies to the given request path.
func (t Target) Matches(path string) bool {
	if t.Type == "" || t.Type == TargetAll {
		return true
	}
	for _, ep := range t.Endpoints {
		if ep == path {
			return true
		}
	}
	return false
}

// Parse decodes a single rule document from YAML (or JSON, which YAML
// accepts as a subset).
func Parse(data []byte) (*Rule, error) {
	var r Rule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("rule: parse: %w", err)
	}
	if r.Name == "" {
		return nil, fmt.Errorf("rule: %w: rule_name", ErrMissingField)
	}
	if r.ID == "" {
		r.ID = slugify(r.Name)
	}
	return &r, nil
}

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, s)
	return strings.Trim(s, "-")
}
