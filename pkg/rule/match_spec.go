package rule

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MatchSpec is the detection half of a rule. Only declared criteria are
// evaluated; the overall verdict is the AND of every declared criterion.
type MatchSpec struct {
	Status  *StatusCriterion             `yaml:"status,omitempty" json:"status,omitempty"`
	Body    *ContentCriterion            `yaml:"body,omitempty" json:"body,omitempty"`
	Headers map[string]*ContentCriterion `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Empty reports whether no criteria are declared. An empty spec never
// produces a match.
func (s MatchSpec) Empty() bool {
	return s.Status == nil && s.Body == nil && len(s.Headers) == 0
}

// StatusCriterion matches the response status code: scalar equality,
// list membership, or negated membership.
type StatusCriterion struct {
	Equals *int  `json:"equals,omitempty"`
	In     []int `json:"in,omitempty"`
	NotIn  []int `json:"not_in,omitempty"`
}

// UnmarshalYAML accepts a scalar code or a mapping with in/notIn lists.
func (c *StatusCriterion) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var code int
		if err := node.Decode(&code); err != nil {
			return fmt.Errorf("rule: status must be an integer: %w", err)
		}
		c.Equals = &code
		return nil
	}
	var aux struct {
		In    []int `yaml:"in"`
		NotIn []int `yaml:"notIn"`
	}
	if err := node.Decode(&aux); err != nil {
		return fmt.Errorf("rule: invalid status criterion: %w", err)
	}
	c.In = aux.In
	c.NotIn = aux.NotIn
	return nil
}

// Matches evaluates the criterion against a status code.
func (c StatusCriterion) Matches(status int) bool {
	if c.Equals != nil {
		return status == *c.Equals
	}
	if len(c.In) > 0 {
		for _, s := range c.In {
			if s == status {
				return true
			}
		}
		return false
	}
	if len(c.NotIn) > 0 {
		for _, s := range c.NotIn {
			if s == status {
				return false
			}
		}
		return true
	}
	return false
}

// ContentCriterion matches body or header text: case-insensitive
// substring/regex containment, or an explicit regex.
type ContentCriterion struct {
	Contains []string `json:"contains,omitempty"`
	Regex    string   `json:"regex,omitempty"`
}

// UnmarshalYAML accepts {contains: "x"}, {contains: [..]}, {regex: ".."},
// or a bare scalar treated as contains.
func (c *ContentCriterion) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Contains = []string{node.Value}
		return nil
	}
	var aux struct {
		Contains containsList `yaml:"contains"`
		Regex    string       `yaml:"regex"`
	}
	if err := node.Decode(&aux); err != nil {
		return fmt.Errorf("rule: invalid content criterion: %w", err)
	}
	c.Contains = aux.Contains
	c.Regex = aux.Regex
	return nil
}

// containsList accepts a scalar literal or a sequence of literals.
type containsList []string

func (l *containsList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = []string{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("rule: contains must be a string or list: %w", err)
	}
	*l = list
	return nil
}
