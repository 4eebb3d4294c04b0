package rule

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TransformSpec is the mutation half of a rule. Each sub-spec is
// optional; absence is the identity on that field. Sub-specs compose by
// flat-mapping in the fixed order method, path, query, headers, body.
type TransformSpec struct {
	Method  *MethodSpec `yaml:"method,omitempty" json:"method,omitempty"`
	Path    *FieldSpec  `yaml:"path,omitempty" json:"path,omitempty"`
	Query   *FieldSpec  `yaml:"query,omitempty" json:"query,omitempty"`
	Headers *FieldSpec  `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    *FieldSpec  `yaml:"body,omitempty" json:"body,omitempty"`
}

// Empty reports whether the spec mutates nothing.
func (s TransformSpec) Empty() bool {
	return s.Method == nil && s.Path == nil && s.Query == nil &&
		s.Headers == nil && s.Body == nil
}

// MethodSpec is a scalar method or a list of methods. A list fans out
// one variant per value.
type MethodSpec struct {
	Values []string `json:"values"`
}

// UnmarshalYAML accepts a scalar string or a sequence of strings.
func (m *MethodSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		m.Values = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&m.Values)
	default:
		return fmt.Errorf("rule: method must be a string or list of strings")
	}
}

// Modification is a per-key replacement: either a plain value, or a
// {value, prefix, suffix} composition. In a composition an empty value
// keeps the existing field value as the core.
type Modification struct {
	Value     string `yaml:"value,omitempty" json:"value,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Suffix    string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Composite bool   `yaml:"-" json:"composite,omitempty"`
}

// UnmarshalYAML accepts a scalar replacement or a composition mapping.
func (m *Modification) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		m.Value = node.Value
		return nil
	}
	var aux struct {
		Value  string `yaml:"value"`
		Prefix string `yaml:"prefix"`
		Suffix string `yaml:"suffix"`
	}
	if err := node.Decode(&aux); err != nil {
		return fmt.Errorf("rule: invalid modify entry: %w", err)
	}
	m.Value = aux.Value
	m.Prefix = aux.Prefix
	m.Suffix = aux.Suffix
	m.Composite = true
	return nil
}

// Apply computes the modified value. A modify on an absent field still
// writes: the composition is applied to the empty string.
func (m Modification) Apply(old string, exists bool) string {
	if !m.Composite {
		return m.Value
	}
	core := m.Value
	if core == "" && exists {
		core = old
	}
	return m.Prefix + core + m.Suffix
}

// MutationEntry is one element of a transformations list. Each entry
// independently produces a variant from a fresh copy of the base.
type MutationEntry struct {
	Add    map[string]string       `yaml:"add,omitempty" json:"add,omitempty"`
	Remove []string                `yaml:"remove,omitempty" json:"remove,omitempty"`
	Modify map[string]Modification `yaml:"modify,omitempty" json:"modify,omitempty"`
}

// FieldSpec is the per-field mutation sub-spec shared by path, query,
// headers, and body.
type FieldSpec struct {
	Add    map[string]string       `json:"add,omitempty"`
	Remove []string                `json:"remove,omitempty"`
	Modify map[string]Modification `json:"modify,omitempty"`

	// ReplaceAll overwrites every scalar leaf with one literal,
	// producing a single variant. Nil means unset.
	ReplaceAll *string `json:"replace_all,omitempty"`

	// ReplaceAllOneByOne produces one variant per scalar leaf, each
	// with exactly that leaf replaced. Nil means unset.
	ReplaceAllOneByOne *string `json:"replace_all_one_by_one,omitempty"`

	// Transformations is an explicit list of mutation entries; each
	// produces its own variant before the global operators above apply.
	Transformations []MutationEntry `json:"transformations,omitempty"`
}

// fieldSpecDoc mirrors FieldSpec with the operator key aliases the DSL
// accepts (`replace_all_values` for `replace_all`, etc.).
type fieldSpecDoc struct {
	Add    map[string]string       `yaml:"add"`
	Remove removeList              `yaml:"remove"`
	Modify map[string]Modification `yaml:"modify"`

	ReplaceAll       *string `yaml:"replace_all"`
	ReplaceAllValues *string `yaml:"replace_all_values"`

	ReplaceAllOneByOne       *string `yaml:"replace_all_one_by_one"`
	ReplaceAllValuesOneByOne *string `yaml:"replace_all_values_one_by_one"`

	Transformations []MutationEntry `yaml:"transformations"`
}

// UnmarshalYAML decodes a sub-spec, coalescing operator aliases.
func (f *FieldSpec) UnmarshalYAML(node *yaml.Node) error {
	var doc fieldSpecDoc
	if err := node.Decode(&doc); err != nil {
		return fmt.Errorf("rule: invalid transform sub-spec: %w", err)
	}
	f.Add = doc.Add
	f.Remove = doc.Remove
	f.Modify = doc.Modify
	f.Transformations = doc.Transformations

	f.ReplaceAll = doc.ReplaceAll
	if f.ReplaceAll == nil {
		f.ReplaceAll = doc.ReplaceAllValues
	}
	f.ReplaceAllOneByOne = doc.ReplaceAllOneByOne
	if f.ReplaceAllOneByOne == nil {
		f.ReplaceAllOneByOne = doc.ReplaceAllValuesOneByOne
	}
	return nil
}

// removeList accepts a scalar key or a sequence of keys.
type removeList []string

func (r *removeList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = []string{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("rule: remove must be a string or list: %w", err)
	}
	*r = list
	return nil
}
