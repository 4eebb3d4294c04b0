// Package transform implements the request-mutation engine: a pure,
// deterministic function from one captured request and one rule
// transform spec to an ordered list of mutated variants.
//
// Sub-specs compose by flat-mapping in the fixed order method, path,
// query, headers, body: each stage consumes the variant list from the
// previous stage and may multiply it. The engine performs no network or
// storage access; given the same inputs it always produces the same
// ordered output.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/scan"
)

// Field names used in applied-mutation descriptors.
const (
	FieldMethod  = "method"
	FieldPath    = "path"
	FieldQuery   = "query"
	FieldHeaders = "headers"
	FieldBody    = "body"
)

// Apply produces the ordered variant list for one (request, spec) pair.
// An empty spec yields a single unmodified variant. The only error case
// is a structurally unusable spec; individual no-op mutations (remove
// of an absent key, add on a non-object body) are silently skipped.
func Apply(base scan.Request, spec rule.TransformSpec) ([]scan.Variant, error) {
	variants := []scan.Variant{{Request: base.Clone()}}

	variants = flatMap(variants, methodStage(spec.Method))
	variants = flatMap(variants, pathStage(spec.Path))
	variants = flatMap(variants, queryStage(spec.Query))
	variants = flatMap(variants, headersStage(spec.Headers))
	variants = flatMap(variants, bodyStage(spec.Body))

	if len(variants) == 0 {
		return nil, fmt.Errorf("transform: spec produced no variants")
	}

	// Query re-serialization happens exactly once, after all mutations.
	for i := range variants {
		finalizeURL(&variants[i].Request)
	}
	return variants, nil
}

// stageFunc maps one variant to its successors.
type stageFunc func(scan.Variant) []scan.Variant

func flatMap(in []scan.Variant, fn stageFunc) []scan.Variant {
	if fn == nil {
		return in
	}
	out := make([]scan.Variant, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v)...)
	}
	return out
}

// methodStage fans out one variant per method value.
func methodStage(spec *rule.MethodSpec) stageFunc {
	if spec == nil || len(spec.Values) == 0 {
		return nil
	}
	return func(v scan.Variant) []scan.Variant {
		out := make([]scan.Variant, 0, len(spec.Values))
		for _, m := range spec.Values {
			next := cloneVariant(v)
			method := strings.ToUpper(m)
			next.Request.Method = method
			record(&next, FieldMethod, "set", "", method)
			out = append(out, next)
		}
		return out
	}
}

func cloneVariant(v scan.Variant) scan.Variant {
	return scan.Variant{
		Request:   v.Request.Clone(),
		Mutations: append([]scan.AppliedMutation(nil), v.Mutations...),
	}
}

func record(v *scan.Variant, field, op, key, value string) {
	v.Mutations = append(v.Mutations, scan.AppliedMutation{
		Field: field,
		Op:    op,
		Key:   key,
		Value: value,
	})
}

// finalizeURL rebuilds the absolute URL from the mutated path and query.
// Parameters keep their captured order; keys added by mutations follow
// in the order they were introduced.
func finalizeURL(req *scan.Request) {
	var sb strings.Builder
	sb.WriteString(req.Base)
	sb.WriteString(req.Path)

	keys := orderedQueryKeys(req)
	if len(keys) > 0 {
		sb.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(escapeQueryPart(k, true))
			sb.WriteByte('=')
			sb.WriteString(escapeQueryPart(req.Query[k], false))
		}
	}
	req.URL = sb.String()
}

// escapeQueryPart percent-encodes only the characters that would
// corrupt the query string structure or the request line. Payload
// characters (quotes, braces, angle brackets) pass through raw so the
// target receives exactly what the rule injected.
func escapeQueryPart(s string, key bool) string {
	if !strings.ContainsAny(s, "&# =") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '&' || c == '#' || c == ' ' || (key && c == '='):
			fmt.Fprintf(&sb, "%%%02X", c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// orderedQueryKeys returns the query keys in serialization order:
// recorded order first, then any stragglers sorted.
func orderedQueryKeys(req *scan.Request) []string {
	keys := make([]string, 0, len(req.Query))
	seen := make(map[string]bool, len(req.Query))
	for _, k := range req.QueryOrder {
		if _, ok := req.Query[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range req.Query {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
