// Package report renders rule report templates into finding fields.
// Templates carry {{dot.path}} placeholders resolved against a context
// tree built from the transformed request, the original request, the
// response, and the match result. Unresolved placeholders are left
// verbatim: a broken template degrades the report text, never the scan.
package report

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches {{ path.to.field }} and {{ items[2].name }}.
// Segments admit hyphens so header names like Content-Type resolve.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+(?:\[[0-9]+\])?(?:\.[A-Za-z0-9_-]+(?:\[[0-9]+\])?)*)\s*\}\}`)

// Render substitutes every resolvable placeholder in the template.
// The context is a JSON-like tree: map[string]any, []any, scalars, and
// structs (which are normalized through JSON round-tripping on demand).
func Render(template string, ctx any) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	tree := normalize(ctx)

	return placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		path := placeholderRe.FindStringSubmatch(tok)[1]
		val, ok := Resolve(tree, path)
		if !ok {
			return tok
		}
		return format(val)
	})
}

// Resolve walks a dot path with optional [index] segments through the
// tree. Returns false when any segment is missing or mistyped.
func Resolve(tree any, path string) (any, bool) {
	cur := tree
	for _, seg := range strings.Split(path, ".") {
		key, idx, indexed := splitIndex(seg)

		if key != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[key]
			if !ok {
				return nil, false
			}
		}

		if indexed {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// splitIndex splits "items[2]" into ("items", 2, true).
func splitIndex(seg string) (string, int, bool) {
	open := strings.IndexByte(seg, '[')
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, 0, false
	}
	idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil {
		return seg, 0, false
	}
	return seg[:open], idx, true
}

// normalize converts arbitrary context values (structs, typed maps,
// typed slices) into the generic tree Resolve walks. Generic containers
// are walked so nested non-generic values normalize too.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, int, int64:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// format renders a resolved value as report text.
func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
