package transform

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/scan"
)

// bodyStage mutates the opaque JSON body. Top-level add/remove/modify
// operate on object keys; the replace operators walk every scalar leaf
// of the tree (objects, arrays, scalars) in deterministic order.
func bodyStage(spec *rule.FieldSpec) stageFunc {
	if spec == nil {
		return nil
	}
	return func(v scan.Variant) []scan.Variant {
		bases := make([]scan.Variant, 0, 1)
		if len(spec.Transformations) == 0 {
			bases = append(bases, cloneVariant(v))
		} else {
			for _, e := range spec.Transformations {
				b := cloneVariant(v)
				applyOpsBody(&b, e.Add, e.Remove, e.Modify, opEntry)
				bases = append(bases, b)
			}
		}

		var out []scan.Variant
		for _, b := range bases {
			applyOpsBody(&b, spec.Add, spec.Remove, spec.Modify, opGlobal)

			switch {
			case spec.ReplaceAll != nil:
				b.Request.Body = replaceAllLeaves(b.Request.Body, *spec.ReplaceAll)
				record(&b, FieldBody, "replace_all", "", *spec.ReplaceAll)
				out = append(out, b)
			case spec.ReplaceAllOneByOne != nil:
				out = append(out, oneByOneBody(b, *spec.ReplaceAllOneByOne)...)
			default:
				out = append(out, b)
			}
		}
		return out
	}
}

// applyOpsBody applies top-level object mutations. A nil body becomes
// an object when add or modify needs somewhere to write; non-object
// bodies (arrays, scalars) skip key-wise ops.
func applyOpsBody(v *scan.Variant, add map[string]string, remove []string, modify map[string]rule.Modification, kind opKind) {
	if len(add) == 0 && len(remove) == 0 && len(modify) == 0 {
		return
	}

	obj, ok := v.Request.Body.(map[string]any)
	if !ok {
		if v.Request.Body != nil {
			return
		}
		obj = make(map[string]any)
		v.Request.Body = obj
	}

	for _, k := range sortedKeys(add) {
		obj[k] = add[k]
		record(v, FieldBody, string(kind)+"add", k, add[k])
	}
	for _, k := range remove {
		if _, exists := obj[k]; !exists {
			continue
		}
		delete(obj, k)
		record(v, FieldBody, string(kind)+"remove", k, "")
	}
	for _, k := range sortedModKeys(modify) {
		old, exists := obj[k]
		val := modify[k].Apply(scalarString(old), exists)
		obj[k] = val
		record(v, FieldBody, string(kind)+"modify", k, val)
	}
}

// oneByOneBody fans out one variant per scalar leaf, each with exactly
// that leaf replaced and all others untouched. This isolates which
// field triggers a vulnerability. A body with no leaves passes through.
func oneByOneBody(v scan.Variant, literal string) []scan.Variant {
	leaves := leafPaths(v.Request.Body, "")
	if len(leaves) == 0 {
		return []scan.Variant{v}
	}
	out := make([]scan.Variant, 0, len(leaves))
	for _, leaf := range leaves {
		next := cloneVariant(v)
		next.Request.Body = replaceLeaf(next.Request.Body, leaf.segments, literal)
		record(&next, FieldBody, "replace_all_one_by_one", leaf.path, literal)
		out = append(out, next)
	}
	return out
}

// leaf identifies one scalar position in a JSON-like tree.
type leaf struct {
	path     string // dotted path with [idx] for arrays, "" for a scalar root
	segments []any  // string keys and int indexes
}

// leafPaths enumerates scalar leaves in deterministic order: object
// keys sorted, array elements in index order. A scalar root is itself
// one leaf.
func leafPaths(v any, prefix string) []leaf {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []leaf
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			for _, l := range leafPaths(t[k], p) {
				l.segments = append([]any{k}, l.segments...)
				out = append(out, l)
			}
		}
		return out
	case []any:
		var out []leaf
		for i, e := range t {
			p := prefix + "[" + strconv.Itoa(i) + "]"
			for _, l := range leafPaths(e, p) {
				l.segments = append([]any{i}, l.segments...)
				out = append(out, l)
			}
		}
		return out
	case nil:
		return nil
	default:
		return []leaf{{path: prefix}}
	}
}

// replaceLeaf rebuilds the tree with the leaf at segs set to val.
func replaceLeaf(root any, segs []any, val any) any {
	if len(segs) == 0 {
		return val
	}
	switch t := root.(type) {
	case map[string]any:
		k := segs[0].(string)
		t[k] = replaceLeaf(t[k], segs[1:], val)
		return t
	case []any:
		i := segs[0].(int)
		t[i] = replaceLeaf(t[i], segs[1:], val)
		return t
	default:
		return root
	}
}

// replaceAllLeaves overwrites every scalar leaf with the literal.
func replaceAllLeaves(v any, literal string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = replaceAllLeaves(e, literal)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = replaceAllLeaves(e, literal)
		}
		return t
	case nil:
		return nil
	default:
		return literal
	}
}

// scalarString renders an existing body value for modify composition.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
