package transform

import (
	"sort"
	"strings"

	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/scan"
)

// mapAccess abstracts the two map-shaped targets (query, headers) so
// one stage implementation serves both. Query writes also maintain the
// serialization order.
type mapAccess struct {
	field string
	get   func(*scan.Request) map[string]string
	set   func(*scan.Request, string, string)
	del   func(*scan.Request, string)
	keys  func(*scan.Request) []string
}

func queryAccess() mapAccess {
	return mapAccess{
		field: FieldQuery,
		get:   func(r *scan.Request) map[string]string { return r.Query },
		set: func(r *scan.Request, k, v string) {
			if r.Query == nil {
				r.Query = make(map[string]string)
			}
			if _, ok := r.Query[k]; !ok {
				r.QueryOrder = append(r.QueryOrder, k)
			}
			r.Query[k] = v
		},
		del: func(r *scan.Request, k string) {
			delete(r.Query, k)
		},
		keys: func(r *scan.Request) []string { return orderedQueryKeys(r) },
	}
}

func headersAccess() mapAccess {
	return mapAccess{
		field: FieldHeaders,
		get:   func(r *scan.Request) map[string]string { return r.Headers },
		set: func(r *scan.Request, k, v string) {
			if r.Headers == nil {
				r.Headers = make(map[string]string)
			}
			r.Headers[k] = v
		},
		del: func(r *scan.Request, k string) {
			delete(r.Headers, k)
		},
		keys: func(r *scan.Request) []string {
			keys := make([]string, 0, len(r.Headers))
			for k := range r.Headers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return keys
		},
	}
}

func queryStage(spec *rule.FieldSpec) stageFunc {
	if spec == nil {
		return nil
	}
	return mapStage(spec, queryAccess())
}

func headersStage(spec *rule.FieldSpec) stageFunc {
	if spec == nil {
		return nil
	}
	return mapStage(spec, headersAccess())
}

// mapStage implements the shared fan-out semantics for map targets:
// per-entry transformations first, then the global operators applied to
// every variant already produced. Total variants per input variant =
// len(transformations) × globalFanout.
func mapStage(spec *rule.FieldSpec, acc mapAccess) stageFunc {
	return func(v scan.Variant) []scan.Variant {
		bases := entryVariantsMap(v, spec.Transformations, acc)

		var out []scan.Variant
		for _, b := range bases {
			applyOpsMap(&b, spec.Add, spec.Remove, spec.Modify, acc, opGlobal)

			switch {
			case spec.ReplaceAll != nil:
				replaceAllMap(&b, *spec.ReplaceAll, acc)
				out = append(out, b)
			case spec.ReplaceAllOneByOne != nil:
				out = append(out, oneByOneMap(b, *spec.ReplaceAllOneByOne, acc)...)
			default:
				out = append(out, b)
			}
		}
		return out
	}
}

// entryVariantsMap produces one variant per transformations entry, each
// from a fresh copy of the incoming variant. With no entries the input
// passes through once.
func entryVariantsMap(v scan.Variant, entries []rule.MutationEntry, acc mapAccess) []scan.Variant {
	if len(entries) == 0 {
		return []scan.Variant{cloneVariant(v)}
	}
	out := make([]scan.Variant, 0, len(entries))
	for _, e := range entries {
		b := cloneVariant(v)
		applyOpsMap(&b, e.Add, e.Remove, e.Modify, acc, opEntry)
		out = append(out, b)
	}
	return out
}

// opKind tags descriptors so evidence distinguishes per-entry mutations
// from global ones.
type opKind string

const (
	opGlobal opKind = ""
	opEntry  opKind = "transformation."
)

// applyOpsMap applies add, remove, and modify in that order, in place.
// Remove of an absent key is a no-op; modify of an absent key still
// writes the computed value.
func applyOpsMap(v *scan.Variant, add map[string]string, remove []string, modify map[string]rule.Modification, acc mapAccess, kind opKind) {
	for _, k := range sortedKeys(add) {
		acc.set(&v.Request, k, add[k])
		record(v, acc.field, string(kind)+"add", k, add[k])
	}
	for _, k := range remove {
		if _, ok := acc.get(&v.Request)[k]; !ok {
			continue
		}
		acc.del(&v.Request, k)
		record(v, acc.field, string(kind)+"remove", k, "")
	}
	for _, k := range sortedModKeys(modify) {
		old, exists := acc.get(&v.Request)[k]
		val := modify[k].Apply(old, exists)
		acc.set(&v.Request, k, val)
		record(v, acc.field, string(kind)+"modify", k, val)
	}
}

func replaceAllMap(v *scan.Variant, literal string, acc mapAccess) {
	for _, k := range acc.keys(&v.Request) {
		acc.set(&v.Request, k, literal)
	}
	record(v, acc.field, "replace_all", "", literal)
}

// oneByOneMap fans out one variant per key, each with exactly that
// key's value replaced. A target with no keys passes through unchanged.
func oneByOneMap(v scan.Variant, literal string, acc mapAccess) []scan.Variant {
	keys := acc.keys(&v.Request)
	if len(keys) == 0 {
		return []scan.Variant{v}
	}
	out := make([]scan.Variant, 0, len(keys))
	for _, k := range keys {
		next := cloneVariant(v)
		acc.set(&next.Request, k, literal)
		record(&next, acc.field, "replace_all_one_by_one", k, literal)
		out = append(out, next)
	}
	return out
}

// pathStage mutates the path string. The path is a single scalar:
// remove deletes a literal substring, modify rewrites the whole path,
// and the replace operators treat it as one leaf. Add has no meaning
// for a string target and is skipped.
func pathStage(spec *rule.FieldSpec) stageFunc {
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
				applyOpsPath(&b, e.Remove, e.Modify, opEntry)
				bases = append(bases, b)
			}
		}

		out := make([]scan.Variant, 0, len(bases))
		for _, b := range bases {
			applyOpsPath(&b, spec.Remove, spec.Modify, opGlobal)

			if spec.ReplaceAll != nil {
				b.Request.Path = *spec.ReplaceAll
				record(&b, FieldPath, "replace_all", "", *spec.ReplaceAll)
			} else if spec.ReplaceAllOneByOne != nil {
				b.Request.Path = *spec.ReplaceAllOneByOne
				record(&b, FieldPath, "replace_all_one_by_one", "", *spec.ReplaceAllOneByOne)
			}
			out = append(out, b)
		}
		return out
	}
}

func applyOpsPath(v *scan.Variant, remove []string, modify map[string]rule.Modification, kind opKind) {
	for _, sub := range remove {
		if sub == "" || !strings.Contains(v.Request.Path, sub) {
			continue
		}
		v.Request.Path = strings.ReplaceAll(v.Request.Path, sub, "")
		record(v, FieldPath, string(kind)+"remove", sub, "")
	}
	for _, k := range sortedModKeys(modify) {
		v.Request.Path = modify[k].Apply(v.Request.Path, true)
		record(v, FieldPath, string(kind)+"modify", k, v.Request.Path)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedModKeys(m map[string]rule.Modification) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
