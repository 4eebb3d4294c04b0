package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/scan"
)

// specOf parses a transform sub-document through the rule DSL so tests
// exercise the same decoding path production rules take.
func specOf(t *testing.T, doc string) rule.TransformSpec {
	t.Helper()
	r, err := rule.Parse([]byte("rule_name: test\ntransform:\n" + doc))
	require.NoError(t, err)
	return r.Transform
}

func baseRequest(t *testing.T) scan.Request {
	t.Helper()
	return scan.ParseRaw(&scan.RawRequest{
		ID:     "req-1",
		Method: "get",
		URL:    "https://api.example.com/items?x=1",
		Headers: map[string]string{
			"Authorization": "Bearer token",
		},
	})
}

func TestApplyEmptySpec(t *testing.T) {
	variants, err := Apply(baseRequest(t), rule.TransformSpec{})
	require.NoError(t, err)
	require.Len(t, variants, 1)

	assert.Equal(t, "GET", variants[0].Request.Method)
	assert.Equal(t, "https://api.example.com/items?x=1", variants[0].Request.URL)
	assert.Empty(t, variants[0].Mutations)
}

func TestApplyQueryAddPreservesOrder(t *testing.T) {
	spec := specOf(t, `
  query:
    add:
      debug: "true"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)

	// Captured parameters come first, added keys follow.
	assert.Equal(t, "https://api.example.com/items?x=1&debug=true", variants[0].Request.URL)
	require.Len(t, variants[0].Mutations, 1)
	assert.Equal(t, scan.AppliedMutation{
		Field: "query", Op: "add", Key: "debug", Value: "true",
	}, variants[0].Mutations[0])
}

// Injected payload characters must reach the target verbatim, not
// percent-encoded.
func TestApplyQueryValuesStayRaw(t *testing.T) {
	spec := specOf(t, `
  query:
    add:
      debug: "{{debug}}"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "https://api.example.com/items?x=1&debug={{debug}}", variants[0].Request.URL)
}

func TestApplyQueryEscapesOnlyDelimiters(t *testing.T) {
	spec := specOf(t, `
  query:
    add:
      q: "' OR 1=1 --&x=#"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)

	// Quotes, equals in values, and dashes stay raw; the structural
	// delimiters space, ampersand, and hash are encoded.
	assert.Equal(t, "https://api.example.com/items?x=1&q='%20OR%201=1%20--%26x=%23", variants[0].Request.URL)
}

func TestApplyMethodFanOut(t *testing.T) {
	spec := specOf(t, `
  method: [put, delete]
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 2)

	assert.Equal(t, "PUT", variants[0].Request.Method)
	assert.Equal(t, "DELETE", variants[1].Request.Method)
}

func TestApplyStagesMultiply(t *testing.T) {
	spec := specOf(t, `
  method: [put, delete]
  query:
    add:
      debug: "true"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 2)

	for _, v := range variants {
		assert.Equal(t, "true", v.Request.Query["debug"])
		assert.Len(t, v.Mutations, 2) // method set + query add
	}
}

func TestApplyTransformationsTimesGlobal(t *testing.T) {
	spec := specOf(t, `
  headers:
    transformations:
      - add:
          X-Forwarded-For: "127.0.0.1"
      - add:
          X-Original-URL: "/admin"
    remove:
      - Authorization
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 2)

	assert.Equal(t, "127.0.0.1", variants[0].Request.Headers["X-Forwarded-For"])
	assert.NotContains(t, variants[0].Request.Headers, "X-Original-URL")
	assert.Equal(t, "/admin", variants[1].Request.Headers["X-Original-URL"])

	// The global remove applies to every entry variant.
	for _, v := range variants {
		assert.NotContains(t, v.Request.Headers, "Authorization")
	}
}

func TestApplyRemoveAbsentKeyIsNoOp(t *testing.T) {
	spec := specOf(t, `
  headers:
    remove:
      - X-Not-There
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)

	assert.Empty(t, variants[0].Mutations)
	assert.Equal(t, "Bearer token", variants[0].Request.Headers["Authorization"])
}

func TestApplyModifyAbsentKeyWrites(t *testing.T) {
	spec := specOf(t, `
  headers:
    modify:
      X-Role: admin
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "admin", variants[0].Request.Headers["X-Role"])
}

func TestApplyModifyComposition(t *testing.T) {
	spec := specOf(t, `
  query:
    modify:
      x:
        prefix: "pre-"
        suffix: "-post"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)

	// Empty value in a composition keeps the existing value as core.
	assert.Equal(t, "pre-1-post", variants[0].Request.Query["x"])
}

func TestApplyBodyOneByOne(t *testing.T) {
	spec := specOf(t, `
  body:
    replace_all_one_by_one: "'"
`)
	base := baseRequest(t)
	base.Body = map[string]any{
		"name": "alice",
		"profile": map[string]any{
			"bio": "hello",
		},
		"tags": []any{"a", "b"},
	}

	variants, err := Apply(base, spec)
	require.NoError(t, err)
	require.Len(t, variants, 4) // name, profile.bio, tags[0], tags[1]

	// Each variant replaces exactly one leaf.
	for _, v := range variants {
		body := v.Request.Body.(map[string]any)
		replaced := 0
		if body["name"] == "'" {
			replaced++
		}
		if body["profile"].(map[string]any)["bio"] == "'" {
			replaced++
		}
		for _, tag := range body["tags"].([]any) {
			if tag == "'" {
				replaced++
			}
		}
		assert.Equal(t, 1, replaced)
	}

	// Leaf paths are recorded in deterministic order.
	var paths []string
	for _, v := range variants {
		paths = append(paths, v.Mutations[len(v.Mutations)-1].Key)
	}
	assert.Equal(t, []string{"name", "profile.bio", "tags[0]", "tags[1]"}, paths)
}

func TestApplyBodyOneByOneNoLeaves(t *testing.T) {
	spec := specOf(t, `
  body:
    replace_all_one_by_one: "'"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Nil(t, variants[0].Request.Body)
}

func TestApplyBodyReplaceAll(t *testing.T) {
	spec := specOf(t, `
  body:
    replace_all_values: "<script>"
`)
	base := baseRequest(t)
	base.Body = map[string]any{
		"a": "1",
		"b": map[string]any{"c": float64(2)},
	}

	variants, err := Apply(base, spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)

	body := variants[0].Request.Body.(map[string]any)
	assert.Equal(t, "<script>", body["a"])
	assert.Equal(t, "<script>", body["b"].(map[string]any)["c"])
}

func TestApplyBodyAddOnNilBody(t *testing.T) {
	spec := specOf(t, `
  body:
    add:
      injected: "x"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, map[string]any{"injected": "x"}, variants[0].Request.Body)
}

func TestApplyBodyAddOnScalarBodySkips(t *testing.T) {
	spec := specOf(t, `
  body:
    add:
      injected: "x"
`)
	base := baseRequest(t)
	base.Body = "raw text"

	variants, err := Apply(base, spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "raw text", variants[0].Request.Body)
	assert.Empty(t, variants[0].Mutations)
}

func TestApplyPathModify(t *testing.T) {
	spec := specOf(t, `
  path:
    modify:
      path:
        suffix: "/../admin"
`)
	variants, err := Apply(baseRequest(t), spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "/items/../admin", variants[0].Request.Path)
	assert.Equal(t, "https://api.example.com/items/../admin?x=1", variants[0].Request.URL)
}

func TestApplyQueryOneByOne(t *testing.T) {
	spec := specOf(t, `
  query:
    replace_all_values_one_by_one: "payload"
`)
	base := scan.ParseRaw(&scan.RawRequest{
		ID:     "req-2",
		Method: "GET",
		URL:    "https://api.example.com/search?q=term&page=2",
	})

	variants, err := Apply(base, spec)
	require.NoError(t, err)
	require.Len(t, variants, 2)

	assert.Equal(t, "https://api.example.com/search?q=payload&page=2", variants[0].Request.URL)
	assert.Equal(t, "https://api.example.com/search?q=term&page=payload", variants[1].Request.URL)
}

func TestApplyDeterministic(t *testing.T) {
	spec := specOf(t, `
  method: [put, post]
  query:
    add:
      a: "1"
      b: "2"
  body:
    replace_all_one_by_one: "'"
`)
	base := baseRequest(t)
	base.Body = map[string]any{"x": "1", "y": "2"}

	first, err := Apply(base, spec)
	require.NoError(t, err)
	second, err := Apply(base, spec)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Request.URL, second[i].Request.URL)
		assert.Equal(t, first[i].Request.Method, second[i].Request.Method)
		assert.Equal(t, first[i].Request.Body, second[i].Request.Body)
		assert.Equal(t, first[i].Mutations, second[i].Mutations)
	}
}

func TestApplyDoesNotMutateBase(t *testing.T) {
	spec := specOf(t, `
  query:
    add:
      debug: "true"
  body:
    replace_all: "x"
`)
	base := baseRequest(t)
	base.Body = map[string]any{"k": "v"}

	_, err := Apply(base, spec)
	require.NoError(t, err)

	assert.NotContains(t, base.Query, "debug")
	assert.Equal(t, "v", base.Body.(map[string]any)["k"])
}
