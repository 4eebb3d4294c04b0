package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullDocument(t *testing.T) {
	doc := `
id: bola-probe
rule_name: BOLA probe
target: all
is_active: true
transform:
  method: [put, delete]
  query:
    add:
      debug: "true"
    remove: session
  body:
    replace_all_values_one_by_one: "'"
match_on:
  status:
    notIn: [401, 403]
  body:
    contains: ["error", "exception"]
  headers:
    X-Powered-By: "php"
report:
  title: "Broken access on {{request.path}}"
  severity: high
  cvss_score: 8.1
  cwe_id: CWE-639
`
	r, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "bola-probe", r.ID)
	assert.Equal(t, "BOLA probe", r.Name)
	assert.True(t, r.IsActive)

	require.NotNil(t, r.Transform.Method)
	assert.Equal(t, []string{"put", "delete"}, r.Transform.Method.Values)
	require.NotNil(t, r.Transform.Query)
	assert.Equal(t, map[string]string{"debug": "true"}, r.Transform.Query.Add)
	assert.Equal(t, []string{"session"}, r.Transform.Query.Remove, "scalar remove becomes a one-element list")
	require.NotNil(t, r.Transform.Body.ReplaceAllOneByOne)
	assert.Equal(t, "'", *r.Transform.Body.ReplaceAllOneByOne)

	require.NotNil(t, r.MatchOn.Status)
	assert.Equal(t, []int{401, 403}, r.MatchOn.Status.NotIn)
	require.NotNil(t, r.MatchOn.Body)
	assert.Equal(t, []string{"error", "exception"}, r.MatchOn.Body.Contains)
	require.Contains(t, r.MatchOn.Headers, "X-Powered-By")
	assert.Equal(t, []string{"php"}, r.MatchOn.Headers["X-Powered-By"].Contains)

	assert.Equal(t, "high", r.Report.Severity)
	assert.Equal(t, 8.1, r.Report.CVSSScore)
}

func TestParseMissingName(t *testing.T) {
	_, err := Parse([]byte("target: all\n"))
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseIDDefaultsToSlug(t *testing.T) {
	r, err := Parse([]byte("rule_name: SQL Error Disclosure!\n"))
	require.NoError(t, err)
	assert.Equal(t, "sql-error-disclosure", r.ID)
}

func TestParseModifyShapes(t *testing.T) {
	doc := `
rule_name: shapes
transform:
  headers:
    modify:
      X-Plain: admin
      X-Composed:
        value: core
        prefix: "p-"
        suffix: "-s"
`
	r, err := Parse([]byte(doc))
	require.NoError(t, err)

	plain := r.Transform.Headers.Modify["X-Plain"]
	assert.False(t, plain.Composite)
	assert.Equal(t, "admin", plain.Apply("old", true))

	composed := r.Transform.Headers.Modify["X-Composed"]
	assert.True(t, composed.Composite)
	assert.Equal(t, "p-core-s", composed.Apply("old", true))
}

func TestModificationCompositionKeepsExisting(t *testing.T) {
	m := Modification{Prefix: "a-", Suffix: "-z", Composite: true}
	assert.Equal(t, "a-old-z", m.Apply("old", true))
	assert.Equal(t, "a--z", m.Apply("", false), "absent field composes around empty core")
}

func TestTargetShapes(t *testing.T) {
	all, err := Parse([]byte("rule_name: t\ntarget: all\n"))
	require.NoError(t, err)
	assert.True(t, all.Target.Matches("/anything"))

	specific, err := Parse([]byte(`
rule_name: t
target:
  type: specific
  endpoints:
    - /api/v1/users
`))
	require.NoError(t, err)
	assert.True(t, specific.Target.Matches("/api/v1/users"))
	assert.False(t, specific.Target.Matches("/api/v1/orders"))
}

func TestTargetDefaultsToAll(t *testing.T) {
	r, err := Parse([]byte("rule_name: t\n"))
	require.NoError(t, err)
	assert.True(t, r.Target.Matches("/any"))
}

func TestParseOperatorAliases(t *testing.T) {
	doc := `
rule_name: aliases
transform:
  query:
    replace_all_values: "x"
  body:
    replace_all: "y"
`
	r, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, r.Transform.Query.ReplaceAll)
	assert.Equal(t, "x", *r.Transform.Query.ReplaceAll)
	require.NotNil(t, r.Transform.Body.ReplaceAll)
	assert.Equal(t, "y", *r.Transform.Body.ReplaceAll)
}
