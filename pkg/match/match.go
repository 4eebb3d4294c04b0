// Package match implements the response matcher: a pure evaluation of
// one replayed response against a rule's match_on spec.
//
// Every criterion declared in the rule contributes one boolean; the
// overall verdict is the AND across them. Criteria the rule does not
// declare are ignored, not treated as failures. The headers block is
// one criterion in that conjunction: it holds when any declared header
// matches, and contributes a single false when none do. Each satisfied
// criterion also yields a highlight locator recording what matched
// where, used later to underline evidence in the finding.
package match

import (
	"sort"
	"strconv"
	"strings"

	"github.com/apivet/apivet/pkg/regexcache"
	"github.com/apivet/apivet/pkg/rule"
	"github.com/apivet/apivet/pkg/scan"
)

// Evaluate runs the declared criteria against the response. An empty
// spec never matches: a rule with nothing to detect detects nothing.
func Evaluate(resp *scan.Response, spec rule.MatchSpec) scan.MatchResult {
	result := scan.MatchResult{}
	if resp == nil || spec.Empty() {
		return result
	}

	all := true

	if spec.Status != nil {
		matched := spec.Status.Matches(resp.StatusCode)
		cr := scan.CriterionResult{
			Criterion: "status",
			Matched:   matched,
			Pattern:   statusPattern(spec.Status),
		}
		result.Criteria = append(result.Criteria, cr)
		if matched {
			result.Highlights = append(result.Highlights, scan.Highlight{
				Part:    "status",
				Pattern: strconv.Itoa(resp.StatusCode),
			})
		} else {
			all = false
		}
	}

	if spec.Body != nil {
		matched, pattern := evalContent(string(resp.Body), spec.Body)
		cr := scan.CriterionResult{Criterion: "body", Matched: matched, Pattern: pattern}
		result.Criteria = append(result.Criteria, cr)
		if matched {
			result.Highlights = append(result.Highlights, scan.Highlight{Part: "body", Pattern: pattern})
		} else {
			all = false
		}
	}

	if len(spec.Headers) > 0 {
		anyHeader := false
		for _, name := range sortedHeaderKeys(spec.Headers) {
			crit := spec.Headers[name]
			value, present := headerLookup(resp, name)
			matched := false
			pattern := ""
			if present && crit != nil {
				matched, pattern = evalContent(value, crit)
			}
			cr := scan.CriterionResult{
				Criterion: "header." + strings.ToLower(name),
				Matched:   matched,
				Pattern:   pattern,
			}
			result.Criteria = append(result.Criteria, cr)
			if matched {
				anyHeader = true
				result.Highlights = append(result.Highlights, scan.Highlight{
					Part:    "header." + strings.ToLower(name),
					Pattern: pattern,
				})
			}
		}
		// Declared header criteria with no match at all contribute a
		// single false to the AND.
		if !anyHeader {
			all = false
		}
	}

	result.Matched = all && len(result.Criteria) > 0
	return result
}

// statusPattern renders what the status criterion was looking for.
func statusPattern(c *rule.StatusCriterion) string {
	switch {
	case c.Equals != nil:
		return strconv.Itoa(*c.Equals)
	case len(c.In) > 0:
		return "in" + intList(c.In)
	case len(c.NotIn) > 0:
		return "notIn" + intList(c.NotIn)
	}
	return ""
}

func intList(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// evalContent evaluates one content criterion. Contains entries are
// tried as case-insensitive substrings first, then as case-insensitive
// regexes; any entry matching satisfies the criterion. An invalid regex
// fails that entry without short-circuiting siblings.
func evalContent(content string, crit *rule.ContentCriterion) (bool, string) {
	lower := strings.ToLower(content)
	for _, needle := range crit.Contains {
		if needle == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(needle)) {
			return true, needle
		}
		re, err := regexcache.GetInsensitive(needle)
		if err != nil {
			continue
		}
		if loc := re.FindString(content); loc != "" {
			return true, needle
		}
	}
	if crit.Regex != "" {
		re, err := regexcache.GetInsensitive(crit.Regex)
		if err == nil && re.MatchString(content) {
			return true, crit.Regex
		}
	}
	return false, firstPattern(crit)
}

// firstPattern returns what the unmatched criterion was looking for,
// kept on the CriterionResult for debugging.
func firstPattern(crit *rule.ContentCriterion) string {
	if len(crit.Contains) > 0 {
		return crit.Contains[0]
	}
	return crit.Regex
}

// headerLookup finds a response header case-insensitively. A header not
// present in the response never matches.
func headerLookup(resp *scan.Response, name string) (string, bool) {
	if resp.Headers == nil {
		return "", false
	}
	vals := resp.Headers.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	return strings.Join(vals, ", "), true
}

// sortedHeaderKeys keeps criteria and highlight order deterministic.
func sortedHeaderKeys(m map[string]*rule.ContentCriterion) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe renders a short human-readable summary of the satisfied
// criteria for the finding's matched-on field.
func Describe(result scan.MatchResult) string {
	var parts []string
	for _, c := range result.Criteria {
		if c.Matched {
			parts = append(parts, c.Criterion+"~"+c.Pattern)
		}
	}
	return strings.Join(parts, " AND ")
}
