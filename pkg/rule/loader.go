package rule

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Set holds loaded rules and answers the orchestrator's lookup
// queries. Safe for concurrent readers once built.
type Set struct {
	mu    sync.RWMutex
	byID  map[string]*Rule
	order []string
}

// NewSet builds a set from parsed rules. Duplicate ids keep the last
// definition.
func NewSet(rules ...*Rule) *Set {
	s := &Set{byID: make(map[string]*Rule, len(rules))}
	for _, r := range rules {
		if _, seen := s.byID[r.ID]; !seen {
			s.order = append(s.order, r.ID)
		}
		s.byID[r.ID] = r
	}
	return s
}

// Get returns a rule by id.
func (s *Set) Get(id string) (*Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// Active returns active rules applicable to the given request path, in
// load order.
func (s *Set) Active(path string) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, id := range s.order {
		r := s.byID[id]
		if r.IsActive && r.Target.Matches(path) {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// LoadDir reads every .yaml/.yml file under dir into a Set. Malformed
// documents are skipped with a warning so one bad rule cannot take the
// library down with it.
func LoadDir(dir string, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rule: read dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []*Rule
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("rule file unreadable", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		r, err := Parse(data)
		if err != nil {
			logger.Warn("rule file skipped", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		rules = append(rules, r)
	}

	return NewSet(rules...), nil
}
