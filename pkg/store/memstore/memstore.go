// Package memstore is the in-memory Store used for single-process runs
// and tests. All guarantees the contract asks for (idempotent upserts,
// guarded transitions, atomic counters) hold under a single mutex.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/store"
)

// Store implements store.Store with plain maps.
type Store struct {
	mu sync.Mutex

	scans       map[string]*scan.Scan
	transformed map[string]*scan.TransformedRequest
	byVariant   map[scan.VariantKey]string    // variant key -> transformed ID
	vulns       map[scan.DedupKey]*scan.Vulnerability
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		scans:       make(map[string]*scan.Scan),
		transformed: make(map[string]*scan.TransformedRequest),
		byVariant:   make(map[scan.VariantKey]string),
		vulns:       make(map[scan.DedupKey]*scan.Vulnerability),
	}
}

func (s *Store) CreateScan(_ context.Context, sc *scan.Scan) (*scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.scans[sc.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *sc
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.scans[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetScan(_ context.Context, id string) (*scan.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return nil, scan.ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (s *Store) UpdateScanStatus(_ context.Context, id string, from []scan.Status, to scan.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	for _, f := range from {
		if sc.Status == f {
			sc.Status = to
			now := time.Now().UTC()
			if to == scan.StatusRunning && sc.StartedAt == nil {
				sc.StartedAt = &now
			}
			if to.Terminal() {
				sc.CompletedAt = &now
			}
			return nil
		}
	}
	return scan.ErrConflict
}

func (s *Store) IncrementScanCounters(_ context.Context, id string, d scan.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	sc.Counters.Processed += d.Processed
	sc.Counters.Failed += d.Failed
	sc.Counters.Vulnerable += d.Vulnerable
	switch d.Severity {
	case scan.Critical:
		sc.Counters.Critical++
	case scan.High:
		sc.Counters.High++
	case scan.Medium:
		sc.Counters.Medium++
	case scan.Low:
		sc.Counters.Low++
	case scan.Info:
		sc.Counters.Info++
	}
	return nil
}

func (s *Store) HasTransformed(_ context.Context, scanID, ruleID, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.byVariant {
		if key.ScanID == scanID && key.RuleID == ruleID && key.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpsertTransformed(_ context.Context, items []*scan.TransformedRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted []string
	for _, item := range items {
		key := item.Key()
		if _, ok := s.byVariant[key]; ok {
			continue
		}
		cp := *item
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		if cp.State == "" {
			cp.State = scan.StatePending
		}
		s.transformed[cp.ID] = &cp
		s.byVariant[key] = cp.ID
		inserted = append(inserted, cp.ID)
	}
	return inserted, nil
}

func (s *Store) PendingTransformedIDs(_ context.Context, scanID, ruleID, requestID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, t := range s.transformed {
		if t.ScanID == scanID && t.RuleID == ruleID && t.RequestID == requestID && t.State == scan.StatePending {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetTransformed(_ context.Context, id string) (*scan.TransformedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transformed[id]
	if !ok {
		return nil, scan.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) TransitionTransformed(_ context.Context, id string, from, to scan.State, upd store.TransitionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transformed[id]
	if !ok {
		return scan.ErrNotFound
	}
	if t.State != from {
		return scan.ErrConflict
	}
	t.State = to
	if upd.Execution != nil {
		t.Execution = upd.Execution
	}
	if upd.MatchResult != nil {
		t.MatchResult = upd.MatchResult
	}
	if upd.VulnerabilityDetected != nil {
		t.VulnerabilityDetected = *upd.VulnerabilityDetected
	}
	if upd.Error != nil {
		t.Error = *upd.Error
	}
	return nil
}

func (s *Store) UpsertVulnerability(_ context.Context, v *scan.Vulnerability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.vulns[v.Key]; ok {
		existing.Title = v.Title
		existing.Description = v.Description
		existing.Severity = v.Severity
		existing.CVSSScore = v.CVSSScore
		existing.CWEID = v.CWEID
		existing.Remediation = v.Remediation
		existing.Evidence = v.Evidence
		existing.UpdatedAt = now
		return nil
	}
	cp := *v
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.vulns[cp.Key] = &cp
	return nil
}

func (s *Store) OpenScanIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sc := range s.scans {
		if sc.Status == scan.StatusPending || sc.Status == scan.StatusRunning {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ScanIDsWithActiveChildren(_ context.Context, scanIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(scanIDs))
	for _, id := range scanIDs {
		want[id] = true
	}
	active := make(map[string]bool)
	for _, t := range s.transformed {
		if want[t.ScanID] && !t.State.Terminal() {
			active[t.ScanID] = true
		}
	}
	return active, nil
}

func (s *Store) CloseScan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrNotFound
	}
	if sc.Status.Terminal() {
		return nil
	}
	sc.Status = scan.StatusComplete
	now := time.Now().UTC()
	sc.CompletedAt = &now
	return nil
}

func (s *Store) Close() error { return nil }

// Vulnerabilities returns the stored findings, ordered by creation.
// Test helper and report surface for single-process runs.
func (s *Store) Vulnerabilities() []*scan.Vulnerability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*scan.Vulnerability, 0, len(s.vulns))
	for _, v := range s.vulns {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
