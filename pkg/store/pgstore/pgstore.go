// Package pgstore is the PostgreSQL Store backing multi-worker
// deployments. Idempotency and atomicity ride on the database: variant
// upserts use ON CONFLICT DO NOTHING against the compound unique key,
// counter updates are server-side deltas, and state transitions are
// single UPDATEs guarded by the expected current state.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements store.Store on *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects, pings, and applies pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection without running migrations.
// Used by tests that drive the store against a mock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("pgstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}
	return nil
}

func (s *Store) CreateScan(ctx context.Context, sc *scan.Scan) (*scan.Scan, error) {
	created := sc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	status := sc.Status
	if status == "" {
		status = scan.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scans (id, org_id, project_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		sc.ID, sc.OrgID, sc.ProjectID, string(status), created,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create scan: %w", err)
	}
	return s.GetScan(ctx, sc.ID)
}

func (s *Store) GetScan(ctx context.Context, id string) (*scan.Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, project_id, status,
		       processed, failed, critical, high, medium, low, info, vulnerable,
		       created_at, started_at, completed_at
		FROM scans WHERE id = $1`, id)

	var sc scan.Scan
	var status string
	var started, completed sql.NullTime
	err := row.Scan(
		&sc.ID, &sc.OrgID, &sc.ProjectID, &status,
		&sc.Counters.Processed, &sc.Counters.Failed,
		&sc.Counters.Critical, &sc.Counters.High, &sc.Counters.Medium,
		&sc.Counters.Low, &sc.Counters.Info, &sc.Counters.Vulnerable,
		&sc.CreatedAt, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scan.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get scan: %w", err)
	}
	sc.Status = scan.Status(status)
	if started.Valid {
		t := started.Time
		sc.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		sc.CompletedAt = &t
	}
	return &sc, nil
}

func (s *Store) UpdateScanStatus(ctx context.Context, id string, from []scan.Status, to scan.Status) error {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scans SET
			status = $2,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('complete', 'failed', 'cancelled') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = ANY($3)`,
		id, string(to), pq.Array(allowed),
	)
	if err != nil {
		return fmt.Errorf("pgstore: update scan status: %w", err)
	}
	return s.guarded(ctx, res, "scans", id)
}

func (s *Store) IncrementScanCounters(ctx context.Context, id string, d scan.CounterDelta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scans SET
			processed  = processed + $2,
			failed     = failed + $3,
			vulnerable = vulnerable + $4,
			critical   = critical + CASE WHEN $5 = 'critical' THEN 1 ELSE 0 END,
			high       = high     + CASE WHEN $5 = 'high'     THEN 1 ELSE 0 END,
			medium     = medium   + CASE WHEN $5 = 'medium'   THEN 1 ELSE 0 END,
			low        = low      + CASE WHEN $5 = 'low'      THEN 1 ELSE 0 END,
			info       = info     + CASE WHEN $5 = 'info'     THEN 1 ELSE 0 END
		WHERE id = $1`,
		id, d.Processed, d.Failed, d.Vulnerable, string(d.Severity),
	)
	if err != nil {
		return fmt.Errorf("pgstore: increment counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: increment counters: %w", err)
	}
	if n == 0 {
		return scan.ErrNotFound
	}
	return nil
}

func (s *Store) HasTransformed(ctx context.Context, scanID, ruleID, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transformed_requests
			WHERE scan_id = $1 AND rule_id = $2 AND request_id = $3
		)`, scanID, ruleID, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgstore: has transformed: %w", err)
	}
	return exists, nil
}

func (s *Store) UpsertTransformed(ctx context.Context, items []*scan.TransformedRequest) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: upsert transformed: %w", err)
	}
	defer tx.Rollback()

	var inserted []string
	for _, item := range items {
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		state := item.State
		if state == "" {
			state = scan.StatePending
		}
		headers, err := asJSON(item.Headers)
		if err != nil {
			return nil, err
		}
		query, err := asJSON(item.Query)
		if err != nil {
			return nil, err
		}
		body, err := asJSON(item.Body)
		if err != nil {
			return nil, err
		}
		mutations, err := asJSON(item.Mutations)
		if err != nil {
			return nil, err
		}

		var got string
		err = tx.QueryRowContext(ctx, `
			INSERT INTO transformed_requests
				(id, scan_id, rule_id, request_id, org_id, project_ids,
				 variant_index, method, url, headers, query, body, mutations, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (scan_id, rule_id, request_id, variant_index) DO NOTHING
			RETURNING id`,
			id, item.ScanID, item.RuleID, item.RequestID, item.OrgID,
			pq.Array(item.ProjectIDs), item.VariantIndex,
			item.Method, item.URL, headers, query, body, mutations, string(state),
		).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			continue // variant already stored
		}
		if err != nil {
			return nil, fmt.Errorf("pgstore: upsert transformed: %w", err)
		}
		inserted = append(inserted, got)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgstore: upsert transformed: %w", err)
	}
	return inserted, nil
}

func (s *Store) PendingTransformedIDs(ctx context.Context, scanID, ruleID, requestID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM transformed_requests
		WHERE scan_id = $1 AND rule_id = $2 AND request_id = $3 AND state = 'pending'
		ORDER BY variant_index`,
		scanID, ruleID, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: pending transformed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: pending transformed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: pending transformed: %w", err)
	}
	return ids, nil
}

func (s *Store) GetTransformed(ctx context.Context, id string) (*scan.TransformedRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scan_id, rule_id, request_id, org_id, project_ids,
		       variant_index, method, url, headers, query, body, mutations,
		       state, execution, vulnerability_detected, match_result, error, created_at
		FROM transformed_requests WHERE id = $1`, id)

	var t scan.TransformedRequest
	var state string
	var projectIDs pq.StringArray
	var headers, query, body, mutations, execution, matchResult []byte
	err := row.Scan(
		&t.ID, &t.ScanID, &t.RuleID, &t.RequestID, &t.OrgID, &projectIDs,
		&t.VariantIndex, &t.Method, &t.URL, &headers, &query, &body, &mutations,
		&state, &execution, &t.VulnerabilityDetected, &matchResult, &t.Error, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scan.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get transformed: %w", err)
	}
	t.State = scan.State(state)
	t.ProjectIDs = projectIDs
	if err := fromJSON(headers, &t.Headers); err != nil {
		return nil, err
	}
	if err := fromJSON(query, &t.Query); err != nil {
		return nil, err
	}
	if err := fromJSON(body, &t.Body); err != nil {
		return nil, err
	}
	if err := fromJSON(mutations, &t.Mutations); err != nil {
		return nil, err
	}
	if err := fromJSON(execution, &t.Execution); err != nil {
		return nil, err
	}
	if err := fromJSON(matchResult, &t.MatchResult); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) TransitionTransformed(ctx context.Context, id string, from, to scan.State, upd store.TransitionUpdate) error {
	execution, err := asJSON(upd.Execution)
	if err != nil {
		return err
	}
	matchResult, err := asJSON(upd.MatchResult)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transformed_requests SET
			state = $3,
			execution = COALESCE($4, execution),
			match_result = COALESCE($5, match_result),
			vulnerability_detected = COALESCE($6, vulnerability_detected),
			error = COALESCE($7, error)
		WHERE id = $1 AND state = $2`,
		id, string(from), string(to), execution, matchResult,
		nullBool(upd.VulnerabilityDetected), nullString(upd.Error),
	)
	if err != nil {
		return fmt.Errorf("pgstore: transition transformed: %w", err)
	}
	return s.guarded(ctx, res, "transformed_requests", id)
}

func (s *Store) UpsertVulnerability(ctx context.Context, v *scan.Vulnerability) error {
	id := v.ID
	if id == "" {
		id = uuid.NewString()
	}
	evidence, err := asJSON(v.Evidence)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vulnerabilities
			(id, org_id, scan_id, rule_id, request_id, transformed_id,
			 rule_name, title, description, severity, cvss_score, cwe_id,
			 remediation, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (org_id, scan_id, rule_id, request_id, transformed_id) DO UPDATE SET
			title       = EXCLUDED.title,
			description = EXCLUDED.description,
			severity    = EXCLUDED.severity,
			cvss_score  = EXCLUDED.cvss_score,
			cwe_id      = EXCLUDED.cwe_id,
			remediation = EXCLUDED.remediation,
			evidence    = EXCLUDED.evidence,
			updated_at  = now()`,
		id, v.Key.OrgID, v.Key.ScanID, v.Key.RuleID, v.Key.RequestID,
		v.Key.TransformedID, v.RuleName, v.Title, v.Description,
		string(v.Severity), v.CVSSScore, v.CWEID, v.Remediation, evidence,
	)
	if err != nil {
		return fmt.Errorf("pgstore: upsert vulnerability: %w", err)
	}
	return nil
}

func (s *Store) OpenScanIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM scans
		WHERE status IN ('pending', 'running')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open scans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: open scans: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: open scans: %w", err)
	}
	return ids, nil
}

func (s *Store) ScanIDsWithActiveChildren(ctx context.Context, scanIDs []string) (map[string]bool, error) {
	if len(scanIDs) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT scan_id FROM transformed_requests
		WHERE scan_id = ANY($1) AND state IN ('pending', 'running')`,
		pq.Array(scanIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: active children: %w", err)
	}
	defer rows.Close()

	active := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: active children: %w", err)
		}
		active[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: active children: %w", err)
	}
	return active, nil
}

func (s *Store) CloseScan(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scans SET status = 'complete', completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("pgstore: close scan: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// guarded maps a zero-row UPDATE to not-found or conflict by probing
// whether the row exists at all.
func (s *Store) guarded(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM scans WHERE id = $1)`
	if table == "transformed_requests" {
		q = `SELECT EXISTS (SELECT 1 FROM transformed_requests WHERE id = $1)`
	}
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&exists); err != nil {
		return fmt.Errorf("pgstore: probe %s: %w", table, err)
	}
	if !exists {
		return scan.ErrNotFound
	}
	return scan.ErrConflict
}

// asJSON marshals v for a JSONB column, mapping nil to SQL NULL. The
// text is passed as a string so the driver sends it untyped and the
// server coerces it to jsonb.
func asJSON(v any) (any, error) {
	if v == nil || isNilPointer(v) {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode json: %w", err)
	}
	return string(b), nil
}

func isNilPointer(v any) bool {
	switch t := v.(type) {
	case *scan.Execution:
		return t == nil
	case *scan.MatchResult:
		return t == nil
	case map[string]string:
		return t == nil
	case []scan.AppliedMutation:
		return t == nil
	}
	return false
}

func fromJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("pgstore: decode json: %w", err)
	}
	return nil
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
