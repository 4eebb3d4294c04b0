package pgstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/pkg/scan"
	"github.com/apivet/apivet/pkg/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func scanRows(id string, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "org_id", "project_id", "status",
		"processed", "failed", "critical", "high", "medium", "low", "info", "vulnerable",
		"created_at", "started_at", "completed_at",
	}).AddRow(id, "org-1", "proj-1", status, 3, 1, 0, 1, 0, 0, 0, 1, time.Now(), nil, nil)
}

func TestGetScan(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT id, org_id, project_id, status").
		WithArgs("scan-1").
		WillReturnRows(scanRows("scan-1", "running"))

	sc, err := s.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, scan.StatusRunning, sc.Status)
	assert.Equal(t, int64(3), sc.Counters.Processed)
	assert.Equal(t, int64(1), sc.Counters.High)
	assert.Nil(t, sc.StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScanNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT id, org_id, project_id, status").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetScan(context.Background(), "missing")
	assert.ErrorIs(t, err, scan.ErrNotFound)
}

func TestCreateScanReturnsStoredRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO scans").
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict: row existed
	mock.ExpectQuery("SELECT id, org_id, project_id, status").
		WithArgs("scan-1").
		WillReturnRows(scanRows("scan-1", "running"))

	sc, err := s.CreateScan(context.Background(), &scan.Scan{ID: "scan-1", Status: scan.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, scan.StatusRunning, sc.Status, "existing row wins over the insert attempt")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementScanCounters(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE scans SET").
		WithArgs("scan-1", int64(1), int64(0), int64(1), "high").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.IncrementScanCounters(context.Background(), "scan-1", scan.CounterDelta{
		Processed: 1, Vulnerable: 1, Severity: scan.High,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementScanCountersNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE scans SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.IncrementScanCounters(context.Background(), "missing", scan.CounterDelta{Processed: 1})
	assert.ErrorIs(t, err, scan.ErrNotFound)
}

func TestUpdateScanStatusConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE scans SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("scan-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.UpdateScanStatus(context.Background(), "scan-1",
		[]scan.Status{scan.StatusPending}, scan.StatusRunning)
	assert.ErrorIs(t, err, scan.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasTransformed(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("scan-1", "rule-1", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	has, err := s.HasTransformed(context.Background(), "scan-1", "rule-1", "req-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestUpsertTransformedSkipsConflicts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO transformed_requests").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-1"))
	// Second item conflicts: RETURNING yields no row.
	mock.ExpectQuery("INSERT INTO transformed_requests").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	items := []*scan.TransformedRequest{
		{ID: "t-1", ScanID: "scan-1", RuleID: "r", RequestID: "q", VariantIndex: 0, Method: "GET", URL: "u"},
		{ID: "t-2", ScanID: "scan-1", RuleID: "r", RequestID: "q", VariantIndex: 1, Method: "GET", URL: "u"},
	}
	inserted, err := s.UpsertTransformed(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1"}, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTransformed(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE transformed_requests SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	detected := true
	err := s.TransitionTransformed(context.Background(), "t-1",
		scan.StateRunning, scan.StateComplete, store.TransitionUpdate{
			Execution:             &scan.Execution{StatusCode: 200},
			VulnerabilityDetected: &detected,
		})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTransformedConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE transformed_requests SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.TransitionTransformed(context.Background(), "t-1",
		scan.StatePending, scan.StateRunning, store.TransitionUpdate{})
	assert.ErrorIs(t, err, scan.ErrConflict)
}

func TestUpsertVulnerability(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO vulnerabilities").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertVulnerability(context.Background(), &scan.Vulnerability{
		Key: scan.DedupKey{
			OrgID: "org-1", ScanID: "scan-1", RuleID: "rule-1",
			RequestID: "req-1", TransformedID: "t-1",
		},
		Title:    "finding",
		Severity: scan.High,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenScanIDs(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT id FROM scans").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("scan-a").AddRow("scan-b"))

	ids, err := s.OpenScanIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"scan-a", "scan-b"}, ids)
}

func TestScanIDsWithActiveChildren(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT DISTINCT scan_id FROM transformed_requests").
		WillReturnRows(sqlmock.NewRows([]string{"scan_id"}).AddRow("scan-a"))

	active, err := s.ScanIDsWithActiveChildren(context.Background(), []string{"scan-a", "scan-b"})
	require.NoError(t, err)
	assert.True(t, active["scan-a"])
	assert.False(t, active["scan-b"])
}

func TestPendingTransformedIDs(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT id FROM transformed_requests").
		WithArgs("scan-1", "rule-1", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-2"))

	ids, err := s.PendingTransformedIDs(context.Background(), "scan-1", "rule-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-2"}, ids)
}

func TestCloseScan(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE scans SET status = 'complete'").
		WithArgs("scan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CloseScan(context.Background(), "scan-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
