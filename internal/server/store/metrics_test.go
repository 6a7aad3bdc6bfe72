package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestUpsertDailyMetricExecutesUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO daily_metrics").WillReturnResult(sqlmock.NewResult(1, 1))

	s := New(db)
	err = s.UpsertDailyMetric(context.Background(), DailyMetric{
		OrgID: "org-1", DeviceID: "device-1", Day: "2026-07-30",
		RiskScore: 42, RawScore: 12.5,
		FailedLogins: 3, NewListeners: 1, NewProcesses: 0, SuspiciousExecs: 0,
		SeverityCounts: map[string]int{"INFO": 10, "WARN": 3, "HIGH": 1},
		Baseline:       map[string]any{"failed_logins": map[string]any{"ratio": 1.2}},
		Drivers:        []map[string]any{{"category": "auth", "score": 24.0, "percent": 60.0}},
		NewChanges:     []string{"new listener on 0.0.0.0:4444"},
		ResolvedChanges: []string{},
		DailyBrief:     map[string]any{"delta_vs_7d_avg": 5.0},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDailyMetricScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"org_id", "device_id", "day", "risk_score", "raw_score",
		"failed_logins", "new_listeners", "new_processes", "suspicious_execs",
		"severity_counts", "baseline", "drivers", "new_changes", "resolved_changes", "daily_brief",
	}).AddRow("org-1", "device-1", "2026-07-30", 42, 12.5,
		3, 1, 0, 0,
		[]byte(`{"INFO":10}`), []byte(`{}`), []byte(`[]`), []byte(`[]`), []byte(`[]`), []byte(`{}`))
	mock.ExpectQuery("SELECT org_id, device_id, day, risk_score, raw_score").WillReturnRows(rows)

	s := New(db)
	m, err := s.GetDailyMetric(context.Background(), "org-1", "device-1", "2026-07-30")
	require.NoError(t, err)
	require.Equal(t, 42, m.RiskScore)
	require.Equal(t, 10, m.SeverityCounts["INFO"])
	require.NoError(t, mock.ExpectationsWereMet())
}
