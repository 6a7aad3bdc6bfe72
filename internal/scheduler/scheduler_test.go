package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/fleetsentry/endpointmon/internal/insight"
	"github.com/fleetsentry/endpointmon/internal/server/queue"
	"github.com/fleetsentry/endpointmon/internal/server/store"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

var fixedNow = time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

func testScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *store.Store, *queue.Queue) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	q := queue.New(nil, 8)
	s := New(Options{
		Store:       st,
		Queue:       q,
		Workers:     1,
		TaskTimeout: time.Second,
		GCInterval:  time.Minute,
		Clock:       func() time.Time { return fixedNow },
	})
	return s, mock, st, q
}

func TestProcessRecomputesAndPersistsBundle(t *testing.T) {
	s, mock, _, _ := testScheduler(t)

	rows := sqlmock.NewRows([]string{"ts", "source", "severity", "platform", "title", "details"}).
		AddRow(fixedNow.Add(-time.Hour), "auth", "HIGH", "linux", "failed login for root", []byte(`{}`))
	mock.ExpectQuery("SELECT ts, source, severity, platform, title, details FROM events").
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO daily_metrics").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, count FROM insights").
		WillReturnRows(sqlmock.NewRows([]string{"id", "count"}))
	mock.ExpectExec("INSERT INTO insights").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s.process(context.Background(), queue.Task{OrgID: "org-1", DeviceID: "device-1"})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessSkipsWhenNoEvents(t *testing.T) {
	s, mock, _, _ := testScheduler(t)

	mock.ExpectQuery("SELECT ts, source, severity, platform, title, details FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"ts", "source", "severity", "platform", "title", "details"}))

	s.process(context.Background(), queue.Task{OrgID: "org-1", DeviceID: "device-1"})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessDropsTaskForSameDeviceAlreadyInFlight(t *testing.T) {
	s, _, _, _ := testScheduler(t)

	lock := s.lockFor("org-1/device-1")
	require.True(t, lock.TryLock())
	defer lock.Unlock()

	// process should return immediately without touching the store, since
	// the lock is already held; no sqlmock expectations are registered so
	// any query attempt would fail the test via ExpectationsWereMet below
	// in a fuller harness. Here we just assert it doesn't deadlock.
	done := make(chan struct{})
	go func() {
		s.process(context.Background(), queue.Task{OrgID: "org-1", DeviceID: "device-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("process blocked instead of dropping the coalesced task")
	}
}

func TestDailyMetricFromBundleMapsSignalsAndDrivers(t *testing.T) {
	events := []wire.Event{
		{
			Timestamp: fixedNow.Add(-time.Hour),
			Source:    wire.Source("auth"),
			Severity:  wire.Severity("HIGH"),
			Platform:  wire.Platform("linux"),
			Title:     "failed login for root",
			Details:   map[string]any{},
		},
	}
	bundle, err := insight.Compute(events, fixedNow)
	require.NoError(t, err)

	m := dailyMetricFromBundle("org-1", "device-1", bundle)
	require.Equal(t, "org-1", m.OrgID)
	require.Equal(t, "device-1", m.DeviceID)
	require.Equal(t, bundle.RiskScore, m.RiskScore)
	require.Equal(t, bundle.Signals.FailedLogins, m.FailedLogins)
	require.Len(t, m.Drivers, len(bundle.Drivers))
}
