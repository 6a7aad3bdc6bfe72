package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetsentry/endpointmon/infrastructure/testutil"
	"github.com/fleetsentry/endpointmon/internal/agent/collector"
	"github.com/fleetsentry/endpointmon/internal/agent/spool"
	"github.com/fleetsentry/endpointmon/internal/wire"
)

type stubCollector struct {
	events []wire.Event
}

func (s stubCollector) Collect(ctx context.Context) []wire.Event { return s.events }

func newTestSpool(t *testing.T) *spool.Spool {
	t.Helper()
	s, err := spool.Open(context.Background(), t.TempDir()+"/spool.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEvent(t *testing.T, title string) wire.Event {
	t.Helper()
	ev, err := wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo, wire.PlatformMacOS, title, nil)
	require.NoError(t, err)
	return ev
}

func TestCycleRunSendsAndMarksSent(t *testing.T) {
	srv := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wire.NewIngestResponse(1, 0, time.Now()))
	}))
	defer srv.Close()

	s := newTestSpool(t)
	sender := NewSender(Identity{
		ServerURL:    srv.URL,
		OrgID:        "org-1",
		DeviceID:     "device-1",
		APIKey:       []byte("key"),
		AgentVersion: "test",
	}, 5*time.Second)

	cycle := &Cycle{
		Collectors:    []collector.Collector{stubCollector{events: []wire.Event{newTestEvent(t, "e1")}}},
		Spool:         s,
		Sender:        sender,
		MaxBatchSize:  10,
		MaxBatchBytes: 0,
		SpoolMax:      100,
		DueBatchLimit: 10,
	}

	result := cycle.Run(context.Background())
	require.Equal(t, 1, result.Collected)
	require.Equal(t, 1, result.Queued)
	require.Equal(t, 1, result.Sent)
	require.Equal(t, 0, result.Failed)
	require.Equal(t, 0, result.SpoolDepth)
}

func TestCycleRunMarksFailedOnTransportError(t *testing.T) {
	s := newTestSpool(t)
	sender := NewSender(Identity{
		ServerURL:    "http://127.0.0.1:1", // nothing listens here
		OrgID:        "org-1",
		DeviceID:     "device-1",
		APIKey:       []byte("key"),
		AgentVersion: "test",
	}, 500*time.Millisecond)

	cycle := &Cycle{
		Collectors:    []collector.Collector{stubCollector{events: []wire.Event{newTestEvent(t, "e1")}}},
		Spool:         s,
		Sender:        sender,
		MaxBatchSize:  10,
		SpoolMax:      100,
		DueBatchLimit: 10,
	}

	result := cycle.Run(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.SpoolDepth, "failed batch must remain spooled for retry")
}

func TestCycleRunDropsPoisonPill(t *testing.T) {
	s := newTestSpool(t)
	sender := NewSender(Identity{
		ServerURL:    "http://example.invalid",
		OrgID:        "org-1",
		DeviceID:     "device-1",
		APIKey:       []byte("key"),
		AgentVersion: "test",
	}, time.Second)

	huge, err := wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo, wire.PlatformMacOS, "oversize",
		map[string]any{"payload": strings.Repeat("x", maxBuildableBytes)})
	require.NoError(t, err)

	cycle := &Cycle{
		Collectors:    []collector.Collector{stubCollector{events: []wire.Event{huge}}},
		Spool:         s,
		Sender:        sender,
		MaxBatchSize:  10,
		SpoolMax:      100,
		DueBatchLimit: 10,
	}

	result := cycle.Run(context.Background())
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 0, result.SpoolDepth, "poison pill must be removed from the spool, not retried forever")
}
