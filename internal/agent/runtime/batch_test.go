package runtime

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

func mkEvent(t *testing.T, title string) wire.Event {
	t.Helper()
	ev, err := wire.NewEvent(time.Now(), wire.SourceSystem, wire.SeverityInfo, wire.PlatformMacOS, title, nil)
	require.NoError(t, err)
	return ev
}

func TestSplitBatchesRespectsMaxEvents(t *testing.T) {
	var events []wire.Event
	for i := 0; i < 7; i++ {
		events = append(events, mkEvent(t, "event"))
	}

	batches := SplitBatches(events, 3, 0)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 3)
	require.Len(t, batches[1], 3)
	require.Len(t, batches[2], 1)
}

func TestSplitBatchesRespectsMaxBytes(t *testing.T) {
	var events []wire.Event
	for i := 0; i < 5; i++ {
		events = append(events, mkEvent(t, strings.Repeat("x", 100)))
	}

	// Small enough that only one or two events fit per batch.
	batches := SplitBatches(events, 100, 250)
	require.Greater(t, len(batches), 1)

	for _, b := range batches {
		shape := batchShape{Events: b}
		enc, err := wire.Canonical(shape)
		require.NoError(t, err)
		require.True(t, len(enc) <= 250 || len(b) == 1, "non-singleton batch must respect byte bound")
	}
}

func TestSplitBatchesEmitsOversizeSingletonAlone(t *testing.T) {
	huge := mkEvent(t, strings.Repeat("x", 1000))
	small := mkEvent(t, "tiny")

	batches := SplitBatches([]wire.Event{huge, small}, 100, 100)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 1)
	require.Equal(t, huge.Title, batches[0][0].Title)
}

func TestSplitBatchesEmptyInput(t *testing.T) {
	require.Nil(t, SplitBatches(nil, 10, 100))
}

func TestSplitBatchesPreservesOrder(t *testing.T) {
	a := mkEvent(t, "a")
	b := mkEvent(t, "b")
	c := mkEvent(t, "c")

	batches := SplitBatches([]wire.Event{a, b, c}, 1, 0)
	require.Len(t, batches, 3)
	require.Equal(t, "a", batches[0][0].Title)
	require.Equal(t, "b", batches[1][0].Title)
	require.Equal(t, "c", batches[2][0].Title)
}
