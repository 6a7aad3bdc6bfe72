package insight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

func TestRiskScoreAlwaysInRange(t *testing.T) {
	byDay := map[string][]wire.Event{}
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	cases := [][]wire.Event{
		nil,
		{mustEv(t, wire.SourceAuth, wire.SeverityHigh, "x")},
		{
			mustEv(t, wire.SourceAuth, wire.SeverityHigh, "x"),
			mustEv(t, wire.SourceAuth, wire.SeverityHigh, "y"),
			mustEv(t, wire.SourceAuth, wire.SeverityHigh, "z"),
		},
	}
	for _, today := range cases {
		score := computeRiskScore(byDay, day, weightedScore(today))
		require.GreaterOrEqual(t, score, 0)
		require.LessOrEqual(t, score, 100)
	}
}

func TestRiskScoreFlooredAt30WhenHistoryIsQuiet(t *testing.T) {
	byDay := map[string][]wire.Event{}
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	today := []wire.Event{mustEv(t, wire.SourceAuth, wire.SeverityWarn, "x")} // raw=3
	score := computeRiskScore(byDay, day, weightedScore(today))
	require.Equal(t, int(100*3.0/30), score)
}
