package insight

import (
	"math"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// weightedScore sums each event's severity weight (§4.7 "Risk score").
func weightedScore(events []wire.Event) float64 {
	var total float64
	for _, ev := range events {
		total += severityWeight[ev.Severity]
	}
	return total
}

// computeRiskScore normalizes today's raw weighted score against the
// maximum raw score over the trailing 30 days (including today), floored
// at 30, yielding an integer in [0,100].
func computeRiskScore(byDay map[string][]wire.Event, day time.Time, rawToday float64) int {
	maxRaw := rawToday
	for offset := 1; offset < riskWindowDays; offset++ {
		raw := weightedScore(byDay[dayKey(day, -offset)])
		if raw > maxRaw {
			maxRaw = raw
		}
	}
	if maxRaw < 30 {
		maxRaw = 30
	}

	score := 100 * rawToday / maxRaw
	if score > 100 {
		score = 100
	}
	return int(math.Round(score))
}
