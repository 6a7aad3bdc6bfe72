package insight

import (
	"math"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// briefPriorDays is the trailing window averaged for delta_vs_7d_avg.
const briefPriorDays = 7

// computeBrief builds the daily brief: the risk-score delta against the
// prior week's average, and up to 3 priority-ordered recommended actions
// (§4.7 "Daily brief").
func computeBrief(byDay map[string][]wire.Event, day time.Time, riskScore int, signals Signals, drivers []Driver, newChanges []string) DailyBrief {
	var sum float64
	for offset := 1; offset <= briefPriorDays; offset++ {
		priorDay := day.AddDate(0, 0, -offset)
		priorRaw := weightedScore(byDay[dayKey(priorDay, 0)])
		sum += float64(computeRiskScore(byDay, priorDay, priorRaw))
	}
	avg := sum / briefPriorDays
	delta := roundTo(float64(riskScore)-avg, 2)

	topDriver := ""
	if len(drivers) > 0 {
		topDriver = drivers[0].Category
	}

	var actions []string
	if signals.FailedLogins > 0 {
		actions = append(actions, "review failed logins")
	}
	if len(actions) < 3 && signals.NewListeners > 0 {
		actions = append(actions, "validate new listeners")
	}
	if len(actions) < 3 && signals.SuspiciousExecs > 0 {
		actions = append(actions, "investigate suspicious execs")
	}
	if len(actions) < 3 && topDriver == "process" {
		actions = append(actions, "reconcile new-process inventory")
	}
	if len(actions) < 3 && len(newChanges) > 0 {
		actions = append(actions, "validate high-severity changes")
	}
	if len(actions) > 3 {
		actions = actions[:3]
	}
	if len(actions) == 0 {
		actions = []string{"maintain baseline and monitor"}
	}

	return DailyBrief{
		DeltaVs7dAvg:       delta,
		RecommendedActions: actions,
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
