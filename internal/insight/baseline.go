package insight

import (
	"sort"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// computeBaseline compares today's four signals against their 14-day
// trailing median (excluding today), classifying each as normal, elevated,
// or anomalous (§4.7 "Baseline").
func computeBaseline(byDay map[string][]wire.Event, day time.Time) map[string]BaselineResult {
	today := deriveSignals(byDay, day)

	priors := make(map[string][]float64, 4)
	for offset := 1; offset <= baselineWindowDays; offset++ {
		priorDay := day.AddDate(0, 0, -offset)
		s := deriveSignals(byDay, priorDay)
		priors["failed_logins"] = append(priors["failed_logins"], float64(s.FailedLogins))
		priors["new_listeners"] = append(priors["new_listeners"], float64(s.NewListeners))
		priors["new_processes"] = append(priors["new_processes"], float64(s.NewProcesses))
		priors["suspicious_execs"] = append(priors["suspicious_execs"], float64(s.SuspiciousExecs))
	}

	out := make(map[string]BaselineResult, 4)
	out["failed_logins"] = baselineFor(float64(today.FailedLogins), priors["failed_logins"])
	out["new_listeners"] = baselineFor(float64(today.NewListeners), priors["new_listeners"])
	out["new_processes"] = baselineFor(float64(today.NewProcesses), priors["new_processes"])
	out["suspicious_execs"] = baselineFor(float64(today.SuspiciousExecs), priors["suspicious_execs"])
	return out
}

func baselineFor(todayValue float64, priorValues []float64) BaselineResult {
	baseline := median(priorValues)
	denom := baseline
	if denom < 1 {
		denom = 1
	}
	ratio := todayValue / denom

	classification := "normal"
	switch {
	case ratio >= 3:
		classification = "anomalous"
	case ratio >= 1.5:
		classification = "elevated"
	}

	return BaselineResult{
		Baseline:       baseline,
		Today:          todayValue,
		Ratio:          ratio,
		Classification: classification,
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
