// Package insight derives daily anomaly, driver, and delta insights from a
// device's event history (§4.7). The engine is pure: Compute(events, day)
// always produces the same bundle for the same input, with no internal
// clock or randomness, matching the teacher's explicit-clock-parameter
// idiom for deterministic computation.
package insight

import (
	"fmt"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// dayLayout is the canonical YYYY-MM-DD bucket key.
const dayLayout = "2006-01-02"

// baselineWindowDays is the trailing window (excluding the target day) used
// to compute each signal's median baseline.
const baselineWindowDays = 14

// riskWindowDays is the trailing window (including today) used to
// normalize the risk score.
const riskWindowDays = 30

// dedupWindow is how long an identical-fingerprint insight is merged into
// the existing row instead of creating a new one.
const dedupWindow = 30 * time.Minute

// severityWeight assigns the default weights used by the risk score.
var severityWeight = map[wire.Severity]float64{
	wire.SeverityInfo: 1,
	wire.SeverityWarn: 3,
	wire.SeverityHigh: 8,
}

// Signals holds the four per-day derived counters (§4.7).
type Signals struct {
	FailedLogins    int `json:"failed_logins"`
	NewListeners    int `json:"new_listeners"`
	NewProcesses    int `json:"new_processes"`
	SuspiciousExecs int `json:"suspicious_execs"`
}

// BaselineResult is one signal's 14-day-median comparison.
type BaselineResult struct {
	Baseline       float64 `json:"baseline"`
	Today          float64 `json:"today"`
	Ratio          float64 `json:"ratio"`
	Classification string  `json:"classification"` // normal | elevated | anomalous
}

// Driver is one category's share of the day's weighted risk.
type Driver struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	Percent  float64 `json:"percent"`
}

// Insight is one emitted anomaly/driver/delta finding (§3 "Insight"),
// pre-dedup; persistence applies the fingerprint+window merge rule.
type Insight struct {
	Type        string         `json:"type"` // anomaly | driver | delta
	Source      string         `json:"source"`
	Severity    wire.Severity  `json:"severity"`
	Title       string         `json:"title"`
	Explanation string         `json:"explanation"`
	Evidence    map[string]any `json:"evidence"`
	Fingerprint string         `json:"fingerprint"`
	Status      string         `json:"status"` // open | resolved
}

// DailyBrief is the human-facing rollup for the day.
type DailyBrief struct {
	DeltaVs7dAvg       float64  `json:"delta_vs_7d_avg"`
	RecommendedActions []string `json:"recommended_actions"`
}

// Bundle is the engine's full output for one (org, device, day).
type Bundle struct {
	Day         string                     `json:"day"`
	RiskScore   int                        `json:"risk_score"`
	RawScore    float64                    `json:"raw_score"`
	Signals     Signals                    `json:"signals"`
	Baseline    map[string]BaselineResult  `json:"baseline"`
	Drivers     []Driver                   `json:"drivers"`
	NewChanges  []string                   `json:"new_changes"`
	ResolvedChanges []string               `json:"resolved_changes"`
	Insights    []Insight                  `json:"insights"`
	Anomalies   []string                   `json:"anomalies"`
	TopDriver   string                     `json:"top_driver"`
	Brief       DailyBrief                 `json:"brief"`
}

// ErrNoEvents is returned when Compute is given zero events: §4.7
// "Failure semantics" requires callers treat this as "no bundle today,"
// not a crash.
var ErrNoEvents = fmt.Errorf("insight: no events supplied")

// Compute derives the full bundle for day (a UTC calendar date) from
// events spanning at least the trailing 31 days ending on day. Events
// outside that window are ignored; events need not be pre-sorted.
func Compute(events []wire.Event, day time.Time) (Bundle, error) {
	if len(events) == 0 {
		return Bundle{}, ErrNoEvents
	}

	day = day.UTC().Truncate(24 * time.Hour)
	byDay := bucketByDay(events)

	todayKey := day.Format(dayLayout)
	today := byDay[todayKey]

	signals := deriveSignals(byDay, day)
	baseline := computeBaseline(byDay, day)
	rawScore := weightedScore(today)
	riskScore := computeRiskScore(byDay, day, rawScore)
	drivers := computeDrivers(today)
	newChanges, resolvedChanges := computeChangeDeltas(byDay, day)
	insights := emitInsights(signals, baseline, drivers, newChanges, resolvedChanges)
	brief := computeBrief(byDay, day, riskScore, signals, drivers, newChanges)

	anomalies := make([]string, 0, 4)
	for _, ins := range insights {
		if ins.Type != "anomaly" {
			continue
		}
		anomalies = append(anomalies, ins.Title)
		if len(anomalies) == 4 {
			break
		}
	}

	topDriver := "none"
	if len(drivers) > 0 {
		topDriver = drivers[0].Category
	}

	return Bundle{
		Day:             todayKey,
		RiskScore:       riskScore,
		RawScore:        rawScore,
		Signals:         signals,
		Baseline:        baseline,
		Drivers:         drivers,
		NewChanges:      newChanges,
		ResolvedChanges: resolvedChanges,
		Insights:        insights,
		Anomalies:       anomalies,
		TopDriver:       topDriver,
		Brief:           brief,
	}, nil
}

// bucketByDay groups events into UTC calendar-day buckets keyed by
// dayLayout.
func bucketByDay(events []wire.Event) map[string][]wire.Event {
	buckets := make(map[string][]wire.Event)
	for _, ev := range events {
		key := ev.Timestamp.UTC().Format(dayLayout)
		buckets[key] = append(buckets[key], ev)
	}
	return buckets
}

func dayKey(day time.Time, offset int) string {
	return day.AddDate(0, 0, offset).Format(dayLayout)
}
