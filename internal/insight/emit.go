package insight

import (
	"fmt"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// driverPercentThreshold is the WARN/INFO cutoff for driver insights.
const driverPercentThreshold = 40.0

// emitInsights builds the anomaly, driver, and delta insights for one day
// per §4.7 "Insight emission".
func emitInsights(signals Signals, baseline map[string]BaselineResult, drivers []Driver, newChanges, resolvedChanges []string) []Insight {
	var out []Insight

	out = append(out, anomalyInsights(signals, baseline)...)
	out = append(out, driverInsights(drivers)...)
	out = append(out, deltaInsights(newChanges, resolvedChanges)...)
	return out
}

func anomalyInsights(signals Signals, baseline map[string]BaselineResult) []Insight {
	var out []Insight
	// Fixed order keeps output deterministic regardless of map iteration.
	metrics := []string{"failed_logins", "new_listeners", "new_processes", "suspicious_execs"}
	for _, metric := range metrics {
		b, ok := baseline[metric]
		if !ok || b.Classification == "normal" {
			continue
		}
		severity := wire.SeverityWarn
		if b.Classification == "anomalous" {
			severity = wire.SeverityHigh
		}
		title := fmt.Sprintf("%s is %.1fx above 14-day median", metric, b.Ratio)
		evidence := map[string]any{
			"metric":         metric,
			"classification": b.Classification,
		}
		out = append(out, Insight{
			Type:        "anomaly",
			Source:      "baseline",
			Severity:    severity,
			Title:       title,
			Explanation: fmt.Sprintf("%s observed %.0f today against a 14-day median of %.1f", metric, b.Today, b.Baseline),
			Evidence:    evidence,
			Fingerprint: fingerprint("baseline", title, evidence),
			Status:      "open",
		})
	}
	return out
}

func driverInsights(drivers []Driver) []Insight {
	var out []Insight
	for i, d := range drivers {
		if i >= 2 || d.Percent <= 0 {
			break
		}
		severity := wire.SeverityInfo
		if d.Percent >= driverPercentThreshold {
			severity = wire.SeverityWarn
		}
		title := fmt.Sprintf("%s accounts for %.0f%% of today's risk", d.Category, d.Percent)
		evidence := map[string]any{
			"metric":         d.Category,
			"classification": "driver",
		}
		out = append(out, Insight{
			Type:        "driver",
			Source:      d.Category,
			Severity:    severity,
			Title:       title,
			Explanation: fmt.Sprintf("%s contributed a weighted score of %.1f (%.0f%% of total)", d.Category, d.Score, d.Percent),
			Evidence:    evidence,
			Fingerprint: fingerprint("driver", title, evidence),
			Status:      "open",
		})
	}
	return out
}

func deltaInsights(newChanges, resolvedChanges []string) []Insight {
	var out []Insight
	for _, title := range newChanges {
		evidence := map[string]any{"change": title}
		out = append(out, Insight{
			Type:        "delta",
			Source:      "change",
			Severity:    wire.SeverityWarn,
			Title:       title,
			Explanation: "new high-severity event observed today that was not present yesterday",
			Evidence:    evidence,
			Fingerprint: fingerprint("delta", title, evidence),
			Status:      "open",
		})
	}
	for _, title := range resolvedChanges {
		evidence := map[string]any{"change": title}
		out = append(out, Insight{
			Type:        "delta",
			Source:      "change",
			Severity:    wire.SeverityInfo,
			Title:       title,
			Explanation: "high-severity event present yesterday no longer observed today",
			Evidence:    evidence,
			Fingerprint: fingerprint("delta", title, evidence),
			Status:      "resolved",
		})
	}
	return out
}
