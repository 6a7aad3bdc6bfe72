package insight

import (
	"sort"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// maxChangeTitles caps the emitted new/resolved change lists (§4.7 "Change
// deltas").
const maxChangeTitles = 10

// computeChangeDeltas fingerprints today's and yesterday's WARN+HIGH
// events and reports which titles are new today and which resolved from
// yesterday, each sorted ascending and capped at 10.
func computeChangeDeltas(byDay map[string][]wire.Event, day time.Time) (newChanges, resolvedChanges []string) {
	today := significantEvents(byDay[dayKey(day, 0)])
	yesterday := significantEvents(byDay[dayKey(day, -1)])

	todayPrints := fingerprintTitles(today)
	yesterdayPrints := fingerprintTitles(yesterday)

	newChanges = diffTitles(todayPrints, yesterdayPrints)
	resolvedChanges = diffTitles(yesterdayPrints, todayPrints)
	return newChanges, resolvedChanges
}

func significantEvents(events []wire.Event) []wire.Event {
	var out []wire.Event
	for _, ev := range events {
		if ev.Severity == wire.SeverityWarn || ev.Severity == wire.SeverityHigh {
			out = append(out, ev)
		}
	}
	return out
}

// fingerprintTitles maps each event's fingerprint to its title, so a
// later set-diff over fingerprints can report human-readable titles.
func fingerprintTitles(events []wire.Event) map[string]string {
	out := make(map[string]string, len(events))
	for _, ev := range events {
		out[eventFingerprint(ev)] = ev.Title
	}
	return out
}

func diffTitles(a, b map[string]string) []string {
	var titles []string
	for fp, title := range a {
		if _, ok := b[fp]; !ok {
			titles = append(titles, title)
		}
	}
	sort.Strings(titles)
	if len(titles) > maxChangeTitles {
		titles = titles[:maxChangeTitles]
	}
	return titles
}
