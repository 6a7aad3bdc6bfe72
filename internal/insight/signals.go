package insight

import (
	"strings"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// suspiciousExecSubstrings are lower-cased path fragments flagging an exec
// as suspicious (§4.7 "suspicious_execs").
var suspiciousExecSubstrings = []string{
	"/tmp/", "/private/tmp/", `\appdata\local\temp\`, `\temp\`,
}

// deriveSignals computes the four per-day counters for day from the full
// day-bucketed event set.
func deriveSignals(byDay map[string][]wire.Event, day time.Time) Signals {
	today := byDay[dayKey(day, 0)]
	yesterday := byDay[dayKey(day, -1)]

	return Signals{
		FailedLogins:    countFailedLogins(today),
		NewListeners:    len(setDiff(listenerIdentities(today), listenerIdentities(yesterday))),
		NewProcesses:    len(setDiff(processIdentities(today), processIdentities(yesterday))),
		SuspiciousExecs: countSuspiciousExecs(today),
	}
}

func countFailedLogins(events []wire.Event) int {
	n := 0
	for _, ev := range events {
		if isFailedLoginEvent(ev) {
			n++
		}
	}
	return n
}

// isFailedLoginEvent matches §4.7's failed_logins definition: title
// contains "failed" (case-insensitive), or event_type is failed_login, or
// the event is AUTH-sourced with WARN/HIGH severity.
func isFailedLoginEvent(ev wire.Event) bool {
	if strings.Contains(strings.ToLower(ev.Title), "failed") {
		return true
	}
	if detailString(ev.Details, "event_type") == "failed_login" {
		return true
	}
	if ev.Source == wire.SourceAuth && (ev.Severity == wire.SeverityWarn || ev.Severity == wire.SeverityHigh) {
		return true
	}
	return false
}

func countSuspiciousExecs(events []wire.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Source != wire.SourceProcess {
			continue
		}
		exe := strings.ToLower(detailString(ev.Details, "exe"))
		if exe == "" {
			continue
		}
		for _, frag := range suspiciousExecSubstrings {
			if strings.Contains(exe, frag) {
				n++
				break
			}
		}
	}
	return n
}

// listenerIdentities returns the ip:port set of network-sourced events.
func listenerIdentities(events []wire.Event) map[string]bool {
	set := make(map[string]bool)
	for _, ev := range events {
		if ev.Source != wire.SourceNetwork {
			continue
		}
		id := detailString(ev.Details, "listener")
		if id == "" {
			continue
		}
		set[id] = true
	}
	return set
}

// processIdentities returns the name|exe set of process-sourced events.
func processIdentities(events []wire.Event) map[string]bool {
	set := make(map[string]bool)
	for _, ev := range events {
		if ev.Source != wire.SourceProcess {
			continue
		}
		name := detailString(ev.Details, "process_name")
		exe := detailString(ev.Details, "exe")
		if name == "" && exe == "" {
			continue
		}
		set[name+"|"+exe] = true
	}
	return set
}

func setDiff(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}

// detailString fetches a string value from a details map, tolerating a
// malformed (nil or wrong-typed) map per §4.7's "malformed details maps are
// tolerated" failure semantics.
func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	v, ok := details[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
