package collector

import (
	"fmt"
	"strings"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// FailedLoginSpike inspects a cycle's auth events for a failed-login burst
// and, when the threshold is met, returns a single synthetic
// failed_login_spike event (§4.2 final paragraph). It returns (Event{},
// false) when no spike condition is met.
//
// windowSeconds is the observation window the count is attributed to (the
// agent's cycle interval in practice).
func FailedLoginSpike(events []wire.Event, threshold int, windowSeconds int) (wire.Event, bool) {
	if threshold <= 0 {
		threshold = 5
	}

	count := 0
	for _, ev := range events {
		if ev.Source != wire.SourceAuth {
			continue
		}
		if strings.Contains(strings.ToLower(ev.Title), "failed") || detailsEventType(ev) == "failed_login" {
			count++
		}
	}

	if count < threshold {
		return wire.Event{}, false
	}

	severity := wire.SeverityWarn
	if count >= 2*threshold {
		severity = wire.SeverityHigh
	}

	ratePerMinute := 0.0
	if windowSeconds > 0 {
		ratePerMinute = float64(count) / (float64(windowSeconds) / 60.0)
	}

	ev, ok := mustEvent(time.Now(), wire.SourceAuth, severity,
		fmt.Sprintf("failed_login_spike: %d failed logins", count),
		map[string]any{
			"event_type":     "failed_login_spike",
			"observed_count": count,
			"threshold":      threshold,
			"window_seconds": windowSeconds,
			"rate_per_min":   ratePerMinute,
		})
	if !ok {
		return wire.Event{}, false
	}
	return ev, true
}

func detailsEventType(ev wire.Event) string {
	if ev.Details == nil {
		return ""
	}
	v, _ := ev.Details["event_type"].(string)
	return v
}
