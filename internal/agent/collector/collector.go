// Package collector implements the agent's per-source event collectors
// (§4.2). Each collector exposes one operation, Collect, that is
// synchronous, bounded, and never propagates an unhandled error: internal
// failures are converted into a single system-severity WARN envelope. The
// scheduled-task collector is the exception: a missing tool, timeout or
// non-zero exit yields an empty result.
package collector

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

// Collector produces events from one observation source.
type Collector interface {
	Collect(ctx context.Context) []wire.Event
}

// Options configures the deny-list/unusual-path classifiers and per-source
// caps shared across collectors, sourced from agent config.
type Options struct {
	DenyProcessNames []string
	UnusualExecPaths []string
	MaxEvents        int
}

func currentPlatform() wire.Platform {
	if runtime.GOOS == "windows" {
		return wire.PlatformWindows
	}
	return wire.PlatformMacOS
}

// failureEvent builds the single system-severity WARN envelope a collector
// emits instead of propagating an error, naming the collector and an
// error-class label.
func failureEvent(collectorName, errClass string, err error) wire.Event {
	ev, buildErr := wire.NewEvent(
		time.Now(),
		wire.SourceSystem,
		wire.SeverityWarn,
		currentPlatform(),
		fmt.Sprintf("%s collector failure: %s", collectorName, errClass),
		map[string]any{
			"collector": collectorName,
			"error":     errClass,
			"detail":    err.Error(),
		},
	)
	if buildErr != nil {
		// Title construction can only fail on length; the literal above is
		// always within bounds, so this is unreachable in practice.
		return wire.Event{
			Timestamp: time.Now().UTC(),
			Source:    wire.SourceSystem,
			Severity:  wire.SeverityWarn,
			Platform:  currentPlatform(),
			Title:     "collector failure",
		}
	}
	return ev
}

func mustEvent(ts time.Time, source wire.Source, severity wire.Severity, title string, details map[string]any) (wire.Event, bool) {
	ev, err := wire.NewEvent(ts, source, severity, currentPlatform(), title, details)
	if err != nil {
		return wire.Event{}, false
	}
	return ev, true
}
