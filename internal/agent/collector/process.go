package collector

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

const defaultProcessCap = 150

// ProcessCollector enumerates live processes via gopsutil, flagging
// configured deny-listed names as HIGH and unusual executable paths as
// WARN (§4.2 "Process").
type ProcessCollector struct {
	Opts Options
}

func NewProcessCollector(opts Options) *ProcessCollector {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultProcessCap
	}
	return &ProcessCollector{Opts: opts}
}

func (c *ProcessCollector) Collect(ctx context.Context) []wire.Event {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return []wire.Event{failureEvent("process", "enumerate_failed", err)}
	}

	now := time.Now()
	events := make([]wire.Event, 0, c.Opts.MaxEvents)

	for _, p := range procs {
		if len(events) >= c.Opts.MaxEvents {
			break
		}

		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)

		severity, reason := c.classify(name, exe)
		if severity == "" {
			continue
		}

		ev, ok := mustEvent(now, wire.SourceProcess, severity,
			"process "+reason+": "+name,
			map[string]any{
				"process_name": name,
				"exe":          exe,
				"pid":          p.Pid,
				"classification": reason,
			})
		if ok {
			events = append(events, ev)
		}
	}

	return events
}

func (c *ProcessCollector) classify(name, exe string) (wire.Severity, string) {
	for _, deny := range c.Opts.DenyProcessNames {
		if deny != "" && strings.EqualFold(name, deny) {
			return wire.SeverityHigh, "denylisted"
		}
	}
	lowerExe := strings.ToLower(exe)
	for _, unusual := range c.Opts.UnusualExecPaths {
		if unusual != "" && strings.Contains(lowerExe, strings.ToLower(unusual)) {
			return wire.SeverityWarn, "unusual_path"
		}
	}
	return "", ""
}
