package collector

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

const (
	cronTimeout    = 5 * time.Second
	schtasksTimeout = 8 * time.Second
)

// ScheduledTaskCollector invokes the platform scheduler tool (crontab -l on
// macOS, schtasks on Windows). A missing tool, timeout, or non-zero exit is
// treated as "no scheduled tasks" (empty result), not an error (§4.2
// "Scheduled tasks").
type ScheduledTaskCollector struct {
	Opts Options
}

func NewScheduledTaskCollector(opts Options) *ScheduledTaskCollector {
	return &ScheduledTaskCollector{Opts: opts}
}

func (c *ScheduledTaskCollector) Collect(ctx context.Context) []wire.Event {
	if runtime.GOOS == "windows" {
		return c.collectWindows(ctx)
	}
	return c.collectUnix(ctx)
}

func (c *ScheduledTaskCollector) collectUnix(ctx context.Context) []wire.Event {
	out, ok := runWithTimeout(ctx, cronTimeout, "crontab", "-l")
	if !ok {
		return nil
	}

	now := time.Now()
	var events []wire.Event
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ev, ok := mustEvent(now, wire.SourceSystem, wire.SeverityInfo,
			"scheduled task (cron): "+line,
			map[string]any{"entry": line})
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

func (c *ScheduledTaskCollector) collectWindows(ctx context.Context) []wire.Event {
	out, ok := runWithTimeout(ctx, schtasksTimeout, "schtasks", "/Query", "/FO", "CSV", "/NH")
	if !ok {
		return nil
	}

	now := time.Now()
	var events []wire.Event
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, ok := mustEvent(now, wire.SourceSystem, wire.SeverityInfo,
			"scheduled task: "+line,
			map[string]any{"entry": line})
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

// runWithTimeout runs name with args bounded by timeout, relative to ctx.
// Returns ok=false on missing binary, timeout, or non-zero exit — all of
// which this collector treats as "empty", not an error.
func runWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, bool) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, false
	}
	return out, true
}
