package collector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

const (
	defaultAuthCap = 50
	authLogTimeout = 10 * time.Second
)

// AuthCollector scans the platform authentication log for failures
// (macOS: `log show` predicate scan; Windows: Security event log scan for
// event id 4625). A scan failure emits one warning envelope rather than a
// hard error (§4.2 "Auth").
type AuthCollector struct {
	Opts Options
}

func NewAuthCollector(opts Options) *AuthCollector {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultAuthCap
	}
	return &AuthCollector{Opts: opts}
}

func (c *AuthCollector) Collect(ctx context.Context) []wire.Event {
	if runtime.GOOS == "windows" {
		return c.collectWindows(ctx)
	}
	return c.collectMacOS(ctx)
}

func (c *AuthCollector) collectMacOS(ctx context.Context) []wire.Event {
	out, ok := runWithTimeout(ctx, authLogTimeout, "log", "show",
		"--predicate", `eventMessage contains "authentication" and eventMessage contains "failed"`,
		"--style", "compact", "--last", "1h")
	if !ok {
		return []wire.Event{c.unavailable(nil)}
	}
	return c.parseLines(out, "failed authentication: ")
}

func (c *AuthCollector) collectWindows(ctx context.Context) []wire.Event {
	out, ok := runWithTimeout(ctx, authLogTimeout, "wevtutil", "qe", "Security",
		"/q:*[System[(EventID=4625)]]", "/f:text", "/c:"+strconv.Itoa(defaultAuthCap))
	if !ok {
		return []wire.Event{c.unavailable(nil)}
	}
	return c.parseLines(out, "failed logon (4625): ")
}

func (c *AuthCollector) parseLines(out []byte, titlePrefix string) []wire.Event {
	now := time.Now()
	var events []wire.Event
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if len(events) >= c.Opts.MaxEvents {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, ok := mustEvent(now, wire.SourceAuth, wire.SeverityWarn,
			titlePrefix+line,
			map[string]any{"event_type": "failed_login"})
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

func (c *AuthCollector) unavailable(err error) wire.Event {
	detail := "scan unavailable"
	if err != nil {
		detail = err.Error()
	}
	ev, ok := mustEvent(time.Now(), wire.SourceSystem, wire.SeverityWarn,
		"auth_collection_unavailable",
		map[string]any{"detail": detail})
	if !ok {
		return failureEvent("auth", "unavailable", errors.New(detail))
	}
	return ev
}
