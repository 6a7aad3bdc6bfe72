package collector

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

const defaultPersistenceCap = 80

// PersistenceCollector scans platform-specific autostart directories and
// emits one INFO event per entry found (§4.2 "Persistence").
type PersistenceCollector struct {
	Opts Options
	// Dirs overrides the platform default autostart directories; used by
	// tests. Nil means use the real platform defaults.
	Dirs []string
}

func NewPersistenceCollector(opts Options) *PersistenceCollector {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultPersistenceCap
	}
	return &PersistenceCollector{Opts: opts}
}

func (c *PersistenceCollector) dirs() []string {
	if c.Dirs != nil {
		return c.Dirs
	}
	return autostartDirs()
}

func autostartDirs() []string {
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		programData := os.Getenv("PROGRAMDATA")
		return []string{
			filepath.Join(appData, "Microsoft", "Windows", "Start Menu", "Programs", "Startup"),
			filepath.Join(programData, "Microsoft", "Windows", "Start Menu", "Programs", "Startup"),
		}
	}
	return []string{
		filepath.Join(home, "Library", "LaunchAgents"),
		filepath.Join("/Library", "LaunchAgents"),
	}
}

func (c *PersistenceCollector) Collect(ctx context.Context) []wire.Event {
	now := time.Now()
	events := make([]wire.Event, 0, c.Opts.MaxEvents)

	for _, dir := range c.dirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			// Missing/inaccessible autostart directory is not an error
			// condition worth a WARN — most hosts only have some of the
			// platform's candidate directories present.
			continue
		}
		for _, entry := range entries {
			if len(events) >= c.Opts.MaxEvents {
				return events
			}
			if entry.IsDir() {
				continue
			}
			ev, ok := mustEvent(now, wire.SourceSystem, wire.SeverityInfo,
				"autostart entry: "+entry.Name(),
				map[string]any{
					"path": filepath.Join(dir, entry.Name()),
				})
			if ok {
				events = append(events, ev)
			}
		}
	}

	return events
}
