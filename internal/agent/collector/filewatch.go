package collector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

const filewatchBufferCap = 256

// FilewatchCollector is the one stateful collector: it persists a per-path
// last-modified snapshot to a state file and emits filewatch_new_path /
// filewatch_modified_path on diff (§4.2). Once Start is called it also runs a
// background fsnotify observer goroutine (§5) whose only communication
// with the main cycle is a bounded buffer drained on Collect; buffer
// overflow drops the oldest pending notification.
type FilewatchCollector struct {
	WatchPaths []string
	StatePath  string

	mu       sync.Mutex
	snapshot map[string]time.Time

	watcher *fsnotify.Watcher
	buf     chan fsnotify.Event
	done    chan struct{}
}

func NewFilewatchCollector(watchPaths []string, statePath string) *FilewatchCollector {
	c := &FilewatchCollector{
		WatchPaths: watchPaths,
		StatePath:  statePath,
		snapshot:   map[string]time.Time{},
		buf:        make(chan fsnotify.Event, filewatchBufferCap),
	}
	c.loadSnapshot()
	return c
}

// Start loads the persisted snapshot and launches the background observer.
// Safe to call once; Stop releases the watcher.
func (c *FilewatchCollector) Start() error {
	c.loadSnapshot()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range c.WatchPaths {
		_ = watcher.Add(p)
	}
	c.watcher = watcher
	c.done = make(chan struct{})

	go c.observe()
	return nil
}

func (c *FilewatchCollector) observe() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			select {
			case c.buf <- ev:
			default:
				// Buffer full: drop the oldest pending notification to
				// make room, then enqueue the new one.
				select {
				case <-c.buf:
				default:
				}
				select {
				case c.buf <- ev:
				default:
				}
			}
		case <-c.watcher.Errors:
			// Watcher-level errors are not surfaced as events; the next
			// Collect call still reports based on the on-disk snapshot.
		case <-c.done:
			return
		}
	}
}

func (c *FilewatchCollector) Stop() {
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	if c.done != nil {
		close(c.done)
	}
}

func (c *FilewatchCollector) Collect(ctx context.Context) []wire.Event {
	c.drainBuffer()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var events []wire.Event
	seen := map[string]bool{}

	for _, root := range c.WatchPaths {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			seen[path] = true
			prev, existed := c.snapshot[path]
			modTime := info.ModTime()

			if !existed {
				c.snapshot[path] = modTime
				ev, ok := mustEvent(now, wire.SourceFilewatch, wire.SeverityInfo,
					"filewatch_new_path: "+path,
					map[string]any{"path": path})
				if ok {
					events = append(events, ev)
				}
				return nil
			}
			if modTime.After(prev) {
				c.snapshot[path] = modTime
				ev, ok := mustEvent(now, wire.SourceFilewatch, wire.SeverityWarn,
					"filewatch_modified_path: "+path,
					map[string]any{"path": path})
				if ok {
					events = append(events, ev)
				}
			}
			return nil
		})
	}

	c.saveSnapshot()
	return events
}

func (c *FilewatchCollector) drainBuffer() {
	for {
		select {
		case <-c.buf:
		default:
			return
		}
	}
}

type filewatchState struct {
	Snapshot map[string]time.Time `json:"snapshot"`
}

func (c *FilewatchCollector) loadSnapshot() {
	if c.StatePath == "" {
		return
	}
	data, err := os.ReadFile(c.StatePath)
	if err != nil {
		return
	}
	var state filewatchState
	if err := json.Unmarshal(data, &state); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.Snapshot != nil {
		c.snapshot = state.Snapshot
	}
}

func (c *FilewatchCollector) saveSnapshot() {
	if c.StatePath == "" {
		return
	}
	data, err := json.Marshal(filewatchState{Snapshot: c.snapshot})
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(c.StatePath), 0700)
	_ = os.WriteFile(c.StatePath, data, 0600)
}
