package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

func TestFilewatchCollectorEmitsNewPathOnFirstSight(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watched.txt"), []byte("v1"), 0644))

	statePath := filepath.Join(t.TempDir(), "state.json")
	c := NewFilewatchCollector([]string{dir}, statePath)

	events := c.Collect(context.Background())
	require.Len(t, events, 1)
	require.Contains(t, events[0].Title, "filewatch_new_path")
	require.Equal(t, wire.SourceFilewatch, events[0].Source)
}

func TestFilewatchCollectorEmitsModifiedOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	statePath := filepath.Join(t.TempDir(), "state.json")
	c := NewFilewatchCollector([]string{dir}, statePath)

	first := c.Collect(context.Background())
	require.Len(t, first, 1)

	time.Sleep(10 * time.Millisecond)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	second := c.Collect(context.Background())
	require.Len(t, second, 1)
	require.Contains(t, second[0].Title, "filewatch_modified_path")
}

func TestFilewatchCollectorNoChangeNoEvent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watched.txt"), []byte("v1"), 0644))

	statePath := filepath.Join(t.TempDir(), "state.json")
	c := NewFilewatchCollector([]string{dir}, statePath)

	_ = c.Collect(context.Background())
	second := c.Collect(context.Background())
	require.Empty(t, second)
}

func TestFilewatchCollectorPersistsSnapshotAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watched.txt"), []byte("v1"), 0644))
	statePath := filepath.Join(t.TempDir(), "state.json")

	first := NewFilewatchCollector([]string{dir}, statePath)
	events := first.Collect(context.Background())
	require.Len(t, events, 1)

	second := NewFilewatchCollector([]string{dir}, statePath)
	events = second.Collect(context.Background())
	require.Empty(t, events, "restarting the agent should not re-report an already-seen path")
}
