package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetsentry/endpointmon/internal/wire"
)

func TestPersistenceCollectorEmitsOnePerEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.plist"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helper.plist"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	c := NewPersistenceCollector(Options{})
	c.Dirs = []string{dir}

	events := c.Collect(context.Background())
	require.Len(t, events, 2)
	for _, ev := range events {
		require.Equal(t, wire.SeverityInfo, ev.Severity)
	}
}

func TestPersistenceCollectorRespectsCap(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i))+".plist"), []byte("x"), 0644))
	}

	c := NewPersistenceCollector(Options{MaxEvents: 2})
	c.Dirs = []string{dir}

	events := c.Collect(context.Background())
	require.Len(t, events, 2)
}

func TestPersistenceCollectorToleratesMissingDir(t *testing.T) {
	c := NewPersistenceCollector(Options{})
	c.Dirs = []string{filepath.Join(t.TempDir(), "does-not-exist")}

	events := c.Collect(context.Background())
	require.Empty(t, events)
}
