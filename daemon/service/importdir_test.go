package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportWatcherAddsFiles(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	// Present before the watcher starts.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.txt"), []byte("early"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two\nlines.txt"), []byte("skip"), 0o644))

	w, err := NewImportWatcher(dir, f.svc, nil)
	require.NoError(t, err)
	w.Settle = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.txt"), []byte("late"), 0o644))

	names := map[string]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-f.events.Channel:
				if ev.Type == EventBundleAdded {
					names[ev.Name] = true
				}
			default:
				return names["early.txt"] && names["late.txt"]
			}
		}
	}, 5*time.Second, 20*time.Millisecond)

	assert.FileExists(t, filepath.Join(dir, ImportedDirName, "early.txt"))
	assert.FileExists(t, filepath.Join(dir, ImportedDirName, "late.txt"))
	assert.FileExists(t, filepath.Join(dir, ".hidden"))
	assert.FileExists(t, filepath.Join(dir, "two\nlines.txt"))
	assert.NotContains(t, names, "two\nlines.txt")
	assert.NoFileExists(t, filepath.Join(dir, "late.txt"))
}
