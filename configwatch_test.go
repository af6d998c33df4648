package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchConfigFiresOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.conf")
	require.NoError(t, os.WriteFile(path, []byte("[a]\nk = 1\n"), 0o644))

	changed := make(chan struct{}, 4)
	cleanup, err := watchConfig(context.Background(), path, 10*time.Millisecond, func() {
		changed <- struct{}{}
	})
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	// Let the watcher settle before touching the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[a]\nk = 2\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("config change never observed")
	}
}

func TestWatchConfigIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.conf")
	require.NoError(t, os.WriteFile(path, []byte("[a]\nk = 1\n"), 0o644))

	changed := make(chan struct{}, 4)
	cleanup, err := watchConfig(context.Background(), path, 10*time.Millisecond, func() {
		changed <- struct{}{}
	})
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.conf"), []byte("x"), 0o644))

	select {
	case <-changed:
		t.Fatal("unrelated file triggered the watch")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchConfigMissingDir(t *testing.T) {
	_, err := watchConfig(context.Background(), "/no/such/dir/file.conf", time.Millisecond, func() {})
	require.Error(t, err)
}
