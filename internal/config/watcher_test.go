package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w, err := NewWatcher(dir)
	require.NoError(t, err)
	defer w.Stop()

	fired := make(chan struct{}, 1)
	w.SetReloadCallback(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(path, []byte(`{"primaryKey":"id"}`), 0o644))

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestWatcherIgnoresNonJSON(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	require.NoError(t, err)
	defer w.Stop()

	fired := make(chan struct{}, 1)
	w.SetReloadCallback(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte(`x`), 0o644))

	select {
	case <-fired:
		t.Fatal("callback fired for non-json file")
	case <-time.After(time.Second):
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir())
	require.NoError(t, err)
	w.Stop()
	assert.NotPanics(t, w.Stop)
}
