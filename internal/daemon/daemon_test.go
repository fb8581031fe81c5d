package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argon-foss/krypton/internal/config"
	"github.com/argon-foss/krypton/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		API:   config.APIConfig{Host: "127.0.0.1", Port: 8080, Key: "node-key-1"},
		Panel: config.PanelConfig{URL: "http://panel.test"},
		Storage: config.StorageConfig{
			DataDir:    filepath.Join(dir, "data"),
			VolumesDir: filepath.Join(dir, "volumes"),
		},
	}
}

func TestNewFailsWhenLockHeld(t *testing.T) {
	logger.Init(false)
	cfg := testConfig(t)

	require.NoError(t, os.MkdirAll(cfg.Storage.DataDir, 0o755))
	held := flock.New(cfg.Storage.LockPath())
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	_, err = New(context.Background(), Options{Config: cfg, Version: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	// The storage directories are created even when startup fails, so a
	// second attempt starts from a sane disk layout.
	assert.DirExists(t, cfg.Storage.VolumesDir)
	assert.DirExists(t, cfg.Storage.LogsDir())
}

func TestNewFailsWhenDataDirUncreatable(t *testing.T) {
	logger.Init(false)
	cfg := testConfig(t)

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.Storage.DataDir = filepath.Join(blocker, "data")

	_, err := New(context.Background(), Options{Config: cfg, Version: "test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create directory")
}
