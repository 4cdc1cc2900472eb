package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data/grimoire.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Queue.MaxTries)
	assert.Equal(t, 600, cfg.Queue.HeartbeatTimeoutSec)
	assert.Equal(t, 3, cfg.Crawl.ScrollStableCycles)
	assert.Equal(t, 8091, cfg.Server.Port)
	assert.True(t, cfg.Render.Headless)
	assert.False(t, cfg.Assist.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /var/lib/grimoire/queue.db
crawl:
  batch_size: 25
server:
  port: 9000
`), 0o640))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/grimoire/queue.db", cfg.Store.Path)
	assert.Equal(t, 25, cfg.Crawl.BatchSize)
	assert.Equal(t, 9000, cfg.Server.Port)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Queue.MaxTries)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Queue.MaxTries = 0
	assert.ErrorContains(t, bad.Validate(), "queue.max_tries")

	bad = cfg
	bad.Assist.Enabled = true
	assert.ErrorContains(t, bad.Validate(), "assist.url")

	bad = cfg
	bad.Crawl.ScrollStableCycles = 50
	assert.ErrorContains(t, bad.Validate(), "scroll_stable_cycles")
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "1m0s", cfg.ReclaimInterval().String())
	assert.Equal(t, "10m0s", cfg.HeartbeatTimeout().String())
}
