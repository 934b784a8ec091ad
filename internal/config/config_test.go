package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.Listen)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultWebFetchMaxBody, cfg.WebFetch.MaxBodyBytes)
	assert.Equal(t, time.Duration(DefaultWebFetchTimeout), cfg.WebFetch.Timeout.Std())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tapwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "0.0.0.0:9999"
db: "other.db"
dashboard: true
webfetch:
  timeout: 5s
  max_redirects: 2
  max_body_bytes: 1024
telemetry:
  path: "events.jsonl"
server:
  idle_timeout: 30s
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Listen)
	assert.Equal(t, "other.db", cfg.DBPath)
	assert.True(t, cfg.Dashboard)
	assert.Equal(t, 5*time.Second, cfg.WebFetch.Timeout.Std())
	assert.Equal(t, 2, cfg.WebFetch.MaxRedirects)
	assert.Equal(t, 1024, cfg.WebFetch.MaxBodyBytes)
	assert.Equal(t, "events.jsonl", cfg.Telemetry.Path)
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout.Std())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}
