package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Server.Port)
	assert.Equal(t, ".", cfg.Tree.Root)
	assert.Equal(t, []string{".git", ".patchd"}, cfg.Tree.Ignore)
	assert.Equal(t, 1024*1024, cfg.Fetch.MaxChunkSize)
	assert.Equal(t, 2, cfg.Fetch.CompressionLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "0.0.0.0:10000", cfg.Addr())
	assert.Equal(t, "production", cfg.Environment)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
tree:
  root: /srv/data
  workers: 2
fetch:
  compression_level: 4
watch:
  debounce: 2s
log_level: debug
`), 0o644))

	t.Setenv("PATCHD_SERVER_HOST", "127.0.0.1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "/srv/data", cfg.Tree.Root)
	assert.Equal(t, 2, cfg.Tree.Workers)
	assert.Equal(t, 4, cfg.Fetch.CompressionLevel)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 256, cfg.Fetch.CacheSize)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port", `{"server": {"port": 70000}}`},
		{"compression level", `{"fetch": {"compression_level": 9}}`},
		{"chunk size", `{"fetch": {"max_chunk_size": 0}}`},
		{"workers", `{"tree": {"workers": -1}}`},
		{"environment", `{"environment": "staging"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
