package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rangecache.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Chunk.Target)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 7*time.Second, cfg.SetupTimeout)
	assert.Equal(t, "$.createdAt", cfg.Codec.CreatedAt)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
data_dir     = "/srv/cache"
batch_size   = 20
debounce_min = "1s"
debounce_max = "2s"

chunk {
  min    = 5
  target = 15
}

codec {
  id = "$.uuid"
}
`)
	t.Setenv("RANGECACHE_BATCH_SIZE", "25")
	t.Setenv("RANGECACHE_CHUNK_MAX", "20")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/cache", cfg.DataDir)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.DebounceMin)
	assert.Equal(t, 5, cfg.Chunk.Min)
	assert.Equal(t, 15, cfg.Chunk.Target)
	assert.Equal(t, 20, cfg.Chunk.Max)
	assert.Equal(t, "$.uuid", cfg.Codec.ID)
	assert.Equal(t, "$.updatedAt", cfg.Codec.UpdatedAt)
	assert.Equal(t, filepath.Join("/srv/cache", "cache.db"), cfg.StorePath())
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, `poll_interval = "soon"`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "poll_interval")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min above target", func(c *Config) { c.Chunk.Min = 31 }},
		{"target above max", func(c *Config) { c.Chunk.Target = 41 }},
		{"zero min", func(c *Config) { c.Chunk.Min = 0 }},
		{"debounce inverted", func(c *Config) { c.DebounceMin = time.Minute }},
		{"no batch", func(c *Config) { c.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
