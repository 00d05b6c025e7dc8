package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Routing.TopK)
	assert.Equal(t, 0.85, cfg.Routing.ProgramThreshold)
	assert.Equal(t, 0.80, cfg.Routing.ProjectThreshold)
	assert.Equal(t, 0.80, cfg.Routing.LoopThreshold)
	assert.Equal(t, 0.05, cfg.Routing.TieMargin)
	assert.Equal(t, 30, cfg.Weights.DecayWindowDays)
	assert.Equal(t, 4.0, cfg.Lifecycle.PromoteThreshold)
	assert.False(t, cfg.Sweep.AutoPromote)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval.Duration())
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 384, cfg.Embeddings.Dimension)
	assert.Equal(t, "loops", cfg.NATS.SubjectPrefix)
}

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
routing:
  top_k: 5
  program_threshold: 0.9
weights:
  decay_window_days: 14
sweep:
  enabled: true
  interval: 15m
  auto_promote: true
store:
  driver: memory
embeddings:
  provider: tei
  base_url: http://tei:8080
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Routing.TopK)
	assert.Equal(t, 0.9, cfg.Routing.ProgramThreshold)
	assert.Equal(t, 0.80, cfg.Routing.ProjectThreshold)
	assert.Equal(t, 14, cfg.Weights.DecayWindowDays)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.Interval.Duration())
	assert.True(t, cfg.Sweep.AutoPromote)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "http://tei:8080", cfg.Embeddings.BaseURL)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("LOOPD_ROUTING_TOP_K", "7")
	t.Setenv("LOOPD_LIFECYCLE_PROMOTE_THRESHOLD", "2.5")
	t.Setenv("LOOPD_STORE_DRIVER", "memory")

	cfg, err := LoadBytes([]byte("routing:\n  top_k: 4\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Routing.TopK)
	assert.Equal(t, 2.5, cfg.Lifecycle.PromoteThreshold)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Routing.ProjectThreshold = 1.2 }},
		{"top k zero", func(c *Config) { c.Routing.TopK = 0 }},
		{"unknown store", func(c *Config) { c.Store.Driver = "postgres" }},
		{"unknown vector store", func(c *Config) { c.VectorStore.Provider = "pinecone" }},
		{"openai without key", func(c *Config) { c.Embeddings.Provider = "openai" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"no workers", func(c *Config) { c.Weights.Workers = 0 }},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "loopd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")

	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := LoadWithFile(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Routing.TopK)
	})

	t.Run("reads file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0600))
		cfg, err := LoadWithFile(path)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
	})

	t.Run("rejects world readable file", func(t *testing.T) {
		require.NoError(t, os.Chmod(path, 0644))
		_, err := LoadWithFile(path)
		assert.ErrorContains(t, err, "insecure config file permissions")
	})

	t.Run("rejects path outside config dirs", func(t *testing.T) {
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "config.yaml"))
		assert.ErrorContains(t, err, "config path validation failed")
	})
}

func TestSecretRedacted(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))
	assert.Equal(t, "sk-live-123", s.Value())
}

func TestExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/loopd")
	p, err := ExpandPath("~/.config/loopd/loopd.db")
	require.NoError(t, err)
	assert.Equal(t, "/home/loopd/.config/loopd/loopd.db", p)

	p, err = ExpandPath("/var/lib/loopd.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/loopd.db", p)
}
