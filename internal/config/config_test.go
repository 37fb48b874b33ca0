package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "state.jepa_like.v1", cfg.Builder.Plugin)
	assert.Equal(t, "fixed", cfg.Builder.WindowMode)
	assert.Equal(t, int64(5000), cfg.Builder.WindowMs)
	assert.Equal(t, "linear", cfg.Index.Kind)
	assert.Equal(t, "extractive", cfg.Answer.Engine)
	require.NoError(t, cfg.Validate())
}

func TestLoadParsesFileAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
builder:
  window_mode: boundary
  embedding_dim: 64
retrieval:
  top_k: 3
`)
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "boundary", cfg.Builder.WindowMode)
	assert.Equal(t, 64, cfg.Builder.EmbeddingDim)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	// untouched keys keep their defaults
	assert.Equal(t, 0.7, cfg.Builder.TextWeight)
	assert.Equal(t, 1, cfg.Retrieval.MaxHops)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Run("STATETAPE_DATA_DIR moves the tree", func(t *testing.T) {
		t.Setenv("STATETAPE_DATA_DIR", "/tmp/tape-test")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/tape-test", cfg.DataDir)
		assert.Equal(t, filepath.Join("/tmp/tape-test", "tape.db"), cfg.DatabasePath())
		assert.Equal(t, filepath.Join("/tmp/tape-test", "spool"), cfg.SpoolDir())
	})

	t.Run("STATETAPE_DB wins over data dir", func(t *testing.T) {
		t.Setenv("STATETAPE_DATA_DIR", "/tmp/tape-test")
		t.Setenv("STATETAPE_DB", "/elsewhere/tape.db")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/elsewhere/tape.db", cfg.DatabasePath())
	})

	t.Run("GEMINI_API_KEY feeds the answer engine", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "test-key")
		t.Setenv("STATETAPE_ANSWER_ENGINE", "genai")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "test-key", cfg.Answer.APIKey)
		assert.Equal(t, "genai", cfg.Answer.Engine)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults pass", func(c *Config) {}, true},
		{"window too short", func(c *Config) { c.Builder.WindowMs = 1000 }, false},
		{"window too long", func(c *Config) { c.Builder.WindowMs = 60000 }, false},
		{"boundary ignores window length", func(c *Config) {
			c.Builder.WindowMode = "boundary"
			c.Builder.WindowMs = 0
		}, true},
		{"unknown window mode", func(c *Config) { c.Builder.WindowMode = "adaptive" }, false},
		{"zero weights", func(c *Config) {
			c.Builder.TextWeight = 0
			c.Builder.VisionWeight = 0
		}, false},
		{"unknown index kind", func(c *Config) { c.Index.Kind = "hnsw" }, false},
		{"snapshot index allowed", func(c *Config) { c.Index.Kind = "snapshot" }, true},
		{"negative hops", func(c *Config) { c.Retrieval.MaxHops = -1 }, false},
		{"unknown answer engine", func(c *Config) { c.Answer.Engine = "oracle" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "5m", cfg.Index.RebuildInterval)
	assert.Positive(t, cfg.RebuildInterval())
	assert.Positive(t, cfg.LatencyBudget())

	cfg.Index.RebuildInterval = "garbage"
	cfg.Retrieval.LatencyBudget = ""
	assert.Positive(t, cfg.RebuildInterval(), "falls back on parse failure")
	assert.Positive(t, cfg.LatencyBudget(), "falls back on parse failure")
}
