package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadBaseline(t *testing.T) *Manifest {
	t.Helper()
	m, err := Load(filepath.Join("testdata", "baseline.yaml"))
	require.NoError(t, err)
	require.Len(t, m.Vectors, 4)
	return m
}

func TestBaselineReplaysClean(t *testing.T) {
	m := loadBaseline(t)

	results, err := Run(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, results, len(m.Vectors))
	for _, r := range results {
		assert.True(t, r.Success, "vector %s drifted: %s want %s got %s", r.VectorID, r.Field, r.Want, r.Got)
	}
}

func TestRunFailsFastOnDrift(t *testing.T) {
	m := loadBaseline(t)
	// Corrupt the second vector; vectors after it must not run.
	m.Vectors[1].WantCacheKey = "0000000000000000000000000000000000000000000000000000000000000000"

	results, err := Run(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, results, 2, "run stops at the first mismatch")
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "want_cache_key", results[1].Field)
	assert.Equal(t, "baseline-d001-model-v2", results[1].VectorID)
}

func TestModelVersionParticipatesInCacheKey(t *testing.T) {
	m := loadBaseline(t)
	v1 := m.Vectors[0]
	v2 := m.Vectors[1]
	require.Equal(t, v1.InputArtifactIDs, v2.InputArtifactIDs)
	require.Equal(t, v1.ConfigHash, v2.ConfigHash)
	assert.NotEqual(t, v1.WantCacheKey, v2.WantCacheKey,
		"changing only model_version must change the cache key")
}

func TestRecordFreezesCurrentComputation(t *testing.T) {
	m := &Manifest{Version: 1, Vectors: []Vector{{
		ID:               "fresh",
		PluginID:         "state.jepa_like.v1",
		PluginVersion:    "1.0.0",
		ModelVersion:     "model.v1",
		ConfigHash:       "deadbeef",
		InputArtifactIDs: []string{"D001"},
	}}}

	Record(m)
	assert.Equal(t, "2ea4c53aa582bad64d0cda96d27193266974d1036a006a41a295b0041f8d407b", m.Vectors[0].WantCacheKey)
	assert.Equal(t, "e2b649fe-6c3a-569a-8d43-91540e974892", m.Vectors[0].WantStateID)

	results, err := Run(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	m := loadBaseline(t)
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, Save(path, m))

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m, again)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 99\nvectors: []\n"), 0644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "unsupported manifest version")
}

func TestEmbeddedBaselineMatchesShippedFile(t *testing.T) {
	shipped, err := os.ReadFile(filepath.Join("testdata", "baseline.yaml"))
	require.NoError(t, err)
	assert.Equal(t, shipped, BaselineManifest())
}
