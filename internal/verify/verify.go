// Package verify replays deterministic identity computations against a
// frozen YAML manifest. Any drift between a recomputed cache key or span
// ID and its recorded value is a determinism violation, which is exactly
// the class of bug this layer may never tolerate; `tape verify` exits
// non-zero on the first mismatch and regression gating hangs off that.
package verify

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"statetape/internal/identity"
)

// Manifest is a frozen set of identity vectors.
type Manifest struct {
	Version int      `yaml:"version"`
	Vectors []Vector `yaml:"vectors"`
}

// Vector is one identity tuple plus the values it must reproduce. Empty
// want fields are skipped, so a vector can pin just the cache key.
type Vector struct {
	ID               string   `yaml:"id"`
	PluginID         string   `yaml:"plugin_id"`
	PluginVersion    string   `yaml:"plugin_version"`
	ModelVersion     string   `yaml:"model_version"`
	ConfigHash       string   `yaml:"config_hash"`
	InputArtifactIDs []string `yaml:"input_artifact_ids"`
	WantCacheKey     string   `yaml:"want_cache_key,omitempty"`
	WantStateID      string   `yaml:"want_state_id,omitempty"`
	WantEdgeID       string   `yaml:"want_edge_id,omitempty"`
}

// Result is the outcome of replaying one vector.
type Result struct {
	VectorID string
	Field    string // which want_* mismatched; empty on success
	Want     string
	Got      string
	Success  bool
}

// Load reads a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if m.Version != 1 {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// Run replays every vector in order, fail-fast: the first mismatch ends
// the run so the gate reports the earliest drift, not a summary of chaos.
func Run(ctx context.Context, m *Manifest) ([]Result, error) {
	if m == nil || len(m.Vectors) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(m.Vectors))
	for _, v := range m.Vectors {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := replay(v)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

func replay(v Vector) Result {
	res := Result{VectorID: v.ID, Success: true}

	checks := []struct {
		field string
		want  string
		got   string
	}{
		{"want_cache_key", v.WantCacheKey,
			identity.CacheKey(v.PluginID, v.PluginVersion, v.ModelVersion, v.ConfigHash, v.InputArtifactIDs)},
		{"want_state_id", v.WantStateID,
			identity.SpanID(v.PluginID, v.PluginVersion, v.ModelVersion, v.ConfigHash, v.InputArtifactIDs)},
		{"want_edge_id", v.WantEdgeID,
			identity.EdgeID(v.PluginID, v.PluginVersion, v.ModelVersion, v.ConfigHash, v.InputArtifactIDs)},
	}

	for _, c := range checks {
		if c.want == "" {
			continue
		}
		if c.got != c.want {
			return Result{VectorID: v.ID, Field: c.field, Want: c.want, Got: c.got}
		}
	}
	return res
}

// Record fills every vector's want fields from the current computation.
// Used once to freeze a baseline; a recorded manifest is then the contract
// every future run replays against.
func Record(m *Manifest) {
	for i := range m.Vectors {
		v := &m.Vectors[i]
		v.WantCacheKey = identity.CacheKey(v.PluginID, v.PluginVersion, v.ModelVersion, v.ConfigHash, v.InputArtifactIDs)
		v.WantStateID = identity.SpanID(v.PluginID, v.PluginVersion, v.ModelVersion, v.ConfigHash, v.InputArtifactIDs)
		v.WantEdgeID = identity.EdgeID(v.PluginID, v.PluginVersion, v.ModelVersion, v.ConfigHash, v.InputArtifactIDs)
	}
}

// Save writes the manifest back to disk.
func Save(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
