// Package builder turns extracted feature batches into state spans and
// edges. The transform is deterministic: identical batch, config, and model
// version produce identical IDs and embeddings on every run, which is what
// makes replay idempotent and results reproducible. Plugins form a closed
// set selected by name — no dynamic loading.
package builder

import (
	"context"
	"errors"
	"fmt"

	"statetape/internal/config"
	"statetape/internal/evidence"
	"statetape/internal/identity"
	"statetape/internal/tape"
)

var (
	// ErrUnknownPlugin reports a builder name outside the closed set.
	ErrUnknownPlugin = errors.New("builder: unknown plugin")
	// ErrInvalidWindow reports a fixed window length outside [3000,10000]ms.
	ErrInvalidWindow = errors.New("builder: window length out of range")
	// ErrNotPermitted reports a run attempted while heavy work is vetoed.
	ErrNotPermitted = errors.New("builder: heavy work not permitted")
)

// Builder is a state-building plugin. Process returns the spans and edges
// derived from one batch; it never persists anything itself. Cancellation
// is honored between windows: a cancelled context returns the results built
// so far together with the context error.
type Builder interface {
	PluginID() string
	PluginVersion() string
	// ConfigHash is the hash of the plugin's identity-bearing config
	// surface; it participates in every derived ID.
	ConfigHash() string
	Process(ctx context.Context, batch *ExtractBatch) ([]*evidence.StateSpan, []*evidence.StateEdge, error)
}

// New selects a plugin by configured name.
func New(cfg config.BuilderConfig) (Builder, error) {
	switch cfg.Plugin {
	case jepaPluginID:
		return newJepaLike(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, cfg.Plugin)
	}
}

// hashSurface is the exact config surface that feeds the builder's config
// hash. Field set and JSON names are a pinned contract: adding, removing,
// or renaming one changes every derived ID, exactly as a semantic config
// change should. The tape schema version rides along so a storage contract
// bump also re-derives. Model version deliberately stays out — it is a
// separate element of the identity tuple.
type hashSurface struct {
	EmbeddingDim       int     `json:"embedding_dim"`
	MaxEvidencePerSpan int     `json:"max_evidence_per_span"`
	Projection         string  `json:"projection"`
	SchemaVersion      int     `json:"schema_version"`
	TextWeight         float64 `json:"text_weight"`
	VisionWeight       float64 `json:"vision_weight"`
	WindowMode         string  `json:"window_mode"`
	WindowMs           int64   `json:"window_ms"`
}

// ConfigHashFor computes the identity-bearing hash of a builder config.
func ConfigHashFor(cfg config.BuilderConfig) (string, error) {
	return identity.ConfigHash(hashSurface{
		EmbeddingDim:       cfg.EmbeddingDim,
		MaxEvidencePerSpan: cfg.MaxEvidencePerSpan,
		Projection:         cfg.Projection,
		SchemaVersion:      tape.SchemaVersion,
		TextWeight:         cfg.TextWeight,
		VisionWeight:       cfg.VisionWeight,
		WindowMode:         cfg.WindowMode,
		WindowMs:           cfg.WindowMs,
	})
}
