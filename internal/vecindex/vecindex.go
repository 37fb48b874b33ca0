// Package vecindex provides similarity search over span embeddings. Two
// implementations sit behind the Index interface: an exact in-memory scan
// (linear) and a snapshot-file variant that queries an immutable, atomically
// swapped structure (snapshot). Both enforce the staleness guard: entries
// whose model_version differs from the query's are invisible, never scored.
package vecindex

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"statetape/internal/config"
	"statetape/internal/embedding"
	"statetape/internal/evidence"
	"statetape/internal/identity"
	"statetape/internal/tape"
)

// Hit is one scored match.
type Hit struct {
	StateID string
	Score   float64
}

// Filters narrows a query by span metadata before scoring. Zero values
// match everything.
type Filters struct {
	SessionID string
	TimeRange *[2]int64
	App       string
}

// Index is the similarity-search surface consumed by retrieval and fed by
// the builder's runner.
type Index interface {
	Index(spans []*evidence.StateSpan) (int, error)
	Query(ctx context.Context, emb []float32, modelVersion string, f Filters, k int) ([]Hit, error)
}

// Open builds the configured index implementation, hydrated from the store.
func Open(ctx context.Context, cfg *config.Config, store *tape.Store, log *zap.Logger) (Index, error) {
	switch cfg.Index.Kind {
	case "", "linear":
		return NewLinear(ctx, store, log)
	case "snapshot":
		return OpenSnapshot(ctx, store, cfg.SnapshotDir(), log)
	default:
		return nil, fmt.Errorf("vecindex: unknown index kind %q", cfg.Index.Kind)
	}
}

// entry is one indexed span. The same shape serializes into snapshot files,
// so field changes are format changes.
type entry struct {
	StateID       string    `json:"state_id"`
	SessionID     string    `json:"session_id"`
	App           string    `json:"app"`
	TsStartMs     int64     `json:"ts_start_ms"`
	TsEndMs       int64     `json:"ts_end_ms"`
	ModelVersion  string    `json:"model_version"`
	EmbeddingHash string    `json:"embedding_hash"`
	Vector        []float32 `json:"vector"`
}

func entryFor(span *evidence.StateSpan) (entry, error) {
	vec, err := embedding.Decode(span.Embedding)
	if err != nil {
		return entry{}, fmt.Errorf("failed to decode embedding for %s: %w", span.StateID, err)
	}
	return entry{
		StateID:       span.StateID,
		SessionID:     span.SessionID,
		App:           span.Summary.App,
		TsStartMs:     span.TsStartMs,
		TsEndMs:       span.TsEndMs,
		ModelVersion:  span.Provenance.ModelVersion,
		EmbeddingHash: identity.EmbeddingHash(span.Embedding.Data),
		Vector:        vec,
	}, nil
}

func (e *entry) matches(f Filters) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.App != "" && e.App != f.App {
		return false
	}
	if f.TimeRange != nil && (e.TsEndMs < f.TimeRange[0] || e.TsStartMs > f.TimeRange[1]) {
		return false
	}
	return true
}

// scan scores every visible entry and returns the top k. Ties break on
// state_id so identical queries rank identically.
func scan(emb []float32, modelVersion string, f Filters, k int, lists ...[]entry) []Hit {
	hits := make([]Hit, 0, k)
	for _, entries := range lists {
		for i := range entries {
			e := &entries[i]
			if e.ModelVersion != modelVersion {
				continue
			}
			if !e.matches(f) {
				continue
			}
			score, err := embedding.Cosine(emb, e.Vector)
			if err != nil {
				continue
			}
			hits = append(hits, Hit{StateID: e.StateID, Score: clampScore(score)})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].StateID < hits[j].StateID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func validateQuery(emb []float32, k int) error {
	if len(emb) == 0 {
		return fmt.Errorf("vecindex: empty query embedding")
	}
	if k < 1 {
		return fmt.Errorf("vecindex: k must be >= 1, got %d", k)
	}
	return nil
}
