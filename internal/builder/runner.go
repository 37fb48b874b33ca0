package builder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"statetape/internal/evidence"
	"statetape/internal/identity"
	"statetape/internal/logging"
	"statetape/internal/tape"
)

// Indexer receives spans as they are appended. Satisfied by the vector
// index; nil disables index feeding (the index rehydrates from the store
// on next open anyway).
type Indexer interface {
	Index(spans []*evidence.StateSpan) (int, error)
}

// Result summarizes one Run.
type Result struct {
	SpansAppended int
	SpansSkipped  int
	EdgesAppended int
}

// Runner is the tape's single writer: it drives Process, consults the
// build cache to skip windows that were already derived under the same
// identity tuple, appends what remains, and feeds the vector index. All
// writes go through here; everything else only reads.
type Runner struct {
	store   *tape.Store
	builder Builder
	index   Indexer
	log     *zap.Logger
}

func NewRunner(store *tape.Store, b Builder, index Indexer, log *zap.Logger) *Runner {
	return &Runner{store: store, builder: b, index: index, log: logging.OrNop(log)}
}

// Run derives and persists one batch. The permit is the externally-owned
// "heavy work allowed" signal: when false, Run returns ErrNotPermitted
// without touching anything, and the caller leaves the batch spooled for a
// later attempt. A failed or cancelled build persists nothing; replay is
// idempotent, so retrying the same batch is always safe.
func (r *Runner) Run(ctx context.Context, batch *ExtractBatch, permit bool) (*Result, error) {
	if !permit {
		return nil, ErrNotPermitted
	}

	spans, edges, err := r.builder.Process(ctx, batch)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var appended []*evidence.StateSpan
	for _, span := range spans {
		key := cacheKeyFor(&span.Provenance)
		hit, err := r.store.HasCacheKey(ctx, key)
		if err != nil {
			return res, err
		}
		if hit {
			res.SpansSkipped++
			continue
		}
		inserted, err := r.store.AppendSpan(ctx, span)
		if err != nil {
			return res, err
		}
		if err := r.store.RecordCacheKey(ctx, key, span.StateID); err != nil {
			return res, err
		}
		if !inserted {
			// Span predates the cache ledger; recorded now, nothing new.
			res.SpansSkipped++
			continue
		}
		appended = append(appended, span)
		res.SpansAppended++
	}

	for _, edge := range edges {
		inserted, err := r.store.AppendEdge(ctx, edge)
		if err != nil {
			return res, err
		}
		if inserted {
			res.EdgesAppended++
		}
	}

	if r.index != nil && len(appended) > 0 {
		if _, err := r.index.Index(appended); err != nil {
			return res, fmt.Errorf("failed to index appended spans: %w", err)
		}
	}

	r.log.Info("batch built",
		zap.String("session_id", batch.SessionID),
		zap.Int("spans_appended", res.SpansAppended),
		zap.Int("spans_skipped", res.SpansSkipped),
		zap.Int("edges_appended", res.EdgesAppended))
	return res, nil
}

// cacheKeyFor reconstructs a span's cache key from its provenance: same
// identity tuple, same key.
func cacheKeyFor(p *evidence.ProvenanceRecord) string {
	return identity.CacheKey(p.ProducerPluginID, p.ProducerPluginVersion, p.ModelVersion, p.ConfigHash, p.InputArtifactIDs)
}
