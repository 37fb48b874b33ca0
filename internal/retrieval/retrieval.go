// Package retrieval runs the read-side pipeline: parse the question, embed
// it with the same engine the tape was built with, search the vector index
// under metadata filters, expand one hop along state edges for continuity,
// and compile the gate-decided evidence bundle. Stateless between calls;
// every store read in one call binds to one snapshot.
package retrieval

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"statetape/internal/builder"
	"statetape/internal/bundle"
	"statetape/internal/config"
	"statetape/internal/embedding"
	"statetape/internal/evidence"
	"statetape/internal/gate"
	"statetape/internal/logging"
	"statetape/internal/tape"
	"statetape/internal/vecindex"
)

// ErrEmptyRequest rejects requests with neither question text nor filters.
var ErrEmptyRequest = errors.New("retrieval: empty request")

// Orchestrator wires the read path. Construct once, share across calls.
type Orchestrator struct {
	store  *tape.Store
	index  vecindex.Index
	engine embedding.Engine
	rules  gate.Rules
	src    bundle.SnippetSource

	topK             int
	maxHops          int
	discount         float64
	anomalyThreshold float64
	budget           time.Duration

	log *zap.Logger
}

// NewOrchestrator builds the pipeline from configuration. The question
// embedding engine is derived from the builder config, so questions and
// spans share one vector space and one model_version.
func NewOrchestrator(cfg *config.Config, store *tape.Store, index vecindex.Index, src bundle.SnippetSource, log *zap.Logger) (*Orchestrator, error) {
	configHash, err := builder.ConfigHashFor(cfg.Builder)
	if err != nil {
		return nil, err
	}
	engine, err := embedding.NewEngine(embedding.Config{
		Projection: cfg.Builder.Projection,
		Dim:        cfg.Builder.EmbeddingDim,
		ConfigHash: configHash,
	})
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		store:            store,
		index:            index,
		engine:           engine,
		rules:            gate.RulesFromConfig(cfg.Policy),
		src:              src,
		topK:             cfg.Retrieval.TopK,
		maxHops:          cfg.Retrieval.MaxHops,
		discount:         cfg.Retrieval.ContinuityDiscount,
		anomalyThreshold: cfg.Builder.AnomalyThreshold,
		budget:           cfg.LatencyBudget(),
		log:              logging.OrNop(log),
	}, nil
}

// Retrieve answers one request with a compiled bundle. The call honors the
// latency budget: when the deadline expires mid-pipeline, the bundle built
// from work finished so far is returned (possibly with zero hits), never an
// error and never a block.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) (*bundle.QueryEvidenceBundle, error) {
	parsed := ParseQuestion(req.UserQuestion, req.Filters)
	if parsed.EmbedText == "" && parsed.App == "" && len(parsed.Entities) == 0 && req.Filters.TimeRange == nil {
		return nil, ErrEmptyRequest
	}

	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	queryID := QueryID(req)

	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, queryID, nil)
		}
		return nil, err
	}

	// A question that parsed down to pure filters embeds to the zero
	// vector; every metadata match then scores zero and ranks by state_id.
	emb := embedding.Normalize(o.engine.EmbedText(embedding.Tokenize(parsed.EmbedText)))

	hits, err := o.index.Query(ctx, emb, o.engine.ModelVersion(), vecindex.Filters{
		App:       parsed.App,
		TimeRange: req.Filters.TimeRange,
	}, o.topK)
	if err != nil {
		if ctx.Err() != nil {
			return o.finish(ctx, queryID, nil)
		}
		return nil, err
	}

	spanHits := make([]bundle.SpanHit, 0, len(hits))
	for _, h := range hits {
		if ctx.Err() != nil {
			return o.finish(ctx, queryID, spanHits)
		}
		span, err := o.store.SpanByID(ctx, h.StateID, snap)
		if err != nil {
			// The index mirrors the store, so a miss means the entry
			// came from a snapshot file the tape has rotated past.
			if errors.Is(err, tape.ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				return o.finish(ctx, queryID, spanHits)
			}
			return nil, err
		}
		spanHits = append(spanHits, bundle.SpanHit{Span: span, Score: h.Score})
	}

	if len(parsed.Entities) > 0 {
		spanHits = filterByEntities(spanHits, parsed.Entities)
	}

	spanHits = o.expand(ctx, spanHits, snap)
	dedupeEvidence(spanHits)
	spanHits = dropEvidencelessHits(spanHits)

	return o.finish(ctx, queryID, spanHits)
}

// finish gates and compiles whatever the pipeline produced. Safe to call
// with an expired context: snippet resolution degrades to none.
func (o *Orchestrator) finish(ctx context.Context, queryID string, spanHits []bundle.SpanHit) (*bundle.QueryEvidenceBundle, error) {
	decision := gate.Decide(gate.Input{
		Apps:        bundle.Apps(spanHits),
		AnyRedacted: bundle.AnyRedacted(spanHits),
		Rules:       o.rules,
	})
	b, err := bundle.Compile(ctx, queryID, spanHits, decision, o.src)
	if err != nil {
		return nil, err
	}
	o.log.Debug("retrieval finished",
		zap.String("query_id", queryID),
		zap.Int("hits", len(b.Hits)),
		zap.Bool("partial", ctx.Err() != nil))
	return b, nil
}

// expand walks state edges from each hit, both directions, up to maxHops.
// Neighbors join with the parent's score discounted once per hop. Work
// stops at the deadline; hits gathered so far stand.
func (o *Orchestrator) expand(ctx context.Context, hits []bundle.SpanHit, snap *tape.Snapshot) []bundle.SpanHit {
	if o.maxHops < 1 || len(hits) == 0 {
		return hits
	}

	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		seen[h.Span.StateID] = struct{}{}
	}

	frontier := hits
	for hop := 0; hop < o.maxHops; hop++ {
		var next []bundle.SpanHit
		for _, parent := range frontier {
			if ctx.Err() != nil {
				return hits
			}
			edges, err := o.store.EdgesTouching(ctx, parent.Span.StateID, snap)
			if err != nil {
				o.log.Debug("edge walk failed", zap.String("state_id", parent.Span.StateID), zap.Error(err))
				continue
			}
			for _, edge := range edges {
				if edge.PredError > o.anomalyThreshold {
					o.log.Debug("anomalous transition on walk",
						zap.String("edge_id", edge.EdgeID),
						zap.Float64("pred_error", edge.PredError))
				}
				neighborID := edge.ToStateID
				if neighborID == parent.Span.StateID {
					neighborID = edge.FromStateID
				}
				if _, ok := seen[neighborID]; ok {
					continue
				}
				span, err := o.store.SpanByID(ctx, neighborID, snap)
				if err != nil {
					continue
				}
				seen[neighborID] = struct{}{}
				next = append(next, bundle.SpanHit{Span: span, Score: parent.Score * o.discount})
			}
		}
		if len(next) == 0 {
			break
		}
		hits = append(hits, next...)
		frontier = next
	}
	return hits
}

// filterByEntities keeps hits whose summary top_entities cover all tokens
// of at least one requested entity.
func filterByEntities(hits []bundle.SpanHit, entities []string) []bundle.SpanHit {
	kept := hits[:0]
	for _, h := range hits {
		have := make(map[string]struct{}, len(h.Span.Summary.TopEntities))
		for _, e := range h.Span.Summary.TopEntities {
			have[e] = struct{}{}
		}
		for _, entity := range entities {
			if coversEntity(have, entity) {
				kept = append(kept, h)
				break
			}
		}
	}
	return kept
}

func coversEntity(have map[string]struct{}, entity string) bool {
	tokens := embedding.Tokenize(entity)
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if _, ok := have[tok]; !ok {
			return false
		}
	}
	return true
}

// dedupeEvidence drops refs already cited by an earlier hit, keyed by
// (media_id, ts_start_ms, ts_end_ms, frame_index). Spans here are this
// call's private copies, so trimming is safe.
func dedupeEvidence(hits []bundle.SpanHit) {
	seen := make(map[evidence.DedupKey]struct{})
	for _, h := range hits {
		kept := h.Span.Evidence[:0]
		for i := range h.Span.Evidence {
			key := h.Span.Evidence[i].Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			kept = append(kept, h.Span.Evidence[i])
		}
		h.Span.Evidence = kept
	}
}

func dropEvidencelessHits(hits []bundle.SpanHit) []bundle.SpanHit {
	kept := hits[:0]
	for _, h := range hits {
		if len(h.Span.Evidence) > 0 {
			kept = append(kept, h)
		}
	}
	return kept
}

// FlagAnomalies returns, in input order, the IDs of edges whose pred_error
// exceeds the threshold.
func FlagAnomalies(edges []*evidence.StateEdge, threshold float64) []string {
	var flagged []string
	for _, e := range edges {
		if e == nil {
			continue
		}
		if e.PredError > threshold {
			flagged = append(flagged, e.EdgeID)
		}
	}
	return flagged
}
