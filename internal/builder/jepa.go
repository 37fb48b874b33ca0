package builder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"statetape/internal/config"
	"statetape/internal/embedding"
	"statetape/internal/evidence"
	"statetape/internal/identity"
)

const (
	jepaPluginID      = "state.jepa_like.v1"
	jepaPluginVersion = "1.0.0"

	minWindowMs = 3000
	maxWindowMs = 10000

	topEntityCount = 5
)

// jepaLike is the baseline plugin: windowed pooling of text and vision
// features into one embedding per window, plus transition edges whose
// pred_error measures how far consecutive embeddings drifted. The name
// nods at joint-embedding predictive architectures; the mechanics here are
// deliberately simple and exactly reproducible.
type jepaLike struct {
	windowMode   string
	windowMs     int64
	maxEvidence  int
	textWeight   float32
	visionWeight float32
	engine       embedding.Engine
	configHash   string

	// now stamps provenance. Wall clock by default; injectable because
	// created_ts_ms is metadata, never identity.
	now func() int64
}

func newJepaLike(cfg config.BuilderConfig) (*jepaLike, error) {
	switch cfg.WindowMode {
	case "fixed":
		if cfg.WindowMs < minWindowMs || cfg.WindowMs > maxWindowMs {
			return nil, fmt.Errorf("%w: %dms (valid %d-%d)", ErrInvalidWindow, cfg.WindowMs, minWindowMs, maxWindowMs)
		}
	case "boundary":
	default:
		return nil, fmt.Errorf("unsupported window_mode %q (use 'fixed' or 'boundary')", cfg.WindowMode)
	}
	if cfg.MaxEvidencePerSpan <= 0 {
		return nil, fmt.Errorf("max_evidence_per_span must be positive, got %d", cfg.MaxEvidencePerSpan)
	}

	hash, err := ConfigHashFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to hash builder config: %w", err)
	}
	engine, err := embedding.NewEngine(embedding.Config{
		Projection: cfg.Projection,
		Dim:        cfg.EmbeddingDim,
		ConfigHash: hash,
	})
	if err != nil {
		return nil, err
	}

	return &jepaLike{
		windowMode:   cfg.WindowMode,
		windowMs:     cfg.WindowMs,
		maxEvidence:  cfg.MaxEvidencePerSpan,
		textWeight:   float32(cfg.TextWeight),
		visionWeight: float32(cfg.VisionWeight),
		engine:       engine,
		configHash:   hash,
		now:          func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (b *jepaLike) PluginID() string      { return jepaPluginID }
func (b *jepaLike) PluginVersion() string { return jepaPluginVersion }
func (b *jepaLike) ConfigHash() string    { return b.configHash }

// Process derives spans and edges from one batch. Empty batches produce
// nothing. Each window that yields at least one evidence ref becomes a
// span; consecutive emitted spans are joined by an edge. A window with no
// usable evidence emits nothing at all — an evidence-less span cannot
// exist, so it is not built.
func (b *jepaLike) Process(ctx context.Context, batch *ExtractBatch) ([]*evidence.StateSpan, []*evidence.StateEdge, error) {
	if batch == nil || len(batch.States) == 0 {
		return nil, nil, nil
	}
	if batch.SessionID == "" {
		return nil, nil, fmt.Errorf("batch has no session_id")
	}
	for i := range batch.States {
		if batch.States[i].TsMs < 0 {
			return nil, nil, fmt.Errorf("state %s has negative ts_ms %d", batch.States[i].ArtifactID, batch.States[i].TsMs)
		}
	}

	states := make([]ExtractState, len(batch.States))
	copy(states, batch.States)
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].TsMs != states[j].TsMs {
			return states[i].TsMs < states[j].TsMs
		}
		return states[i].ArtifactID < states[j].ArtifactID
	})

	var spans []*evidence.StateSpan
	var edges []*evidence.StateEdge
	var prev *evidence.StateSpan
	var prevVec []float32

	for _, win := range b.partition(states) {
		// Cancellation boundary: never inside a window.
		if err := ctx.Err(); err != nil {
			return spans, edges, err
		}

		span, vec := b.buildSpan(batch.SessionID, win)
		if span == nil {
			continue
		}
		if prev != nil {
			edges = append(edges, b.buildEdge(prev, span, prevVec, vec))
		}
		spans = append(spans, span)
		prev, prevVec = span, vec
	}
	return spans, edges, nil
}

// window groups the states observed during one interval.
type window struct {
	startMs int64
	endMs   int64
	states  []ExtractState
}

func (b *jepaLike) partition(states []ExtractState) []window {
	if b.windowMode == "boundary" {
		return partitionBoundary(states)
	}
	return partitionFixed(states, b.windowMs)
}

// partitionFixed buckets states into [k*w, (k+1)*w) intervals. Only
// non-empty buckets become windows; span bounds are the bucket bounds, not
// the observed extremes, so the same config always yields the same grid.
func partitionFixed(states []ExtractState, windowMs int64) []window {
	var windows []window
	for _, st := range states {
		bucket := st.TsMs / windowMs
		start := bucket * windowMs
		if n := len(windows); n > 0 && windows[n-1].startMs == start {
			windows[n-1].states = append(windows[n-1].states, st)
			continue
		}
		windows = append(windows, window{startMs: start, endMs: start + windowMs, states: []ExtractState{st}})
	}
	return windows
}

// partitionBoundary starts a new window whenever the app or window title
// changes. Bounds are observed: [first ts, max(ts+duration)), widened to a
// millisecond when a window holds a single instantaneous state.
func partitionBoundary(states []ExtractState) []window {
	var windows []window
	for i, st := range states {
		if i == 0 || st.App != states[i-1].App || st.WindowTitle != states[i-1].WindowTitle {
			windows = append(windows, window{startMs: st.TsMs, states: nil})
		}
		n := len(windows) - 1
		windows[n].states = append(windows[n].states, st)
		end := st.TsMs + st.DurationMs
		if end > windows[n].endMs {
			windows[n].endMs = end
		}
	}
	for i := range windows {
		if windows[i].endMs <= windows[i].startMs {
			windows[i].endMs = windows[i].startMs + 1
		}
	}
	return windows
}

// buildSpan pools one window into a span. Returns (nil, nil) when the
// window has no states carrying citable coordinates.
func (b *jepaLike) buildSpan(sessionID string, win window) (*evidence.StateSpan, []float32) {
	var used []ExtractState
	for _, st := range win.states {
		if st.ArtifactID == "" || st.MediaID == "" || st.ContentHash == "" {
			continue
		}
		used = append(used, st)
	}
	if len(used) == 0 {
		return nil, nil
	}

	refs := make([]evidence.EvidenceRef, 0, len(used))
	artifacts := make([]string, 0, len(used))
	var textParts []string
	for _, st := range used {
		artifacts = append(artifacts, st.ArtifactID)
		refs = append(refs, refFor(st))
		if st.Text != "" {
			textParts = append(textParts, st.Text)
		}
	}
	evidence.SortRefs(refs)
	if len(refs) > b.maxEvidence {
		refs = refs[:b.maxEvidence]
	}
	sort.Strings(artifacts)
	artifacts = dedupeSorted(artifacts)

	vec := b.pool(used, textParts)
	stateID := identity.SpanID(jepaPluginID, jepaPluginVersion, b.engine.ModelVersion(), b.configHash, artifacts)

	span := &evidence.StateSpan{
		StateID:   stateID,
		SessionID: sessionID,
		TsStartMs: win.startMs,
		TsEndMs:   win.endMs,
		Embedding: embedding.Encode(vec),
		Summary: evidence.SpanSummary{
			App:             dominantApp(used),
			WindowTitleHash: identity.ContentHash("window_title", dominantTitle(used)),
			TopEntities:     topEntities(textParts, topEntityCount),
		},
		Evidence:   refs,
		Provenance: b.provenance(artifacts),
	}
	return span, vec
}

// pool computes z for a window: weighted sum of the text term (mean of
// feature-hashed tokens) and the vision term (mean of per-state region
// projections, falling back to the content hash as a single feature), then
// L2 normalization, then an f16 round trip so the in-memory vector equals
// the persisted one bit for bit.
func (b *jepaLike) pool(used []ExtractState, textParts []string) []float32 {
	dim := b.engine.Dim()

	textVec := b.engine.EmbedText(embedding.Tokenize(strings.Join(textParts, " ")))

	visionVec := make([]float32, dim)
	scale := float32(1) / float32(len(used))
	for _, st := range used {
		var sv []float32
		if len(st.RegionEmbeddings) > 0 {
			sv = b.engine.ProjectRegions(st.RegionEmbeddings)
		} else {
			sv = b.engine.EmbedFeature(st.ContentHash)
		}
		for i, v := range sv {
			visionVec[i] += v * scale
		}
	}

	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = b.textWeight*textVec[i] + b.visionWeight*visionVec[i]
	}
	embedding.Normalize(vec)
	return embedding.Roundtrip(vec)
}

// buildEdge derives the transition between two consecutive emitted spans.
// Delta is a component-wise difference of the quantized vectors with no
// renormalization; pred_error is 1 − cosine, clamped against float fuzz.
func (b *jepaLike) buildEdge(from, to *evidence.StateSpan, fromVec, toVec []float32) *evidence.StateEdge {
	delta := make([]float32, len(toVec))
	for i := range delta {
		delta[i] = toVec[i] - fromVec[i]
	}

	// Same engine produced both vectors, so the length check cannot fail.
	cos, _ := embedding.Cosine(toVec, fromVec)
	predError := 1 - cos
	if predError < 0 {
		predError = 0
	}
	if predError > 2 {
		predError = 2
	}

	refs := mergeRefs(from.Evidence, to.Evidence, b.maxEvidence)
	inputs := []string{from.StateID, to.StateID}

	return &evidence.StateEdge{
		EdgeID:         identity.EdgeID(jepaPluginID, jepaPluginVersion, b.engine.ModelVersion(), b.configHash, inputs),
		FromStateID:    from.StateID,
		ToStateID:      to.StateID,
		DeltaEmbedding: embedding.Encode(delta),
		PredError:      predError,
		Evidence:       refs,
		Provenance:     b.provenance(inputs),
	}
}

func (b *jepaLike) provenance(inputs []string) evidence.ProvenanceRecord {
	return evidence.ProvenanceRecord{
		ProducerPluginID:      jepaPluginID,
		ProducerPluginVersion: jepaPluginVersion,
		ModelID:               b.engine.ModelID(),
		ModelVersion:          b.engine.ModelVersion(),
		ConfigHash:            b.configHash,
		InputArtifactIDs:      inputs,
		CreatedTsMs:           b.now(),
	}
}

func refFor(st ExtractState) evidence.EvidenceRef {
	end := st.TsMs + st.DurationMs
	if end < st.TsMs {
		end = st.TsMs
	}
	ref := evidence.EvidenceRef{
		MediaID:          st.MediaID,
		TsStartMs:        st.TsMs,
		TsEndMs:          end,
		ContentHash:      st.ContentHash,
		RedactionApplied: st.RedactionApplied,
	}
	if st.FrameIndex != nil {
		v := *st.FrameIndex
		ref.FrameIndex = &v
	}
	if st.Text != "" {
		ref.TextSpan = &evidence.TextSpan{Start: 0, End: len(st.Text)}
	}
	return ref
}

// mergeRefs unions two evidence lists, dedups by citation coordinates,
// re-sorts, and caps.
func mergeRefs(a, b []evidence.EvidenceRef, limit int) []evidence.EvidenceRef {
	seen := make(map[evidence.DedupKey]struct{}, len(a)+len(b))
	merged := make([]evidence.EvidenceRef, 0, len(a)+len(b))
	for _, ref := range append(append([]evidence.EvidenceRef{}, a...), b...) {
		key := ref.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, ref)
	}
	evidence.SortRefs(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func dedupeSorted(ids []string) []string {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// dominantApp picks the window's app by frequency, ties broken
// lexicographically so the choice never depends on iteration order.
func dominantApp(states []ExtractState) string {
	return dominant(states, func(st ExtractState) string { return st.App })
}

func dominantTitle(states []ExtractState) string {
	return dominant(states, func(st ExtractState) string { return st.WindowTitle })
}

func dominant(states []ExtractState, key func(ExtractState) string) string {
	counts := make(map[string]int)
	for _, st := range states {
		counts[key(st)]++
	}
	best := ""
	bestCount := -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

// topEntities ranks tokens across the window's text by frequency, ties
// broken lexicographically, and keeps the first n.
func topEntities(textParts []string, n int) []string {
	counts := make(map[string]int)
	for _, part := range textParts {
		for _, tok := range embedding.Tokenize(part) {
			counts[tok]++
		}
	}
	tokens := make([]string, 0, len(counts))
	for tok := range counts {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > n {
		tokens = tokens[:n]
	}
	return tokens
}
