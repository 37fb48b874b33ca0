package builder

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statetape/internal/config"
	"statetape/internal/embedding"
	"statetape/internal/identity"
)

func newTestBuilder(t *testing.T, mutate func(*config.BuilderConfig)) *jepaLike {
	t.Helper()
	cfg := testBuilderConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := newJepaLike(cfg)
	require.NoError(t, err)
	b.now = func() int64 { return 1700000000000 }
	return b
}

func extractState(artifact string, tsMs, durationMs int64, app, title, text string) ExtractState {
	return ExtractState{
		ArtifactID:  artifact,
		MediaID:     "media-" + artifact,
		TsMs:        tsMs,
		DurationMs:  durationMs,
		App:         app,
		WindowTitle: title,
		Text:        text,
		ContentHash: "hash-" + artifact,
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	b := newTestBuilder(t, nil)

	spans, edges, err := b.Process(context.Background(), &ExtractBatch{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Nil(t, spans)
	assert.Nil(t, edges)

	spans, edges, err = b.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, spans)
	assert.Nil(t, edges)
}

func TestProcessFixedWindowing(t *testing.T) {
	b := newTestBuilder(t, nil)
	batch := &ExtractBatch{
		SessionID: "sess-1",
		States: []ExtractState{
			extractState("art-b", 2000, 500, "editor", "main.go", "package main"),
			extractState("art-a", 1000, 500, "editor", "main.go", "func main"),
			extractState("art-c", 6000, 500, "browser", "docs", "http server"),
		},
	}

	spans, edges, err := b.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	require.Len(t, edges, 1)

	first, second := spans[0], spans[1]

	// Window bounds are the fixed grid, not the observed extremes.
	assert.Equal(t, int64(0), first.TsStartMs)
	assert.Equal(t, int64(5000), first.TsEndMs)
	assert.Equal(t, int64(5000), second.TsStartMs)
	assert.Equal(t, int64(10000), second.TsEndMs)

	// Evidence in (ts_start_ms, media_id) order regardless of input order.
	require.Len(t, first.Evidence, 2)
	assert.Equal(t, "media-art-a", first.Evidence[0].MediaID)
	assert.Equal(t, "media-art-b", first.Evidence[1].MediaID)

	// IDs are re-derivable from the identity tuple.
	wantID := identity.SpanID(jepaPluginID, jepaPluginVersion, b.engine.ModelVersion(), b.configHash, []string{"art-a", "art-b"})
	assert.Equal(t, wantID, first.StateID)

	wantEdgeID := identity.EdgeID(jepaPluginID, jepaPluginVersion, b.engine.ModelVersion(), b.configHash,
		[]string{first.StateID, second.StateID})
	assert.Equal(t, wantEdgeID, edges[0].EdgeID)
	assert.Equal(t, first.StateID, edges[0].FromStateID)
	assert.Equal(t, second.StateID, edges[0].ToStateID)

	// Provenance is fully populated.
	prov := first.Provenance
	assert.Equal(t, jepaPluginID, prov.ProducerPluginID)
	assert.Equal(t, jepaPluginVersion, prov.ProducerPluginVersion)
	assert.Equal(t, "statetape.hashproj", prov.ModelID)
	assert.Equal(t, "model.v1", prov.ModelVersion)
	assert.Equal(t, b.configHash, prov.ConfigHash)
	assert.Equal(t, []string{"art-a", "art-b"}, prov.InputArtifactIDs)
	assert.Equal(t, int64(1700000000000), prov.CreatedTsMs)

	// Embeddings are persisted-form f16 at the configured dimension.
	assert.Equal(t, 16, first.Embedding.Dim)
	assert.Equal(t, "f16", first.Embedding.Dtype)
	assert.Len(t, first.Embedding.Data, 32)
}

func TestProcessBoundaryWindowing(t *testing.T) {
	b := newTestBuilder(t, func(c *config.BuilderConfig) {
		c.WindowMode = "boundary"
	})
	batch := &ExtractBatch{
		SessionID: "sess-1",
		States: []ExtractState{
			extractState("art-1", 0, 1000, "editor", "main.go", "alpha"),
			extractState("art-2", 2000, 1000, "editor", "main.go", "beta"),
			extractState("art-3", 4000, 0, "browser", "docs", "gamma"),
		},
	}

	spans, edges, err := b.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	require.Len(t, edges, 1)

	assert.Equal(t, int64(0), spans[0].TsStartMs)
	assert.Equal(t, int64(3000), spans[0].TsEndMs)
	assert.Equal(t, "editor", spans[0].Summary.App)
	assert.Equal(t, identity.ContentHash("window_title", "main.go"), spans[0].Summary.WindowTitleHash)

	// Instantaneous window widened to a millisecond.
	assert.Equal(t, int64(4000), spans[1].TsStartMs)
	assert.Equal(t, int64(4001), spans[1].TsEndMs)
	assert.Equal(t, "browser", spans[1].Summary.App)
}

func TestProcessDeterministic(t *testing.T) {
	batch := &ExtractBatch{
		SessionID: "sess-1",
		States: []ExtractState{
			extractState("art-a", 1000, 500, "editor", "main.go", "the quick brown fox"),
			extractState("art-b", 6000, 500, "editor", "main.go", "jumped over the lazy dog"),
			extractState("art-c", 12000, 500, "terminal", "zsh", "go test ./..."),
		},
	}
	batch.States[0].RegionEmbeddings = [][]float32{{0.25, -0.5, 1.0}, {0.125, 0.75}}

	b1 := newTestBuilder(t, nil)
	spans1, edges1, err := b1.Process(context.Background(), batch)
	require.NoError(t, err)

	// A fresh builder from the same config reproduces everything,
	// including IDs and embedding bytes.
	b2 := newTestBuilder(t, nil)
	spans2, edges2, err := b2.Process(context.Background(), batch)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(spans1, spans2))
	assert.Empty(t, cmp.Diff(edges1, edges2))
}

func TestProcessSkipsWindowsWithoutCitableEvidence(t *testing.T) {
	b := newTestBuilder(t, nil)

	uncitable := extractState("art-mid", 6000, 500, "editor", "main.go", "ghost")
	uncitable.MediaID = ""

	batch := &ExtractBatch{
		SessionID: "sess-1",
		States: []ExtractState{
			extractState("art-a", 1000, 500, "editor", "main.go", "alpha"),
			uncitable,
			extractState("art-c", 12000, 500, "editor", "main.go", "omega"),
		},
	}

	spans, edges, err := b.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, spans, 2)

	// The middle window emitted nothing; the chain bridges the gap.
	require.Len(t, edges, 1)
	assert.Equal(t, spans[0].StateID, edges[0].FromStateID)
	assert.Equal(t, spans[1].StateID, edges[0].ToStateID)
	assert.Equal(t, int64(10000), spans[1].TsStartMs)
}

func TestProcessCapsAndOrdersEvidence(t *testing.T) {
	b := newTestBuilder(t, nil)

	batch := &ExtractBatch{SessionID: "sess-1"}
	for i := 9; i >= 0; i-- {
		batch.States = append(batch.States,
			extractState(fmt.Sprintf("art-%02d", i), int64(1000+i*100), 50, "editor", "main.go", ""))
	}

	spans, _, err := b.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, spans, 1)

	span := spans[0]
	require.Len(t, span.Evidence, 8, "capped at max_evidence_per_span")
	for i := 1; i < len(span.Evidence); i++ {
		assert.LessOrEqual(t, span.Evidence[i-1].TsStartMs, span.Evidence[i].TsStartMs)
	}
	// The cap limits citations, not identity: all ten inputs participate.
	assert.Len(t, span.Provenance.InputArtifactIDs, 10)
	assert.IsIncreasing(t, span.Provenance.InputArtifactIDs)
}

func TestProcessCancellationBetweenWindows(t *testing.T) {
	b := newTestBuilder(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := &ExtractBatch{
		SessionID: "sess-1",
		States: []ExtractState{
			extractState("art-a", 1000, 500, "editor", "main.go", "alpha"),
		},
	}
	spans, edges, err := b.Process(ctx, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, spans)
	assert.Empty(t, edges)
}

func TestProcessRejectsNegativeTimestamps(t *testing.T) {
	b := newTestBuilder(t, nil)
	batch := &ExtractBatch{
		SessionID: "sess-1",
		States:    []ExtractState{extractState("art-a", -5, 0, "editor", "main.go", "")},
	}
	_, _, err := b.Process(context.Background(), batch)
	require.Error(t, err)
}

func TestEdgeDeltaAndPredError(t *testing.T) {
	b := newTestBuilder(t, nil)

	// Two identical windows, then a very different one.
	same1 := extractState("art-a", 1000, 500, "editor", "main.go", "alpha beta gamma")
	same2 := extractState("art-b", 6000, 500, "editor", "main.go", "alpha beta gamma")
	same2.ContentHash = same1.ContentHash
	same2.MediaID = same1.MediaID
	diff := extractState("art-c", 12000, 500, "browser", "docs", "completely unrelated words here")

	batch := &ExtractBatch{SessionID: "sess-1", States: []ExtractState{same1, same2, diff}}
	spans, edges, err := b.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, spans, 3)
	require.Len(t, edges, 2)

	// Identical inputs pool to identical vectors: no surprise.
	assert.InDelta(t, 0, edges[0].PredError, 1e-6)

	// pred_error is exactly 1 − cosine of the persisted vectors.
	for i, edge := range edges {
		fromVec, err := embedding.Decode(spans[i].Embedding)
		require.NoError(t, err)
		toVec, err := embedding.Decode(spans[i+1].Embedding)
		require.NoError(t, err)

		cos, err := embedding.Cosine(toVec, fromVec)
		require.NoError(t, err)
		want := 1 - cos
		if want < 0 {
			want = 0
		}
		assert.InDelta(t, want, edge.PredError, 1e-12)
		assert.GreaterOrEqual(t, edge.PredError, 0.0)
		assert.LessOrEqual(t, edge.PredError, 2.0)

		// Delta is the raw component-wise difference, not renormalized.
		delta, err := embedding.Decode(edge.DeltaEmbedding)
		require.NoError(t, err)
		for j := range delta {
			wantDelta := embedding.Roundtrip([]float32{toVec[j] - fromVec[j]})[0]
			assert.Equal(t, wantDelta, delta[j])
		}
	}

	// Edge evidence merges both endpoint windows, deduped and sorted.
	secondEdge := edges[1]
	require.NotEmpty(t, secondEdge.Evidence)
	assert.LessOrEqual(t, len(secondEdge.Evidence), 8)
	assert.Equal(t, []string{spans[1].StateID, spans[2].StateID}, secondEdge.Provenance.InputArtifactIDs)
}

func TestRefCoordinates(t *testing.T) {
	b := newTestBuilder(t, nil)

	frame := 4
	st := extractState("art-a", 1000, 500, "editor", "main.go", "hello world")
	st.FrameIndex = &frame
	st.RedactionApplied = true

	batch := &ExtractBatch{SessionID: "sess-1", States: []ExtractState{st}}
	spans, _, err := b.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Evidence, 1)

	ref := spans[0].Evidence[0]
	assert.Equal(t, "media-art-a", ref.MediaID)
	assert.Equal(t, int64(1000), ref.TsStartMs)
	assert.Equal(t, int64(1500), ref.TsEndMs)
	assert.True(t, ref.RedactionApplied)
	require.NotNil(t, ref.TextSpan)
	assert.Equal(t, 0, ref.TextSpan.Start)
	assert.Equal(t, len("hello world"), ref.TextSpan.End)

	// The frame index is copied, never aliased to the input.
	require.NotNil(t, ref.FrameIndex)
	frame = 99
	assert.Equal(t, 4, *ref.FrameIndex)
}
