package builder

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"statetape/internal/evidence"
	"statetape/internal/tape"
)

type fakeIndex struct {
	spans []*evidence.StateSpan
	calls int
}

func (f *fakeIndex) Index(spans []*evidence.StateSpan) (int, error) {
	f.calls++
	f.spans = append(f.spans, spans...)
	return len(spans), nil
}

func newTestRunner(t *testing.T) (*Runner, *tape.Store, *fakeIndex) {
	t.Helper()
	store, err := tape.NewStore(filepath.Join(t.TempDir(), "tape.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b := newTestBuilder(t, nil)
	idx := &fakeIndex{}
	return NewRunner(store, b, idx, zap.NewNop()), store, idx
}

func twoWindowBatch() *ExtractBatch {
	return &ExtractBatch{
		SessionID: "sess-run",
		States: []ExtractState{
			extractState("art-a", 1000, 500, "editor", "main.go", "alpha"),
			extractState("art-b", 6000, 500, "editor", "main.go", "beta"),
		},
	}
}

func TestRunNotPermitted(t *testing.T) {
	r, store, idx := newTestRunner(t)

	res, err := r.Run(context.Background(), twoWindowBatch(), false)
	require.ErrorIs(t, err, ErrNotPermitted)
	assert.Nil(t, res)
	assert.Zero(t, idx.calls)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats["state_span"])
	assert.Zero(t, stats["write_offset"])
}

func TestRunAppendsAndFeedsIndex(t *testing.T) {
	r, store, idx := newTestRunner(t)

	res, err := r.Run(context.Background(), twoWindowBatch(), true)
	require.NoError(t, err)
	assert.Equal(t, &Result{SpansAppended: 2, SpansSkipped: 0, EdgesAppended: 1}, res)

	assert.Equal(t, 1, idx.calls)
	require.Len(t, idx.spans, 2)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["state_span"])
	assert.Equal(t, int64(1), stats["state_edge"])
	assert.Equal(t, int64(2), stats["build_cache"])
	assert.Equal(t, int64(3), stats["write_offset"])
}

func TestRunReplayHitsCache(t *testing.T) {
	r, store, idx := newTestRunner(t)

	_, err := r.Run(context.Background(), twoWindowBatch(), true)
	require.NoError(t, err)

	res, err := r.Run(context.Background(), twoWindowBatch(), true)
	require.NoError(t, err)
	assert.Equal(t, &Result{SpansAppended: 0, SpansSkipped: 2, EdgesAppended: 0}, res)

	// The index was fed once, on the first run only.
	assert.Equal(t, 1, idx.calls)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["state_span"])
	assert.Equal(t, int64(1), stats["state_edge"])
	assert.Equal(t, int64(3), stats["write_offset"], "replays never advance the offset")
}

func TestRunBackfillsCacheLedger(t *testing.T) {
	r, store, idx := newTestRunner(t)

	// Persist the first span out of band, as an older build without a
	// ledger entry would have.
	b := newTestBuilder(t, nil)
	spans, _, err := b.Process(context.Background(), twoWindowBatch())
	require.NoError(t, err)
	require.Len(t, spans, 2)
	inserted, err := store.AppendSpan(context.Background(), spans[0])
	require.NoError(t, err)
	require.True(t, inserted)

	res, err := r.Run(context.Background(), twoWindowBatch(), true)
	require.NoError(t, err)
	assert.Equal(t, &Result{SpansAppended: 1, SpansSkipped: 1, EdgesAppended: 1}, res)

	// Only the genuinely new span reaches the index.
	require.Len(t, idx.spans, 1)
	assert.Equal(t, spans[1].StateID, idx.spans[0].StateID)

	// The pre-existing span now has a ledger entry, so the next run skips
	// both without touching the store.
	res, err = r.Run(context.Background(), twoWindowBatch(), true)
	require.NoError(t, err)
	assert.Equal(t, &Result{SpansAppended: 0, SpansSkipped: 2, EdgesAppended: 0}, res)
}

func TestRunProcessErrorPersistsNothing(t *testing.T) {
	r, store, _ := newTestRunner(t)

	batch := &ExtractBatch{
		SessionID: "sess-run",
		States:    []ExtractState{extractState("art-a", -1, 0, "editor", "main.go", "")},
	}
	_, err := r.Run(context.Background(), batch, true)
	require.Error(t, err)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats["state_span"])
	assert.Zero(t, stats["build_cache"])
}

func TestRunNilIndex(t *testing.T) {
	store, err := tape.NewStore(filepath.Join(t.TempDir(), "tape.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := NewRunner(store, newTestBuilder(t, nil), nil, zap.NewNop())
	res, err := r.Run(context.Background(), twoWindowBatch(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SpansAppended)
}
