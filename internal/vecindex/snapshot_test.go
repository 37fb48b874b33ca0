package vecindex

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"statetape/internal/evidence"
	"statetape/internal/tape"
)

func openSnapshotFixture(t *testing.T) (*SnapshotIndex, *tape.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := tape.NewStore(filepath.Join(dir, "tape.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	snapDir := filepath.Join(dir, "snapshots")
	idx, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, store, snapDir
}

func snapshotFiles(t *testing.T, dir string) []string {
	t.Helper()
	names, err := filepath.Glob(filepath.Join(dir, "vecindex-*.json"))
	require.NoError(t, err)
	return names
}

func TestSnapshotRebuildWritesVersionedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := tape.NewStore(filepath.Join(dir, "tape.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mustAppend(t, store,
		indexSpan("span-a", "sess-1", "editor", 0, 5000, []float32{1, 0}, "model.v1"),
		indexSpan("span-b", "sess-1", "editor", 5000, 10000, []float32{0, 1}, "model.v1"))

	snapDir := filepath.Join(dir, "snapshots")
	idx, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, int64(2), idx.Offset())
	path := filepath.Join(snapDir, "vecindex-000000000002.json")
	require.FileExists(t, path)

	st, err := loadSnapshotFile(path)
	require.NoError(t, err)
	assert.Equal(t, snapshotFormatVersion, st.header.FormatVersion)
	assert.Equal(t, "model.v1", st.header.ModelVersion)
	assert.Equal(t, int64(2), st.header.StoreOffset)
	assert.Equal(t, 2, st.header.EntryCount)
	require.Len(t, st.entries, 2)

	hits, err := idx.Query(context.Background(), []float32{1, 0}, "model.v1", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "span-a", hits[0].StateID)
}

func TestSnapshotReopenLoadsFile(t *testing.T) {
	dir := t.TempDir()
	store, err := tape.NewStore(filepath.Join(dir, "tape.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mustAppend(t, store, indexSpan("span-a", "sess-1", "editor", 0, 5000, []float32{1, 0}, "model.v1"))

	snapDir := filepath.Join(dir, "snapshots")
	first, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, int64(1), second.Offset())
	require.Len(t, snapshotFiles(t, snapDir), 1)

	hits, err := second.Query(context.Background(), []float32{1, 0}, "model.v1", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSnapshotStaleFileTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	store, err := tape.NewStore(filepath.Join(dir, "tape.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mustAppend(t, store, indexSpan("span-a", "sess-1", "editor", 0, 5000, []float32{1, 0}, "model.v1"))

	snapDir := filepath.Join(dir, "snapshots")
	first, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// The store moves on while no index is running.
	mustAppend(t, store, indexSpan("span-b", "sess-1", "editor", 5000, 10000, []float32{0, 1}, "model.v1"))

	second, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, int64(2), second.Offset())
	assert.Len(t, snapshotFiles(t, snapDir), 2)

	hits, err := second.Query(context.Background(), []float32{0, 1}, "model.v1", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "span-b", hits[0].StateID)
}

func TestSnapshotOverlayLifecycle(t *testing.T) {
	idx, store, _ := openSnapshotFixture(t)

	span := indexSpan("span-a", "sess-1", "editor", 0, 5000, []float32{1, 0}, "model.v1")
	mustAppend(t, store, span)

	added, err := idx.Index([]*evidence.StateSpan{span})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	// Visible through the overlay before any rebuild.
	hits, err := idx.Query(context.Background(), []float32{1, 0}, "model.v1", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	added, err = idx.Index([]*evidence.StateSpan{span})
	require.NoError(t, err)
	assert.Zero(t, added, "overlay dedupes by state id")

	require.NoError(t, idx.Rebuild(context.Background()))
	assert.Equal(t, int64(1), idx.Offset())

	// Still visible, now from the snapshot; the overlay no longer admits it.
	hits, err = idx.Query(context.Background(), []float32{1, 0}, "model.v1", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	added, err = idx.Index([]*evidence.StateSpan{span})
	require.NoError(t, err)
	assert.Zero(t, added, "snapshot membership dedupes after rebuild")
}

func TestSnapshotRebuildIsByteIdentical(t *testing.T) {
	idx, store, snapDir := openSnapshotFixture(t)

	mustAppend(t, store,
		indexSpan("span-a", "sess-1", "editor", 0, 5000, []float32{1, 0}, "model.v1"),
		indexSpan("span-b", "sess-2", "browser", 5000, 10000, []float32{0.5, -0.25}, "model.v1"))

	require.NoError(t, idx.Rebuild(context.Background()))
	path := filepath.Join(snapDir, "vecindex-000000000002.json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, idx.Rebuild(context.Background()))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSnapshotCorruptFileFallsBackToRebuild(t *testing.T) {
	dir := t.TempDir()
	store, err := tape.NewStore(filepath.Join(dir, "tape.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mustAppend(t, store, indexSpan("span-a", "sess-1", "editor", 0, 5000, []float32{1, 0}, "model.v1"))

	snapDir := filepath.Join(dir, "snapshots")
	first, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	path := filepath.Join(snapDir, "vecindex-000000000001.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = loadSnapshotFile(path)
	require.Error(t, err, "checksum must reject a tampered body")

	second, err := OpenSnapshot(context.Background(), store, snapDir, zap.NewNop())
	require.NoError(t, err)
	defer second.Close()

	hits, err := second.Query(context.Background(), []float32{1, 0}, "model.v1", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSnapshotHeaderIsCanonicalJSON(t *testing.T) {
	idx, store, snapDir := openSnapshotFixture(t)
	mustAppend(t, store, indexSpan("span-a", "sess-1", "editor", 0, 5000, []float32{1, 0}, "model.v1"))
	require.NoError(t, idx.Rebuild(context.Background()))

	data, err := os.ReadFile(filepath.Join(snapDir, "vecindex-000000000001.json"))
	require.NoError(t, err)

	var header map[string]any
	line := data[:bytes.IndexByte(data, '\n')]
	require.NoError(t, json.Unmarshal(line, &header))
	for _, key := range []string{"checksum", "entry_count", "format_version", "model_version", "store_offset"} {
		assert.Contains(t, header, key)
	}
}
