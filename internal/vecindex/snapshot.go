package vecindex

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"statetape/internal/evidence"
	"statetape/internal/identity"
	"statetape/internal/logging"
	"statetape/internal/tape"
)

const snapshotFormatVersion = 1

// snapshotHeader is the first line of a snapshot file. The checksum covers
// every byte after the header line, so a truncated or edited file never
// loads.
type snapshotHeader struct {
	Checksum      string `json:"checksum"`
	EntryCount    int    `json:"entry_count"`
	FormatVersion int    `json:"format_version"`
	ModelVersion  string `json:"model_version"`
	StoreOffset   int64  `json:"store_offset"`
}

// snapshotState is the immutable structure queries bind to. A rebuild
// produces a fresh one and swaps the pointer; in-flight queries keep
// scanning the one they loaded.
type snapshotState struct {
	header  snapshotHeader
	entries []entry
	seen    map[string]struct{}
	acc     accel
}

// accel generates candidate ordinals for a query vector. The sqlite_vec
// build backs it with a vec0 virtual table; the default build has none and
// queries scan every entry.
type accel interface {
	candidates(query []float32, n int) ([]int, error)
	close()
}

// SnapshotIndex answers queries from a versioned snapshot file plus an
// in-memory overlay of spans indexed since the last rebuild. Rebuild reads
// the store at one offset, writes snapshots/vecindex-<offset>.json, and
// atomically swaps the live state.
type SnapshotIndex struct {
	store *tape.Store
	dir   string
	log   *zap.Logger

	state atomic.Pointer[snapshotState]

	mu          sync.Mutex
	overlay     []entry
	overlaySeen map[string]struct{}
}

// OpenSnapshot loads the newest valid snapshot file, or rebuilds from the
// store when none exists or the store has moved past the file's offset.
func OpenSnapshot(ctx context.Context, store *tape.Store, dir string, log *zap.Logger) (*SnapshotIndex, error) {
	s := &SnapshotIndex{
		store:       store,
		dir:         dir,
		log:         logging.OrNop(log),
		overlaySeen: make(map[string]struct{}),
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	loaded := s.loadLatest()
	head, err := store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if loaded == nil || loaded.header.StoreOffset != head.Offset {
		if err := s.Rebuild(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	s.state.Store(loaded)
	s.log.Info("vector index snapshot loaded",
		zap.Int("entries", len(loaded.entries)),
		zap.Int64("store_offset", loaded.header.StoreOffset))
	return s, nil
}

// Index buffers spans in the overlay until the next rebuild folds them into
// a snapshot file. Spans already visible are skipped.
func (s *SnapshotIndex) Index(spans []*evidence.StateSpan) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state.Load()
	added := 0
	for _, span := range spans {
		if span == nil {
			continue
		}
		if _, ok := s.overlaySeen[span.StateID]; ok {
			continue
		}
		if st != nil {
			if _, ok := st.seen[span.StateID]; ok {
				continue
			}
		}
		e, err := entryFor(span)
		if err != nil {
			return added, err
		}
		s.overlay = append(s.overlay, e)
		s.overlaySeen[span.StateID] = struct{}{}
		added++
	}
	return added, nil
}

// Query binds to the currently swapped snapshot plus the overlay. With the
// accelerated build, the snapshot portion is cut to vec0 candidates first
// and re-ranked exactly; otherwise every entry is scanned.
func (s *SnapshotIndex) Query(ctx context.Context, emb []float32, modelVersion string, f Filters, k int) ([]Hit, error) {
	if err := validateQuery(emb, k); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := s.state.Load()

	s.mu.Lock()
	overlay := s.overlay
	s.mu.Unlock()

	if st == nil {
		return scan(emb, modelVersion, f, k, overlay), nil
	}

	if st.acc != nil {
		// Overscan so metadata and model-version filtering after the
		// candidate cut can still fill k.
		ordinals, err := st.acc.candidates(emb, k*8)
		if err == nil {
			subset := make([]entry, 0, len(ordinals))
			for _, i := range ordinals {
				if i >= 0 && i < len(st.entries) {
					subset = append(subset, st.entries[i])
				}
			}
			return scan(emb, modelVersion, f, k, subset, overlay), nil
		}
		s.log.Debug("vec0 candidate generation failed, scanning", zap.Error(err))
	}

	return scan(emb, modelVersion, f, k, st.entries, overlay), nil
}

// Rebuild reads every span visible at one store snapshot, writes a new
// snapshot file named for that offset, and swaps it live. The overlay is
// cleared: everything it held was appended to the store before it reached
// Index, so the rebuild has it.
func (s *SnapshotIndex) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	spans, err := s.store.SpansAll(ctx, snap)
	if err != nil {
		return fmt.Errorf("failed to read spans for snapshot rebuild: %w", err)
	}

	entries := make([]entry, 0, len(spans))
	for _, span := range spans {
		e, err := entryFor(span)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	var body bytes.Buffer
	for i := range entries {
		line, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to encode snapshot entry: %w", err)
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	sum := sha256.Sum256(body.Bytes())
	header := snapshotHeader{
		Checksum:      hex.EncodeToString(sum[:]),
		EntryCount:    len(entries),
		FormatVersion: snapshotFormatVersion,
		ModelVersion:  headerModelVersion(entries),
		StoreOffset:   snap.Offset,
	}
	headerLine, err := identity.CanonicalJSON(header)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot header: %w", err)
	}

	path := s.snapshotPath(snap.Offset)
	if err := writeAtomic(path, headerLine, body.Bytes()); err != nil {
		return err
	}

	next := &snapshotState{
		header:  header,
		entries: entries,
		seen:    make(map[string]struct{}, len(entries)),
	}
	for i := range entries {
		next.seen[entries[i].StateID] = struct{}{}
	}
	if len(entries) > 0 {
		acc, err := newAccel(len(entries[0].Vector), entries)
		if err != nil {
			s.log.Debug("vector acceleration unavailable", zap.Error(err))
		} else {
			next.acc = acc
		}
	}

	if old := s.state.Swap(next); old != nil && old.acc != nil {
		old.acc.close()
	}
	s.overlay = nil
	s.overlaySeen = make(map[string]struct{})

	s.log.Info("vector index snapshot written",
		zap.String("path", path),
		zap.Int("entries", len(entries)),
		zap.Int64("store_offset", snap.Offset))
	return nil
}

// RebuildLoop rebuilds on a fixed cadence until the context ends. Rebuilds
// are skipped while the store offset matches the live snapshot; a rebuild
// at the same offset would produce a byte-identical file.
func (s *SnapshotIndex) RebuildLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			head, err := s.store.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Warn("snapshot rebuild skipped", zap.Error(err))
				continue
			}
			if head.Offset == s.Offset() {
				continue
			}
			if err := s.Rebuild(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Error("snapshot rebuild failed", zap.Error(err))
			}
		}
	}
}

// Close releases the acceleration structure, if any.
func (s *SnapshotIndex) Close() error {
	if st := s.state.Load(); st != nil && st.acc != nil {
		st.acc.close()
	}
	return nil
}

// Offset reports the store offset of the live snapshot.
func (s *SnapshotIndex) Offset() int64 {
	if st := s.state.Load(); st != nil {
		return st.header.StoreOffset
	}
	return 0
}

func (s *SnapshotIndex) snapshotPath(offset int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("vecindex-%012d.json", offset))
}

// loadLatest returns the newest snapshot file that passes verification, or
// nil when none does. Corrupt files are skipped, not fatal.
func (s *SnapshotIndex) loadLatest() *snapshotState {
	names, err := filepath.Glob(filepath.Join(s.dir, "vecindex-*.json"))
	if err != nil || len(names) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		st, err := loadSnapshotFile(name)
		if err != nil {
			s.log.Warn("skipping unreadable vector snapshot",
				zap.String("path", name), zap.Error(err))
			continue
		}
		return st
	}
	return nil
}

func loadSnapshotFile(path string) (*snapshotState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	headerLine, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	var header snapshotHeader
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot header: %w", err)
	}
	if header.FormatVersion != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format v%d, this build speaks v%d", header.FormatVersion, snapshotFormatVersion)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot body: %w", err)
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != header.Checksum {
		return nil, fmt.Errorf("snapshot checksum mismatch")
	}

	entries := make([]entry, 0, header.EntryCount)
	for _, line := range bytes.Split(body, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to parse snapshot entry: %w", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != header.EntryCount {
		return nil, fmt.Errorf("snapshot has %d entries, header claims %d", len(entries), header.EntryCount)
	}

	st := &snapshotState{
		header:  header,
		entries: entries,
		seen:    make(map[string]struct{}, len(entries)),
	}
	for i := range entries {
		st.seen[entries[i].StateID] = struct{}{}
	}
	return st, nil
}

func headerModelVersion(entries []entry) string {
	versions := make(map[string]struct{})
	for i := range entries {
		versions[entries[i].ModelVersion] = struct{}{}
	}
	if len(versions) == 1 {
		for v := range versions {
			return v
		}
	}
	if len(versions) > 1 {
		all := make([]string, 0, len(versions))
		for v := range versions {
			all = append(all, v)
		}
		sort.Strings(all)
		return "mixed:" + strings.Join(all, ",")
	}
	return ""
}

func writeAtomic(path string, headerLine, body []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vecindex-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(headerLine); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := tmp.Write([]byte{'\n'}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish snapshot file: %w", err)
	}
	return nil
}
