// Package tape persists the state layer: spans, edges, and their evidence
// links in an append-only SQLite file. Three exposed tables form the
// contract (state_span, state_edge, state_evidence_link); tape_meta carries
// the schema version and a monotonically increasing write offset that
// snapshot reads bind to. Every write validates the evidence and provenance
// contract first, inside this package, so nothing upstream can persist an
// uncited object.
package tape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"statetape/internal/evidence"
	"statetape/internal/identity"
	"statetape/internal/logging"
)

var (
	// ErrNotFound reports a span or edge ID with no row on the tape.
	ErrNotFound = errors.New("tape: object not found")
	// ErrUnknownEndpoint reports an edge append whose from/to span is not
	// already persisted.
	ErrUnknownEndpoint = errors.New("tape: edge endpoint not on the tape")
	// ErrSchemaVersion reports a tape file written by an incompatible
	// schema version.
	ErrSchemaVersion = errors.New("tape: unsupported schema version")
)

// Store is the append-only state tape. Single writer, many readers: one
// SQLite connection guarded by an RWMutex, so a reader never observes a
// half-committed span. Spans and edges are immutable once appended;
// corrections arrive as new objects, and removal happens only by archiving
// the whole file.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	log       *zap.Logger
	vectorExt bool
}

// NewStore opens (creating if needed) the tape at path.
func NewStore(path string, log *zap.Logger) (*Store, error) {
	log = logging.OrNop(log)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, path: path, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()

	log.Info("tape opened",
		zap.String("path", path),
		zap.Int("schema_version", SchemaVersion),
		zap.Bool("vector_ext", s.vectorExt))
	return s, nil
}

// initialize creates the tables and pins the schema version. A tape written
// by a different schema version is refused rather than migrated in place:
// the exposed column set is a versioned contract and derived IDs depend on
// it, so upgrades rebuild the tape from upstream artifacts instead.
func (s *Store) initialize() error {
	for _, table := range allTables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	seed := `INSERT OR IGNORE INTO tape_meta (key, value) VALUES (?, ?)`
	if _, err := s.db.Exec(seed, metaSchemaVersion, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("failed to seed schema version: %w", err)
	}
	if _, err := s.db.Exec(seed, metaWriteOffset, "0"); err != nil {
		return fmt.Errorf("failed to seed write offset: %w", err)
	}

	var stored int
	row := s.db.QueryRow(`SELECT CAST(value AS INTEGER) FROM tape_meta WHERE key = ?`, metaSchemaVersion)
	if err := row.Scan(&stored); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if stored != SchemaVersion {
		return fmt.Errorf("%w: tape is v%d, this build speaks v%d", ErrSchemaVersion, stored, SchemaVersion)
	}
	return nil
}

// detectVecExtension probes for the vec0 virtual table module. Absent the
// extension the vector index scans in Go instead.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// VectorExt reports whether the sqlite-vec extension is available on this
// connection.
func (s *Store) VectorExt() bool { return s.vectorExt }

// Path returns the tape file location.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying connection for read-only diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	s.log.Debug("closing tape", zap.String("path", s.path))
	return s.db.Close()
}

// AppendSpan validates and persists one span with its evidence links. The
// row, its links, and the write-offset bump commit in a single transaction;
// on any rejection nothing is written. Replaying an already-appended span
// is a no-op and reports inserted=false.
func (s *Store) AppendSpan(ctx context.Context, span *evidence.StateSpan) (bool, error) {
	if err := evidence.ValidateSpan(span); err != nil {
		return false, err
	}

	embJSON, err := identity.CanonicalJSON(span.Embedding)
	if err != nil {
		return false, fmt.Errorf("failed to encode embedding: %w", err)
	}
	entitiesJSON, err := identity.CanonicalJSON(span.Summary.TopEntities)
	if err != nil {
		return false, fmt.Errorf("failed to encode top entities: %w", err)
	}
	provJSON, err := identity.CanonicalJSON(span.Provenance)
	if err != nil {
		return false, fmt.Errorf("failed to encode provenance: %w", err)
	}
	refs, err := encodeRefs(span.Evidence)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO state_span
		(state_id, session_id, ts_start_ms, ts_end_ms, embedding, app, window_title_hash, top_entities, provenance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.StateID, span.SessionID, span.TsStartMs, span.TsEndMs,
		string(embJSON), span.Summary.App, span.Summary.WindowTitleHash,
		string(entitiesJSON), string(provJSON))
	if err != nil {
		return false, fmt.Errorf("failed to append span %s: %w", span.StateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append span %s: %w", span.StateID, err)
	}
	if n == 0 {
		// Same content-addressed ID, same content: replay.
		s.log.Debug("span replay ignored", zap.String("state_id", span.StateID))
		return false, tx.Commit()
	}

	if err := insertLinks(ctx, tx, "span", span.StateID, refs); err != nil {
		return false, err
	}
	if err := bumpOffset(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit span %s: %w", span.StateID, err)
	}

	s.log.Debug("span appended",
		zap.String("state_id", span.StateID),
		zap.String("session_id", span.SessionID),
		zap.Int("evidence", len(span.Evidence)))
	return true, nil
}

// AppendEdge validates and persists one edge. Both endpoints must already
// be on the tape. Replays report inserted=false.
func (s *Store) AppendEdge(ctx context.Context, edge *evidence.StateEdge) (bool, error) {
	if err := evidence.ValidateEdge(edge); err != nil {
		return false, err
	}

	deltaJSON, err := identity.CanonicalJSON(edge.DeltaEmbedding)
	if err != nil {
		return false, fmt.Errorf("failed to encode delta embedding: %w", err)
	}
	provJSON, err := identity.CanonicalJSON(edge.Provenance)
	if err != nil {
		return false, fmt.Errorf("failed to encode provenance: %w", err)
	}
	refs, err := encodeRefs(edge.Evidence)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	for _, endpoint := range []string{edge.FromStateID, edge.ToStateID} {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM state_span WHERE state_id = ?`, endpoint).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
		}
		if err != nil {
			return false, fmt.Errorf("failed to check endpoint %s: %w", endpoint, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO state_edge
		(edge_id, from_state_id, to_state_id, delta_embedding, pred_error, provenance)
		VALUES (?, ?, ?, ?, ?, ?)`,
		edge.EdgeID, edge.FromStateID, edge.ToStateID,
		string(deltaJSON), edge.PredError, string(provJSON))
	if err != nil {
		return false, fmt.Errorf("failed to append edge %s: %w", edge.EdgeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append edge %s: %w", edge.EdgeID, err)
	}
	if n == 0 {
		s.log.Debug("edge replay ignored", zap.String("edge_id", edge.EdgeID))
		return false, tx.Commit()
	}

	if err := insertLinks(ctx, tx, "edge", edge.EdgeID, refs); err != nil {
		return false, err
	}
	if err := bumpOffset(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit edge %s: %w", edge.EdgeID, err)
	}

	s.log.Debug("edge appended",
		zap.String("edge_id", edge.EdgeID),
		zap.Float64("pred_error", edge.PredError))
	return true, nil
}

func encodeRefs(refs []evidence.EvidenceRef) ([]string, error) {
	out := make([]string, len(refs))
	for i := range refs {
		b, err := identity.CanonicalJSON(refs[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode evidence ref: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func insertLinks(ctx context.Context, tx *sql.Tx, objectType, objectID string, refs []string) error {
	for _, ref := range refs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_evidence_link (state_object_type, state_object_id, evidence)
			VALUES (?, ?, ?)`, objectType, objectID, ref)
		if err != nil {
			return fmt.Errorf("failed to link evidence for %s %s: %w", objectType, objectID, err)
		}
	}
	return nil
}

func bumpOffset(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tape_meta SET value = CAST(value AS INTEGER) + 1 WHERE key = ?`, metaWriteOffset)
	if err != nil {
		return fmt.Errorf("failed to advance write offset: %w", err)
	}
	return nil
}

// Snapshot pins a consistent read horizon: the write offset plus the max
// rowid of each table at capture time. Reads constrained by a snapshot
// never observe objects appended after it, and because a span commits in
// the same transaction as its evidence links, never a span without its
// evidence.
type Snapshot struct {
	Offset  int64
	spanMax int64
	edgeMax int64
	linkMax int64
}

// Snapshot captures the current read horizon.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	snap := &Snapshot{}
	if err := tx.QueryRowContext(ctx,
		`SELECT CAST(value AS INTEGER) FROM tape_meta WHERE key = ?`, metaWriteOffset).Scan(&snap.Offset); err != nil {
		return nil, fmt.Errorf("failed to read write offset: %w", err)
	}
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"state_span", &snap.spanMax},
		{"state_edge", &snap.edgeMax},
		{"state_evidence_link", &snap.linkMax},
	} {
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COALESCE(MAX(rowid), 0) FROM %s", q.table)).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to read %s horizon: %w", q.table, err)
		}
	}
	return snap, nil
}

func (s *Store) ensureSnapshot(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	if snap != nil {
		return snap, nil
	}
	return s.Snapshot(ctx)
}

const spanColumns = `state_id, session_id, ts_start_ms, ts_end_ms, embedding, app, window_title_hash, top_entities, provenance`

// SpanByID loads one span and its evidence. Returns ErrNotFound when the
// ID is absent or beyond the snapshot horizon.
func (s *Store) SpanByID(ctx context.Context, stateID string, snap *Snapshot) (*evidence.StateSpan, error) {
	snap, err := s.ensureSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+spanColumns+` FROM state_span
		WHERE state_id = ? AND rowid <= ?`, stateID, snap.spanMax)
	span, err := scanSpan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: span %s", ErrNotFound, stateID)
	}
	if err != nil {
		return nil, err
	}
	span.Evidence, err = s.evidenceForLocked(ctx, "span", stateID, snap)
	if err != nil {
		return nil, err
	}
	return span, nil
}

// SpansBySession returns a session's spans in time order.
func (s *Store) SpansBySession(ctx context.Context, sessionID string, snap *Snapshot) ([]*evidence.StateSpan, error) {
	snap, err := s.ensureSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spanColumns+` FROM state_span
		WHERE session_id = ? AND rowid <= ?
		ORDER BY ts_start_ms, state_id`, sessionID, snap.spanMax)
	if err != nil {
		return nil, fmt.Errorf("failed to query session spans: %w", err)
	}
	return s.collectSpans(ctx, rows, snap)
}

// SpansInRange returns spans overlapping [startMs, endMs]. A span matches
// when ts_end_ms >= startMs and ts_start_ms <= endMs, so a span touching
// the window boundary is included. Empty sessionID matches all sessions.
func (s *Store) SpansInRange(ctx context.Context, sessionID string, startMs, endMs int64, snap *Snapshot) ([]*evidence.StateSpan, error) {
	snap, err := s.ensureSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + spanColumns + ` FROM state_span
		WHERE ts_end_ms >= ? AND ts_start_ms <= ? AND rowid <= ?`
	args := []any{startMs, endMs, snap.spanMax}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY ts_start_ms, state_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query range spans: %w", err)
	}
	return s.collectSpans(ctx, rows, snap)
}

// SpansAll streams every span up to the snapshot in append order. Feeds
// index hydration and rebuilds.
func (s *Store) SpansAll(ctx context.Context, snap *Snapshot) ([]*evidence.StateSpan, error) {
	snap, err := s.ensureSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spanColumns+` FROM state_span
		WHERE rowid <= ? ORDER BY rowid`, snap.spanMax)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	return s.collectSpans(ctx, rows, snap)
}

// EdgesTouching returns edges where stateID is either endpoint.
func (s *Store) EdgesTouching(ctx context.Context, stateID string, snap *Snapshot) ([]*evidence.StateEdge, error) {
	snap, err := s.ensureSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_id, from_state_id, to_state_id, delta_embedding, pred_error, provenance
		FROM state_edge
		WHERE (from_state_id = ? OR to_state_id = ?) AND rowid <= ?
		ORDER BY rowid`, stateID, stateID, snap.edgeMax)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []*evidence.StateEdge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate edges: %w", err)
	}
	for _, edge := range edges {
		edge.Evidence, err = s.evidenceForLocked(ctx, "edge", edge.EdgeID, snap)
		if err != nil {
			return nil, err
		}
	}
	return edges, nil
}

// EvidenceFor returns the evidence refs linked to one span or edge, in
// link order.
func (s *Store) EvidenceFor(ctx context.Context, objectType, objectID string, snap *Snapshot) ([]evidence.EvidenceRef, error) {
	snap, err := s.ensureSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evidenceForLocked(ctx, objectType, objectID, snap)
}

func (s *Store) evidenceForLocked(ctx context.Context, objectType, objectID string, snap *Snapshot) ([]evidence.EvidenceRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evidence FROM state_evidence_link
		WHERE state_object_type = ? AND state_object_id = ? AND id <= ?
		ORDER BY id`, objectType, objectID, snap.linkMax)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence links: %w", err)
	}
	defer rows.Close()

	var refs []evidence.EvidenceRef
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan evidence link: %w", err)
		}
		var ref evidence.EvidenceRef
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			return nil, fmt.Errorf("failed to decode evidence link: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evidence links: %w", err)
	}
	return refs, nil
}

func (s *Store) collectSpans(ctx context.Context, rows *sql.Rows, snap *Snapshot) ([]*evidence.StateSpan, error) {
	defer rows.Close()

	var spans []*evidence.StateSpan
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate spans: %w", err)
	}
	for _, span := range spans {
		refs, err := s.evidenceForLocked(ctx, "span", span.StateID, snap)
		if err != nil {
			return nil, err
		}
		span.Evidence = refs
	}
	return spans, nil
}

type rowScanner interface {
	Scan(dst ...any) error
}

func scanSpan(row rowScanner) (*evidence.StateSpan, error) {
	var span evidence.StateSpan
	var embJSON, entitiesJSON, provJSON string
	err := row.Scan(&span.StateID, &span.SessionID, &span.TsStartMs, &span.TsEndMs,
		&embJSON, &span.Summary.App, &span.Summary.WindowTitleHash, &entitiesJSON, &provJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(embJSON), &span.Embedding); err != nil {
		return nil, fmt.Errorf("failed to decode embedding for %s: %w", span.StateID, err)
	}
	if err := json.Unmarshal([]byte(entitiesJSON), &span.Summary.TopEntities); err != nil {
		return nil, fmt.Errorf("failed to decode top entities for %s: %w", span.StateID, err)
	}
	if err := json.Unmarshal([]byte(provJSON), &span.Provenance); err != nil {
		return nil, fmt.Errorf("failed to decode provenance for %s: %w", span.StateID, err)
	}
	return &span, nil
}

func scanEdge(row rowScanner) (*evidence.StateEdge, error) {
	var edge evidence.StateEdge
	var deltaJSON, provJSON string
	err := row.Scan(&edge.EdgeID, &edge.FromStateID, &edge.ToStateID,
		&deltaJSON, &edge.PredError, &provJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deltaJSON), &edge.DeltaEmbedding); err != nil {
		return nil, fmt.Errorf("failed to decode delta embedding for %s: %w", edge.EdgeID, err)
	}
	if err := json.Unmarshal([]byte(provJSON), &edge.Provenance); err != nil {
		return nil, fmt.Errorf("failed to decode provenance for %s: %w", edge.EdgeID, err)
	}
	return &edge, nil
}

// HasCacheKey reports whether a builder cache key is already recorded.
func (s *Store) HasCacheKey(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM build_cache WHERE cache_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cache key: %w", err)
	}
	return true, nil
}

// RecordCacheKey remembers that key produced stateID, so a replayed batch
// skips recomputation.
func (s *Store) RecordCacheKey(ctx context.Context, key, stateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO build_cache (cache_key, state_id, created_ts_ms)
		VALUES (?, ?, ?)`, key, stateID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record cache key: %w", err)
	}
	return nil
}

// Stats returns row counts per table plus the current write offset.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"state_span", "state_edge", "state_evidence_link", "build_cache"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	var offset int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT CAST(value AS INTEGER) FROM tape_meta WHERE key = ?`, metaWriteOffset).Scan(&offset); err != nil {
		return nil, fmt.Errorf("failed to read write offset: %w", err)
	}
	stats["write_offset"] = offset
	return stats, nil
}
