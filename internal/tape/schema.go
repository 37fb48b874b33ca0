package tape

// SchemaVersion is the version of the exposed table contract. The column
// set of state_span, state_edge, and state_evidence_link is versioned: any
// change here must bump this constant, and the constant participates in the
// builder's config hash so derived IDs change with it.
const SchemaVersion = 1

const (
	metaSchemaVersion = "schema_version"
	metaWriteOffset   = "write_offset"
)

// The three exposed tables. Append-only: no UPDATE or DELETE statement in
// this package ever touches them. Corrections are new spans/edges; removal
// is archival of the whole tape file.
const (
	spanTable = `
	CREATE TABLE IF NOT EXISTS state_span (
		state_id          TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		ts_start_ms       INTEGER NOT NULL,
		ts_end_ms         INTEGER NOT NULL,
		embedding         TEXT NOT NULL,
		app               TEXT NOT NULL,
		window_title_hash TEXT NOT NULL,
		top_entities      TEXT NOT NULL,
		provenance        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS state_span_time ON state_span(ts_start_ms, ts_end_ms);
	CREATE INDEX IF NOT EXISTS state_span_session ON state_span(session_id);
	`

	edgeTable = `
	CREATE TABLE IF NOT EXISTS state_edge (
		edge_id         TEXT PRIMARY KEY,
		from_state_id   TEXT NOT NULL REFERENCES state_span(state_id),
		to_state_id     TEXT NOT NULL REFERENCES state_span(state_id),
		delta_embedding TEXT NOT NULL,
		pred_error      REAL NOT NULL,
		provenance      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS state_edge_endpoints ON state_edge(from_state_id, to_state_id);
	`

	evidenceLinkTable = `
	CREATE TABLE IF NOT EXISTS state_evidence_link (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		state_object_type TEXT NOT NULL CHECK(state_object_type IN ('span','edge')),
		state_object_id   TEXT NOT NULL,
		evidence          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS state_evidence_object ON state_evidence_link(state_object_type, state_object_id);
	`

	metaTable = `
	CREATE TABLE IF NOT EXISTS tape_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	// build_cache is internal bookkeeping, not part of the exposed contract.
	// One row per builder cache key so replayed batches skip recomputation.
	buildCacheTable = `
	CREATE TABLE IF NOT EXISTS build_cache (
		cache_key     TEXT PRIMARY KEY,
		state_id      TEXT NOT NULL,
		created_ts_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS build_cache_state ON build_cache(state_id);
	`
)

var allTables = []string{
	spanTable,
	edgeTable,
	evidenceLinkTable,
	metaTable,
	buildCacheTable,
}
