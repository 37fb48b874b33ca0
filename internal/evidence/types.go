// Package evidence defines the shared data shapes of the state layer —
// evidence references, provenance records, spans, and edges — plus the
// validator that every persist must pass. Nothing in this package touches
// storage; it is the contract the store enforces.
package evidence

import "sort"

// BBox is a pixel-space region inside a frame.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// TextSpan is a half-open [Start, End) byte range into an artifact's
// extracted text.
type TextSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// EvidenceRef points into an upstream artifact. It never carries artifact
// bytes, only coordinates. Immutable once created.
type EvidenceRef struct {
	MediaID          string    `json:"media_id"`
	TsStartMs        int64     `json:"ts_start_ms"`
	TsEndMs          int64     `json:"ts_end_ms"`
	FrameIndex       *int      `json:"frame_index,omitempty"`
	BBox             *BBox     `json:"bbox,omitempty"`
	TextSpan         *TextSpan `json:"text_span,omitempty"`
	ContentHash      string    `json:"content_hash"`
	RedactionApplied bool      `json:"redaction_applied"`
}

// DedupKey identifies a ref for deduplication during continuity expansion:
// two refs pointing at the same (media, time bounds, frame) are one piece
// of evidence no matter which span contributed them.
type DedupKey struct {
	MediaID    string
	TsStartMs  int64
	TsEndMs    int64
	FrameIndex int
}

// Key returns the ref's dedup key. A missing frame index maps to -1.
func (r *EvidenceRef) Key() DedupKey {
	frame := -1
	if r.FrameIndex != nil {
		frame = *r.FrameIndex
	}
	return DedupKey{MediaID: r.MediaID, TsStartMs: r.TsStartMs, TsEndMs: r.TsEndMs, FrameIndex: frame}
}

// SortRefs orders refs by (ts_start_ms, media_id), the canonical evidence
// order used by the builder and the compiler.
func SortRefs(refs []EvidenceRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].TsStartMs != refs[j].TsStartMs {
			return refs[i].TsStartMs < refs[j].TsStartMs
		}
		return refs[i].MediaID < refs[j].MediaID
	})
}

// ProvenanceRecord states who and what produced a derived object.
// Immutable. CreatedTsMs is wall-clock metadata; it never participates in
// identifier derivation.
type ProvenanceRecord struct {
	ProducerPluginID      string   `json:"producer_plugin_id"`
	ProducerPluginVersion string   `json:"producer_plugin_version"`
	ModelID               string   `json:"model_id"`
	ModelVersion          string   `json:"model_version"`
	ConfigHash            string   `json:"config_hash"`
	InputArtifactIDs      []string `json:"input_artifact_ids"`
	CreatedTsMs           int64    `json:"created_ts_ms"`
}

// Embedding is a fixed-dimension vector in its wire encoding. Data holds
// Dim little-endian values of the declared Dtype (currently always "f16").
type Embedding struct {
	Dim   int    `json:"dim"`
	Dtype string `json:"dtype"`
	Data  []byte `json:"data"`
}

// SpanSummary is the compact, privacy-preserving description of a span.
// Window titles are stored only as hashes.
type SpanSummary struct {
	App             string   `json:"app"`
	WindowTitleHash string   `json:"window_title_hash"`
	TopEntities     []string `json:"top_entities"`
}

// StateSpan records what was true during [TsStartMs, TsEndMs) for one
// session. Created only by the state builder; never mutated; removed only
// by archival of the whole tape.
type StateSpan struct {
	StateID    string           `json:"state_id"`
	SessionID  string           `json:"session_id"`
	TsStartMs  int64            `json:"ts_start_ms"`
	TsEndMs    int64            `json:"ts_end_ms"`
	Embedding  Embedding        `json:"embedding"`
	Summary    SpanSummary      `json:"summary"`
	Evidence   []EvidenceRef    `json:"evidence"`
	Provenance ProvenanceRecord `json:"provenance"`
}

// StateEdge records what changed between two spans and how surprising the
// change was. FromStateID/ToStateID are foreign keys into the span arena,
// never live references, so the tape stays serializable.
type StateEdge struct {
	EdgeID         string           `json:"edge_id"`
	FromStateID    string           `json:"from_state_id"`
	ToStateID      string           `json:"to_state_id"`
	DeltaEmbedding Embedding        `json:"delta_embedding"`
	PredError      float64          `json:"pred_error"`
	Evidence       []EvidenceRef    `json:"evidence"`
	Provenance     ProvenanceRecord `json:"provenance"`
}
