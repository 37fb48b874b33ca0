package builder

import (
	"encoding/json"
	"fmt"
)

// ExtractBatch is the consumed upstream contract: one capture session's
// extracted features, produced by the capture/extraction pipeline and
// dropped into the spool as JSON. The builder never touches raw media;
// everything it needs arrives here.
type ExtractBatch struct {
	SessionID string         `json:"session_id"`
	States    []ExtractState `json:"states"`
}

// ExtractState is one extracted observation: a frame or audio segment's
// features plus the coordinates needed to cite it later.
type ExtractState struct {
	ArtifactID       string      `json:"artifact_id"`
	MediaID          string      `json:"media_id"`
	TsMs             int64       `json:"ts_ms"`
	DurationMs       int64       `json:"duration_ms"`
	FrameIndex       *int        `json:"frame_index,omitempty"`
	App              string      `json:"app"`
	WindowTitle      string      `json:"window_title"`
	Text             string      `json:"text"`
	RegionEmbeddings [][]float32 `json:"region_embeddings,omitempty"`
	ContentHash      string      `json:"content_hash"`
	RedactionApplied bool        `json:"redaction_applied"`
}

// DecodeBatch parses a spooled batch file. Unknown fields are tolerated so
// newer extractors can ship extra features ahead of us.
func DecodeBatch(data []byte) (*ExtractBatch, error) {
	var batch ExtractBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch: %w", err)
	}
	if batch.SessionID == "" {
		return nil, fmt.Errorf("batch has no session_id")
	}
	return &batch, nil
}
