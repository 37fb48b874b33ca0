package evidence

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for the persist boundary. Callers branch with errors.Is;
// the store surfaces them unwrapped so a rejected write is attributable.
var (
	ErrEvidenceMissing      = errors.New("evidence missing")
	ErrProvenanceMissing    = errors.New("provenance missing")
	ErrMalformedEvidenceRef = errors.New("malformed evidence ref")
)

// ValidateRef rejects refs missing their required coordinates. Optional
// sub-fields (frame index, bbox, text span) are checked only when present.
func ValidateRef(r *EvidenceRef) error {
	if r == nil {
		return fmt.Errorf("%w: nil ref", ErrMalformedEvidenceRef)
	}
	if r.MediaID == "" {
		return fmt.Errorf("%w: empty media_id", ErrMalformedEvidenceRef)
	}
	if r.ContentHash == "" {
		return fmt.Errorf("%w: empty content_hash for media %s", ErrMalformedEvidenceRef, r.MediaID)
	}
	if r.TsStartMs < 0 || r.TsEndMs < r.TsStartMs {
		return fmt.Errorf("%w: invalid time bounds [%d,%d] for media %s",
			ErrMalformedEvidenceRef, r.TsStartMs, r.TsEndMs, r.MediaID)
	}
	if r.TextSpan != nil && (r.TextSpan.Start < 0 || r.TextSpan.End < r.TextSpan.Start) {
		return fmt.Errorf("%w: invalid text span [%d,%d)", ErrMalformedEvidenceRef, r.TextSpan.Start, r.TextSpan.End)
	}
	if r.BBox != nil && (r.BBox.W < 0 || r.BBox.H < 0) {
		return fmt.Errorf("%w: negative bbox extent", ErrMalformedEvidenceRef)
	}
	return nil
}

// ValidateProvenance rejects records with any required field unpopulated.
func ValidateProvenance(p *ProvenanceRecord) error {
	if p == nil {
		return fmt.Errorf("%w: nil record", ErrProvenanceMissing)
	}
	switch {
	case p.ProducerPluginID == "":
		return fmt.Errorf("%w: producer_plugin_id", ErrProvenanceMissing)
	case p.ProducerPluginVersion == "":
		return fmt.Errorf("%w: producer_plugin_version", ErrProvenanceMissing)
	case p.ModelID == "":
		return fmt.Errorf("%w: model_id", ErrProvenanceMissing)
	case p.ModelVersion == "":
		return fmt.Errorf("%w: model_version", ErrProvenanceMissing)
	case p.ConfigHash == "":
		return fmt.Errorf("%w: config_hash", ErrProvenanceMissing)
	case len(p.InputArtifactIDs) == 0:
		return fmt.Errorf("%w: input_artifact_ids", ErrProvenanceMissing)
	case p.CreatedTsMs <= 0:
		return fmt.Errorf("%w: created_ts_ms", ErrProvenanceMissing)
	}
	for _, id := range p.InputArtifactIDs {
		if id == "" {
			return fmt.Errorf("%w: empty input artifact id", ErrProvenanceMissing)
		}
	}
	return nil
}

func validateEmbedding(e *Embedding, what string) error {
	if e.Dim <= 0 {
		return fmt.Errorf("%s embedding has dim %d", what, e.Dim)
	}
	if e.Dtype != "f16" {
		return fmt.Errorf("%s embedding has unsupported dtype %q", what, e.Dtype)
	}
	if len(e.Data) != 2*e.Dim {
		return fmt.Errorf("%s embedding data is %d bytes, want %d", what, len(e.Data), 2*e.Dim)
	}
	return nil
}

func validateEvidence(refs []EvidenceRef) error {
	if len(refs) == 0 {
		return ErrEvidenceMissing
	}
	for i := range refs {
		if err := ValidateRef(&refs[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSpan is the validate-before-persist check for spans. It runs
// synchronously inside the store's write path; a failure means nothing is
// written.
func ValidateSpan(s *StateSpan) error {
	if s == nil {
		return fmt.Errorf("nil span")
	}
	if s.StateID == "" {
		return fmt.Errorf("span has empty state_id")
	}
	if s.SessionID == "" {
		return fmt.Errorf("span %s has empty session_id", s.StateID)
	}
	if s.TsStartMs < 0 || s.TsEndMs <= s.TsStartMs {
		return fmt.Errorf("span %s has invalid interval [%d,%d)", s.StateID, s.TsStartMs, s.TsEndMs)
	}
	if err := validateEmbedding(&s.Embedding, "span"); err != nil {
		return err
	}
	if err := validateEvidence(s.Evidence); err != nil {
		return err
	}
	return ValidateProvenance(&s.Provenance)
}

// ValidateEdge is the validate-before-persist check for edges. Endpoint
// existence is the store's job; shape and invariant checks happen here.
func ValidateEdge(e *StateEdge) error {
	if e == nil {
		return fmt.Errorf("nil edge")
	}
	if e.EdgeID == "" {
		return fmt.Errorf("edge has empty edge_id")
	}
	if e.FromStateID == "" || e.ToStateID == "" {
		return fmt.Errorf("edge %s has empty endpoint", e.EdgeID)
	}
	if e.FromStateID == e.ToStateID {
		return fmt.Errorf("edge %s is a self-loop on %s", e.EdgeID, e.FromStateID)
	}
	if math.IsNaN(e.PredError) || e.PredError < 0 || e.PredError > 2 {
		return fmt.Errorf("edge %s has pred_error %v outside [0,2]", e.EdgeID, e.PredError)
	}
	if err := validateEmbedding(&e.DeltaEmbedding, "edge"); err != nil {
		return err
	}
	if err := validateEvidence(e.Evidence); err != nil {
		return err
	}
	return ValidateProvenance(&e.Provenance)
}
