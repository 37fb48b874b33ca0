// Package answer generates citation-by-construction answers from evidence
// bundles. The orchestrator reads nothing but the bundle: no store, no
// index, no files. Empty bundles terminate with the literal "no evidence";
// non-empty bundles must come back with at least one inline citation, and
// an engine that returns none is a contract violation, not a valid output.
package answer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"statetape/internal/bundle"
	"statetape/internal/config"
	"statetape/internal/logging"
)

// NoEvidence is the exact terminal answer for an empty bundle.
const NoEvidence = "no evidence"

// summariesOnlyNotice is appended verbatim whenever text export is denied,
// so the limitation is stated, not silently applied.
const summariesOnlyNotice = "Note: text export is not permitted by policy; this answer is built from span summaries only."

var (
	// ErrUncitedAnswer reports an engine that produced factual output
	// with zero citations while the bundle had hits.
	ErrUncitedAnswer = errors.New("answer: generated answer carries no citations")
	// ErrUnknownEngine reports an engine name outside the closed set.
	ErrUnknownEngine = errors.New("answer: unknown engine")
)

// citationRe matches the inline citation form [media_id@ts_start_ms].
var citationRe = regexp.MustCompile(`\[[^\[\]@\s]+@\d+\]`)

// Citation renders the inline form for one evidence pointer.
func Citation(mediaID string, tsStartMs int64) string {
	return fmt.Sprintf("[%s@%d]", mediaID, tsStartMs)
}

// Engine turns a question plus a bundle into prose. Engines receive the
// bundle and nothing else; both implementations here are constructed so
// that raw capture data cannot reach them.
type Engine interface {
	Name() string
	Generate(ctx context.Context, question string, b *bundle.QueryEvidenceBundle) (string, error)
}

// NewEngine selects an engine by configured name. Closed set.
func NewEngine(cfg config.AnswerConfig) (Engine, error) {
	switch cfg.Engine {
	case "", "extractive":
		return &Extractive{}, nil
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

// Orchestrator enforces the answering contract around an engine.
type Orchestrator struct {
	engine Engine
	log    *zap.Logger
}

func NewOrchestrator(engine Engine, log *zap.Logger) *Orchestrator {
	return &Orchestrator{engine: engine, log: logging.OrNop(log)}
}

// Answer runs the contract state machine. Empty hits return NoEvidence and
// stop. Otherwise the engine generates from bundle contents, the output is
// checked for at least one inline citation, and the summaries-only notice
// is guaranteed when policy denies text export.
func (o *Orchestrator) Answer(ctx context.Context, question string, b *bundle.QueryEvidenceBundle) (string, error) {
	if b == nil || len(b.Hits) == 0 {
		return NoEvidence, nil
	}

	text, err := o.engine.Generate(ctx, question, b)
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}

	if !citationRe.MatchString(text) {
		o.log.Error("engine emitted uncited answer",
			zap.String("engine", o.engine.Name()),
			zap.String("query_id", b.QueryID))
		return "", ErrUncitedAnswer
	}

	if !b.Policy.CanExportText && !strings.Contains(text, summariesOnlyNotice) {
		text = text + "\n" + summariesOnlyNotice
	}

	o.log.Debug("answer generated",
		zap.String("engine", o.engine.Name()),
		zap.String("query_id", b.QueryID),
		zap.Int("hits", len(b.Hits)))
	return text, nil
}
