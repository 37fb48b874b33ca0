// Package bundle compiles retrieval output into the QueryEvidenceBundle,
// the only object answering code may read from. Bundles carry references
// and policy-permitted snippets, never raw artifact bytes, and their
// internal ordering is fixed so identical queries produce identical
// bundles.
package bundle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"statetape/internal/evidence"
	"statetape/internal/gate"
)

// SpanHit is one scored span entering compilation.
type SpanHit struct {
	Span  *evidence.StateSpan
	Score float64
}

// Hit is the compiled, answer-facing view of a span.
type Hit struct {
	StateID               string                 `json:"state_id"`
	Score                 float64                `json:"score"`
	TsStartMs             int64                  `json:"ts_start_ms"`
	TsEndMs               int64                  `json:"ts_end_ms"`
	Summary               evidence.SpanSummary   `json:"summary"`
	Evidence              []evidence.EvidenceRef `json:"evidence"`
	ExtractedTextSnippets []string               `json:"extracted_text_snippets,omitempty"`
}

// QueryEvidenceBundle is constructed fresh per query and never persisted as
// a mutable object; the audit log records it immutably.
type QueryEvidenceBundle struct {
	QueryID     string        `json:"query_id"`
	CreatedTsMs int64         `json:"created_ts_ms"`
	Hits        []Hit         `json:"hits"`
	Policy      gate.Decision `json:"policy"`
}

// SnippetSource resolves an evidence ref's text_span back to the extracted
// text it points at. Resolution is best-effort: ok=false means the backing
// artifact is gone or carries no text, which is not an error.
type SnippetSource interface {
	Resolve(ctx context.Context, ref evidence.EvidenceRef) (string, bool)
}

// Compile turns scored spans into a bundle. Hits sort by (score desc,
// state_id asc); evidence inside each hit by (ts_start_ms, media_id).
// Snippets are resolved only when the decision permits text export — the
// decision itself was made upstream by the gate.
func Compile(ctx context.Context, queryID string, hits []SpanHit, decision gate.Decision, src SnippetSource) (*QueryEvidenceBundle, error) {
	sorted := make([]SpanHit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Span.StateID < sorted[j].Span.StateID
	})

	out := &QueryEvidenceBundle{
		QueryID:     queryID,
		CreatedTsMs: time.Now().UnixMilli(),
		Hits:        make([]Hit, 0, len(sorted)),
		Policy:      decision,
	}

	for _, sh := range sorted {
		if sh.Span == nil {
			return nil, fmt.Errorf("bundle: nil span in hit set")
		}
		refs := make([]evidence.EvidenceRef, len(sh.Span.Evidence))
		copy(refs, sh.Span.Evidence)
		evidence.SortRefs(refs)

		hit := Hit{
			StateID:   sh.Span.StateID,
			Score:     sh.Score,
			TsStartMs: sh.Span.TsStartMs,
			TsEndMs:   sh.Span.TsEndMs,
			Summary:   sh.Span.Summary,
			Evidence:  refs,
		}
		if decision.CanExportText && src != nil {
			hit.ExtractedTextSnippets = resolveSnippets(ctx, src, refs)
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

func resolveSnippets(ctx context.Context, src SnippetSource, refs []evidence.EvidenceRef) []string {
	var snippets []string
	seen := make(map[string]struct{})
	for _, ref := range refs {
		if ref.TextSpan == nil {
			continue
		}
		text, ok := src.Resolve(ctx, ref)
		if !ok || text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		snippets = append(snippets, text)
	}
	return snippets
}

// Apps returns the distinct apps across spans in hit order, the fact set
// the gate decides from.
func Apps(hits []SpanHit) []string {
	var apps []string
	seen := make(map[string]struct{})
	for _, sh := range hits {
		if sh.Span == nil {
			continue
		}
		app := sh.Span.Summary.App
		if app == "" {
			continue
		}
		if _, ok := seen[app]; ok {
			continue
		}
		seen[app] = struct{}{}
		apps = append(apps, app)
	}
	return apps
}

// AnyRedacted reports whether any evidence ref in the hit set carries
// redaction.
func AnyRedacted(hits []SpanHit) bool {
	for _, sh := range hits {
		if sh.Span == nil {
			continue
		}
		for i := range sh.Span.Evidence {
			if sh.Span.Evidence[i].RedactionApplied {
				return true
			}
		}
	}
	return false
}
