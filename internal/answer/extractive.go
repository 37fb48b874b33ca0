package answer

import (
	"context"
	"fmt"
	"strings"

	"statetape/internal/bundle"
)

// extractiveMaxHits bounds how many hits contribute a sentence. The bundle
// arrives ordered (score desc, state_id asc), so the head is the best head.
const extractiveMaxHits = 5

// Extractive is the default engine: deterministic template prose built
// hit-by-hit from the bundle, one cited sentence per hit. No model, no
// network, identical output for identical bundles.
type Extractive struct{}

func (e *Extractive) Name() string { return "extractive" }

// Generate writes one sentence per top hit. With text export permitted the
// sentence leads with the hit's snippets; otherwise it is built from the
// summary fields alone and the orchestrator appends the policy notice.
func (e *Extractive) Generate(_ context.Context, question string, b *bundle.QueryEvidenceBundle) (string, error) {
	var sb strings.Builder

	n := len(b.Hits)
	if n > extractiveMaxHits {
		n = extractiveMaxHits
	}

	for i := 0; i < n; i++ {
		hit := b.Hits[i]
		if len(hit.Evidence) == 0 {
			// A hit without evidence cannot be cited, so it cannot
			// contribute a factual sentence.
			continue
		}
		cite := Citation(hit.Evidence[0].MediaID, hit.Evidence[0].TsStartMs)

		if b.Policy.CanExportText && len(hit.ExtractedTextSnippets) > 0 {
			fmt.Fprintf(&sb, "Around %s, %s showed: %q %s\n",
				formatWindow(hit.TsStartMs, hit.TsEndMs),
				appOr(hit.Summary.App, "the screen"),
				strings.Join(hit.ExtractedTextSnippets, " / "),
				cite)
			continue
		}

		fmt.Fprintf(&sb, "Around %s, %s was active%s %s\n",
			formatWindow(hit.TsStartMs, hit.TsEndMs),
			appOr(hit.Summary.App, "an unidentified app"),
			entityClause(hit.Summary.TopEntities),
			cite)
	}

	text := strings.TrimRight(sb.String(), "\n")
	if text == "" {
		return "", fmt.Errorf("extractive: no citable hits in bundle %s", b.QueryID)
	}
	return text, nil
}

func appOr(app, fallback string) string {
	if app == "" {
		return fallback
	}
	return app
}

func entityClause(entities []string) string {
	if len(entities) == 0 {
		return ""
	}
	n := len(entities)
	if n > 3 {
		n = 3
	}
	return fmt.Sprintf(" (topics: %s)", strings.Join(entities[:n], ", "))
}

// formatWindow renders a span's bounds as relative milliseconds. Bundle
// timestamps are session-relative epochs; the answer keeps them raw so a
// citation can be replayed exactly.
func formatWindow(startMs, endMs int64) string {
	return fmt.Sprintf("%dms to %dms", startMs, endMs)
}
