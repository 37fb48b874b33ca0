package answer

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"statetape/internal/bundle"
	"statetape/internal/identity"
)

// genaiSystemPrompt pins the citation contract for the model. The bundle
// is the model's entire world: it never sees raw captures, file paths, or
// anything the gate did not pass.
const genaiSystemPrompt = `You answer questions about a user's past screen activity.
Your ONLY source of information is the evidence bundle JSON in the user message.
Rules:
- Every factual sentence must end with an inline citation of the form [media_id@ts_start_ms], using values from the bundle's evidence entries.
- If the bundle's policy.can_export_text is false, use only the summary fields and state that limitation in one sentence.
- Never invent media IDs, timestamps, or facts not present in the bundle.
- Keep the answer short and concrete.`

// GenAIEngine answers through Gemini. The request carries the question and
// the canonical JSON of the bundle, nothing else; the orchestrator still
// verifies citations on the way out, so a drifting model fails loudly
// instead of shipping uncited prose.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates the Gemini-backed engine.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai engine requires an API key")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIEngine{client: client, model: model}, nil
}

func (e *GenAIEngine) Name() string { return "genai" }

// Generate sends the bundle as canonical JSON so identical queries replay
// with identical request bodies (the model itself is the one
// nondeterministic stage, which is why it sits behind the citation check).
func (e *GenAIEngine) Generate(ctx context.Context, question string, b *bundle.QueryEvidenceBundle) (string, error) {
	bundleJSON, err := identity.CanonicalJSON(b)
	if err != nil {
		return "", fmt.Errorf("failed to encode bundle for generation: %w", err)
	}

	prompt := fmt.Sprintf("Question: %s\n\nEvidence bundle:\n%s", question, bundleJSON)

	result, err := e.client.Models.GenerateContent(ctx,
		e.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(genaiSystemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0),
		},
	)
	if err != nil {
		return "", fmt.Errorf("genai generation failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("genai returned an empty answer")
	}
	return text, nil
}
