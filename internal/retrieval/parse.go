package retrieval

import (
	"regexp"
	"strings"

	"statetape/internal/identity"
)

// Request is the exposed retrieval shape: one question plus optional
// explicit filters. Explicit filters always win over anything parsed out
// of the question text.
type Request struct {
	UserQuestion string  `json:"user_question"`
	Filters      Filters `json:"filters,omitempty"`
}

// Filters narrows retrieval by span metadata.
type Filters struct {
	TimeRange *[2]int64 `json:"time_range,omitempty"`
	App       string    `json:"app,omitempty"`
}

// QueryID derives the deterministic identifier for a request, so audit
// lines correlate across identical replays.
func QueryID(req Request) string {
	data, err := identity.CanonicalJSON(req)
	if err != nil {
		data = []byte(req.UserQuestion)
	}
	return identity.DeterministicID(data)
}

var (
	appTokenRe = regexp.MustCompile(`app:"([^"]+)"|app:(\S+)`)
	quotedRe   = regexp.MustCompile(`"([^"]+)"`)
)

// Parsed is the structured form of a question.
type Parsed struct {
	EmbedText string   // residual text, embedded for vector search
	App       string   // app filter, explicit or parsed
	Entities  []string // quoted entities matched against span top_entities
}

// ParseQuestion extracts structured filters from the question text.
// Deterministic: `app:"name"` or `app:name` tokens set the app filter
// (first token wins, explicit request filters win over both), bare quoted
// strings become entity filters, and whatever remains is the embedding
// query.
func ParseQuestion(question string, explicit Filters) Parsed {
	p := Parsed{App: explicit.App}

	rest := appTokenRe.ReplaceAllStringFunc(question, func(tok string) string {
		m := appTokenRe.FindStringSubmatch(tok)
		app := m[1]
		if app == "" {
			app = m[2]
		}
		if p.App == "" {
			p.App = app
		}
		return " "
	})

	rest = quotedRe.ReplaceAllStringFunc(rest, func(tok string) string {
		entity := strings.ToLower(strings.TrimSpace(strings.Trim(tok, `"`)))
		if entity != "" {
			p.Entities = append(p.Entities, entity)
		}
		return " "
	})

	p.EmbedText = strings.Join(strings.Fields(rest), " ")
	return p
}
