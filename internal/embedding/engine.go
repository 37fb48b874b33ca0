// Package embedding provides the deterministic pooling and projection
// engines behind state span embeddings. Engines here are pure CPU: same
// inputs and config produce bit-identical vectors on every run and
// platform. Network-backed embedding models are deliberately absent — the
// builder's reproducibility guarantee forbids them.
package embedding

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// Engine turns extracted features into fixed-dimension vectors. Every
// implementation declares a model identity; the version participates in
// cache keys and the staleness guard, so revving an algorithm revs its
// ModelVersion.
type Engine interface {
	// EmbedText mean-pools the projected token vectors. Empty input
	// yields the zero vector.
	EmbedText(tokens []string) []float32

	// EmbedFeature projects a single opaque feature string, e.g. an
	// image content hash standing in for missing region embeddings.
	EmbedFeature(feature string) []float32

	// ProjectRegions folds per-region embeddings of arbitrary dimension
	// into the engine dimension and mean-pools them.
	ProjectRegions(regions [][]float32) []float32

	Dim() int
	ModelID() string
	ModelVersion() string
}

// Config selects and parameterizes an engine.
type Config struct {
	// Projection names the algorithm; closed set, currently hashproj.v1.
	Projection string
	Dim        int
	// ConfigHash seeds the projection so that embeddings from different
	// builder configurations never silently mix.
	ConfigHash string
}

// NewEngine creates an engine from configuration. Unknown projections are
// rejected; there is no dynamic loading.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Projection {
	case "hashproj.v1":
		return NewHashProj(cfg.Dim, cfg.ConfigHash)
	default:
		return nil, fmt.Errorf("unsupported projection: %s (use 'hashproj.v1')", cfg.Projection)
	}
}

// Cosine calculates the cosine similarity between two vectors. Returns a
// value between -1 and 1; zero-magnitude vectors compare as 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}

	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Normalize scales vec to unit L2 length in place and returns it. The zero
// vector is left unchanged.
func Normalize(vec []float32) []float32 {
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag == 0 {
		return vec
	}
	inv := 1.0 / math.Sqrt(mag)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}

// Tokenize is the fixed tokenization rule for text pooling: lowercase,
// split on anything that is not a letter or digit, drop single runes.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
