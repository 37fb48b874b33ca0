package embedding

import (
	"crypto/sha256"
	"fmt"
)

const (
	hashProjModelID = "statetape.hashproj"
	hashProjVersion = "model.v1"

	// Each feature hash is consumed as 10 groups of 3 bytes: two bytes
	// pick the bucket, the third byte's low bit picks the sign.
	hashProjGroups = 10
)

// HashProj is the baseline projection: feature hashing into a fixed
// dimension, seeded by the builder's config hash so that vectors from
// different configurations occupy unrelated bases. No training, no
// stochastic initialization, no out-of-band weights — everything derives
// from the seed.
type HashProj struct {
	dim  int
	seed string
}

// NewHashProj builds the engine. The seed combines the caller's config
// hash with this engine's own version, so an algorithm rev reprojects
// everything even under an unchanged config.
func NewHashProj(dim int, configHash string) (*HashProj, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("hashproj dimension must be positive, got %d", dim)
	}
	return &HashProj{dim: dim, seed: configHash + "::" + hashProjVersion}, nil
}

func (p *HashProj) Dim() int             { return p.dim }
func (p *HashProj) ModelID() string      { return hashProjModelID }
func (p *HashProj) ModelVersion() string { return hashProjVersion }

// EmbedFeature projects one feature string.
func (p *HashProj) EmbedFeature(feature string) []float32 {
	vec := make([]float32, p.dim)
	p.accumulate(vec, feature, 1)
	return vec
}

// EmbedText mean-pools projected tokens in the caller's order. The
// builder's tokenizer is deterministic, so repeated runs pool identically.
func (p *HashProj) EmbedText(tokens []string) []float32 {
	vec := make([]float32, p.dim)
	if len(tokens) == 0 {
		return vec
	}
	scale := float32(1) / float32(len(tokens))
	for _, tok := range tokens {
		p.accumulate(vec, tok, scale)
	}
	return vec
}

// ProjectRegions folds region embeddings of any source dimension into the
// engine dimension by index wrap-around, then mean-pools across regions.
func (p *HashProj) ProjectRegions(regions [][]float32) []float32 {
	vec := make([]float32, p.dim)
	if len(regions) == 0 {
		return vec
	}
	scale := float32(1) / float32(len(regions))
	for _, region := range regions {
		for i, v := range region {
			vec[i%p.dim] += v * scale
		}
	}
	return vec
}

func (p *HashProj) accumulate(vec []float32, feature string, scale float32) {
	sum := sha256.Sum256([]byte(p.seed + "::" + feature))
	unit := scale / hashProjGroups
	for g := 0; g < hashProjGroups; g++ {
		b0 := sum[3*g]
		b1 := sum[3*g+1]
		b2 := sum[3*g+2]
		bucket := (int(b0)<<8 | int(b1)) % p.dim
		if b2&1 == 1 {
			vec[bucket] -= unit
		} else {
			vec[bucket] += unit
		}
	}
}
