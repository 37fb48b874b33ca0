// Package identity provides the deterministic hashing and ID derivation
// used by every layer above it. All functions are pure: no I/O, no
// randomness, no wall clock, no dependence on map iteration order. Any
// identifier in the system that is not derived through this package is a
// bug.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// idNamespace anchors every UUID-shaped identifier the system derives.
// It is itself UUIDv5(DNS, "statetape") and must never change: new IDs
// under a different namespace would orphan every persisted span and edge.
var idNamespace = uuid.MustParse("069db6ab-9fe3-5fc3-9730-a5cd6e2bd1cd")

// ConfigHash hashes the canonical serialization of cfg. Stable key order
// and number formatting come from CanonicalJSON, so two configs that are
// semantically equal hash identically on every run and platform.
func ConfigHash(cfg any) (string, error) {
	data, err := CanonicalJSON(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Preimage builds the canonical preimage for cache keys and derived IDs:
// fields joined with "::", artifact IDs joined with ",". Callers supply
// artifact IDs already in their canonical order; the builder sorts span
// evidence, while edges pass [from, to] because direction matters.
func Preimage(pluginID, pluginVersion, modelVersion, configHash string, inputArtifactIDs []string) string {
	return strings.Join([]string{
		pluginID,
		pluginVersion,
		modelVersion,
		configHash,
		strings.Join(inputArtifactIDs, ","),
	}, "::")
}

// CacheKey hashes the preimage tuple. Identical tuples always produce
// identical keys; the builder uses them to skip recomputation and tests
// use them to prove idempotent reprocessing.
func CacheKey(pluginID, pluginVersion, modelVersion, configHash string, inputArtifactIDs []string) string {
	sum := sha256.Sum256([]byte(Preimage(pluginID, pluginVersion, modelVersion, configHash, inputArtifactIDs)))
	return hex.EncodeToString(sum[:])
}

// DeterministicID maps a preimage to a content-addressed, UUID-shaped
// token (UUIDv5 under the project namespace). Never random.
func DeterministicID(preimage []byte) string {
	return uuid.NewSHA1(idNamespace, preimage).String()
}

// SpanID derives a state span identifier. The "span::" prefix separates
// the span ID domain from the edge ID domain.
func SpanID(pluginID, pluginVersion, modelVersion, configHash string, inputArtifactIDs []string) string {
	return DeterministicID([]byte("span::" + Preimage(pluginID, pluginVersion, modelVersion, configHash, inputArtifactIDs)))
}

// EdgeID derives a state edge identifier; inputArtifactIDs is
// [fromStateID, toStateID], in that order.
func EdgeID(pluginID, pluginVersion, modelVersion, configHash string, inputArtifactIDs []string) string {
	return DeterministicID([]byte("edge::" + Preimage(pluginID, pluginVersion, modelVersion, configHash, inputArtifactIDs)))
}

// EmbeddingHash hashes raw embedding bytes. The vector index stores it per
// entry to detect stale embeddings.
func EmbeddingHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHash hashes kind-tagged content, e.g. window titles. The kind tag
// keeps hashes of different content classes from colliding.
func ContentHash(kind, content string) string {
	sum := sha256.Sum256([]byte(kind + "::" + content))
	return hex.EncodeToString(sum[:])
}
