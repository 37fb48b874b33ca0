package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashProjDeterministic(t *testing.T) {
	p, err := NewHashProj(64, "deadbeef")
	require.NoError(t, err)

	first := p.EmbedFeature("frame-hash-001")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, p.EmbedFeature("frame-hash-001"))
	}

	// an independently constructed engine with the same seed agrees
	q, err := NewHashProj(64, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, first, q.EmbedFeature("frame-hash-001"))
}

func TestHashProjSeedSeparation(t *testing.T) {
	a, err := NewHashProj(64, "config-a")
	require.NoError(t, err)
	b, err := NewHashProj(64, "config-b")
	require.NoError(t, err)

	assert.NotEqual(t, a.EmbedFeature("same-feature"), b.EmbedFeature("same-feature"),
		"different config hashes must project into unrelated bases")
}

func TestHashProjDistinctFeatures(t *testing.T) {
	p, err := NewHashProj(128, "cfg")
	require.NoError(t, err)
	assert.NotEqual(t, p.EmbedFeature("alpha"), p.EmbedFeature("beta"))
}

func TestHashProjEmbedText(t *testing.T) {
	p, err := NewHashProj(32, "cfg")
	require.NoError(t, err)

	t.Run("empty tokens give zero vector", func(t *testing.T) {
		vec := p.EmbedText(nil)
		require.Len(t, vec, 32)
		for _, v := range vec {
			assert.Zero(t, v)
		}
	})

	t.Run("pooled vector is the token mean", func(t *testing.T) {
		a := p.EmbedFeature("review")
		b := p.EmbedFeature("deploy")
		pooled := p.EmbedText([]string{"review", "deploy"})
		for i := range pooled {
			assert.InDelta(t, (a[i]+b[i])/2, pooled[i], 1e-6)
		}
	})

	t.Run("repeated pooling is bit-identical", func(t *testing.T) {
		tokens := []string{"inbox", "review", "deploy", "inbox"}
		first := p.EmbedText(tokens)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, p.EmbedText(tokens))
		}
	})
}

func TestHashProjProjectRegions(t *testing.T) {
	p, err := NewHashProj(8, "cfg")
	require.NoError(t, err)

	t.Run("wraps source indices", func(t *testing.T) {
		region := make([]float32, 16)
		region[0] = 1 // lands on bucket 0
		region[8] = 2 // wraps onto bucket 0
		region[3] = 5 // bucket 3
		out := p.ProjectRegions([][]float32{region})
		assert.Equal(t, float32(3), out[0])
		assert.Equal(t, float32(5), out[3])
	})

	t.Run("means across regions", func(t *testing.T) {
		r1 := []float32{2, 0, 0, 0, 0, 0, 0, 0}
		r2 := []float32{4, 0, 0, 0, 0, 0, 0, 0}
		out := p.ProjectRegions([][]float32{r1, r2})
		assert.InDelta(t, 3.0, out[0], 1e-6)
	})

	t.Run("no regions give zero vector", func(t *testing.T) {
		out := p.ProjectRegions(nil)
		require.Len(t, out, 8)
		for _, v := range out {
			assert.Zero(t, v)
		}
	})
}

func TestHashProjRejectsBadDim(t *testing.T) {
	_, err := NewHashProj(0, "cfg")
	assert.Error(t, err)
	_, err = NewHashProj(-8, "cfg")
	assert.Error(t, err)
}
