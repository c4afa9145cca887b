package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultDimension matches all-MiniLM-L6-v2, the local model the fallback
// stands in for.
const DefaultDimension = 384

// Fallback generates deterministic embeddings from a hash of the text.
// The vectors carry no semantic meaning, but they are reproducible, unit
// length, and cheap, which keeps the rest of the engine fully functional
// without a model.
type Fallback struct {
	dimension int
}

// NewFallback creates a fallback embedder. dimension <= 0 selects
// DefaultDimension.
func NewFallback(dimension int) *Fallback {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Fallback{dimension: dimension}
}

// Embed derives a pseudo-random but deterministic unit vector from the text.
// Case and surrounding whitespace are normalized away first, matching the
// cache key, so variants of the same text always map to the same vector.
func (f *Fallback) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	seed := h.Sum64()

	vec := make([]float32, f.dimension)
	for i := range vec {
		// LCG step per component, seeded by the text hash.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	normalize(vec)
	return vec, nil
}

// Dimension returns the embedding size.
func (f *Fallback) Dimension() int { return f.dimension }

// normalize scales vec to unit length in place. A zero vector is left as is.
func normalize(vec []float32) {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
}
