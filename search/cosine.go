package search

import "math"

// Cosine returns the cosine similarity dot(a,b)/(|a|*|b|), clamped to
// [-1, 1] against floating-point drift. A zero vector on either side yields
// 0: there is no direction to compare, and dividing by zero is never an
// option. Mismatched lengths also yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim))
}

// ClampScore maps a raw cosine similarity into [0, 1] for result payloads.
// The negative half of the range collapses to 0: callers rank results, and
// anything anti-similar ranks the same as no match.
func ClampScore(sim float64) float64 {
	return math.Max(0, math.Min(1, sim))
}
