// Package embed converts text to fixed-length float32 vectors for similarity
// search, and caches the results so identical normalized text never pays for
// a second computation.
//
// The backend is a closed set of variants behind one capability interface:
//   - openai.Embedder: real semantic embeddings via the OpenAI embeddings API
//   - onnx.Embedder: real semantic embeddings via a local ONNX model
//     (build tag "onnx")
//   - Fallback: reproducible hashing-trick vectors, used whenever a real
//     model is unavailable or explicitly disabled
//
// Callers must not depend on which variant is active, only on the contract:
// same normalized text yields the same vector, and the dimension is queryable.
package embed

import (
	"context"
	"errors"
)

// ErrUnavailable wraps backend failures. Callers treat it as "no vector for
// this record": the record is still stored, just unsearchable semantically
// until re-embedded.
var ErrUnavailable = errors.New("embed: embedding unavailable")

// Embedder converts text to a fixed-length vector.
type Embedder interface {
	// Embed returns the vector for text. Deterministic for identical
	// normalized input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding vector size.
	Dimension() int
}
