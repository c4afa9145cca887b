package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// Cache wraps an Embedder with a ristretto-backed vector cache keyed by a
// hash of the normalized text. Normalization (trim + lowercase) happens
// before hashing so cache hits are insensitive to surrounding whitespace and
// case.
//
// The cache is safe for concurrent use. A race to embed the same text twice
// is harmless: both computations produce the same value, last write wins.
// Ristretto may decline to admit an entry under memory pressure; a miss only
// costs a recompute, never a wrong answer.
type Cache struct {
	backend Embedder
	cache   *ristretto.Cache
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	KeysAdded uint64 `json:"keys_added"`
	Dimension int    `json:"embedding_dimension"`
}

// NewCache creates a cache in front of backend. maxBytes bounds the total
// vector memory; <= 0 selects a 64 MiB default, enough for roughly 40k
// 384-dim vectors.
func NewCache(backend Embedder, maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: create cache: %w", err)
	}
	return &Cache{backend: backend, cache: rc}, nil
}

// Embed returns the cached vector for the normalized text, computing and
// storing it on a miss.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(text)

	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.backend.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.cache.Set(key, vec, int64(len(vec))*4)
	// Ristretto admits entries asynchronously; waiting here makes an
	// immediate re-embed of the same text a guaranteed hit.
	c.cache.Wait()
	return vec, nil
}

// Dimension returns the backend's embedding size.
func (c *Cache) Dimension() int { return c.backend.Dimension() }

// Stats returns hit/miss counters.
func (c *Cache) Stats() CacheStats {
	m := c.cache.Metrics
	return CacheStats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		KeysAdded: m.KeysAdded(),
		Dimension: c.backend.Dimension(),
	}
}

// Clear drops every cached vector.
func (c *Cache) Clear() {
	c.cache.Clear()
}

// CacheKey returns the cache key for text: the SHA-256 of its normalized
// form.
func CacheKey(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
