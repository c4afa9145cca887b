package embed_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/shardmem/embed"
)

// countingEmbedder counts backend calls so cache hits are observable.
type countingEmbedder struct {
	inner *embed.Fallback
	calls int
	fail  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.fail {
		return nil, errors.New("backend down")
	}
	c.calls++
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }

func TestFallbackDeterministic(t *testing.T) {
	ctx := context.Background()
	f := embed.NewFallback(0)

	a, err := f.Embed(ctx, "the same text")
	require.NoError(t, err)
	b, err := f.Embed(ctx, "the same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, embed.DefaultDimension)

	c, err := f.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFallbackNormalizesInput(t *testing.T) {
	ctx := context.Background()
	f := embed.NewFallback(0)

	// Case and whitespace variants must produce the exact vector the cache
	// would have stored under the shared key, or an evicted entry could be
	// recomputed into a different vector than the persisted one.
	a, err := f.Embed(ctx, "Finalize API Docs")
	require.NoError(t, err)
	b, err := f.Embed(ctx, "  finalize api docs \n")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFallbackUnitLength(t *testing.T) {
	f := embed.NewFallback(16)
	vec, err := f.Embed(context.Background(), "normalize me")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestCacheKeyNormalization(t *testing.T) {
	assert.Equal(t, embed.CacheKey("hello world"), embed.CacheKey("  Hello World \n"))
	assert.NotEqual(t, embed.CacheKey("hello world"), embed.CacheKey("hello worlds"))
}

func TestCacheHitSkipsBackend(t *testing.T) {
	ctx := context.Background()
	backend := &countingEmbedder{inner: embed.NewFallback(32)}
	cache, err := embed.NewCache(backend, 1<<20)
	require.NoError(t, err)

	first, err := cache.Embed(ctx, "remember this")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)

	// Whitespace and case variants hit the same entry.
	second, err := cache.Embed(ctx, "  Remember THIS ")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, first, second)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 32, stats.Dimension)
}

func TestCacheWrapsBackendFailure(t *testing.T) {
	backend := &countingEmbedder{inner: embed.NewFallback(32), fail: true}
	cache, err := embed.NewCache(backend, 1<<20)
	require.NoError(t, err)

	_, err = cache.Embed(context.Background(), "unreachable")
	assert.ErrorIs(t, err, embed.ErrUnavailable)
}

func TestCacheClear(t *testing.T) {
	ctx := context.Background()
	backend := &countingEmbedder{inner: embed.NewFallback(32)}
	cache, err := embed.NewCache(backend, 1<<20)
	require.NoError(t, err)

	_, err = cache.Embed(ctx, "ephemeral")
	require.NoError(t, err)
	cache.Clear()

	_, err = cache.Embed(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}
