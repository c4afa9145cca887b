package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/agentmem/shardmem/config"
)

// Index is the vector index behind pure-semantic search: an embedded
// chromem-go database with one collection per shard. The shards remain the
// source of truth for record data; the index only maps embeddings to record
// ids and is rebuilt from the shards at startup.
type Index struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[config.ShardID]*chromem.Collection
}

// Hit is one index match.
type Hit struct {
	RecordID   string
	Similarity float64
}

// NewIndex creates an empty in-memory index.
func NewIndex() *Index {
	return &Index{
		db:          chromem.NewDB(),
		collections: make(map[config.ShardID]*chromem.Collection),
	}
}

func (ix *Index) collection(id config.ShardID) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, ok := ix.collections[id]
	ix.mu.RUnlock()
	if ok {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if col, ok := ix.collections[id]; ok {
		return col, nil
	}

	// Embeddings are always provided explicitly, so no embedding func and
	// the default cosine distance.
	col, err := ix.db.CreateCollection("shard_"+string(id), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search: create collection for %s: %w", id, err)
	}
	ix.collections[id] = col
	return col, nil
}

// Add registers a record's embedding under its shard.
func (ix *Index) Add(ctx context.Context, shardID config.ShardID, recordID string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	col, err := ix.collection(shardID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID: recordID,
		// chromem requires non-empty content; the id is enough since the
		// shard is the source of truth for record data.
		Content:   recordID,
		Embedding: vec,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("search: index %s/%s: %w", shardID, recordID, err)
	}
	return nil
}

// Remove drops records from the shard's collection. Unknown ids are ignored.
func (ix *Index) Remove(ctx context.Context, shardID config.ShardID, recordIDs ...string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	ix.mu.RLock()
	col, ok := ix.collections[shardID]
	ix.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, recordIDs...); err != nil {
		// chromem reports unknown ids as errors; an id may be missing
		// simply because the record never had an embedding.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("search: remove from %s: %w", shardID, err)
	}
	return nil
}

// Query returns up to n hits for the embedding, most similar first.
// n is clamped to the collection size; an empty collection yields no hits.
func (ix *Index) Query(ctx context.Context, shardID config.ShardID, vec []float32, n int) ([]Hit, error) {
	ix.mu.RLock()
	col, ok := ix.collections[shardID]
	ix.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search: query %s: %w", shardID, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{RecordID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

// Count returns the number of indexed records for a shard.
func (ix *Index) Count(shardID config.ShardID) int {
	ix.mu.RLock()
	col, ok := ix.collections[shardID]
	ix.mu.RUnlock()
	if !ok {
		return 0
	}
	return col.Count()
}
