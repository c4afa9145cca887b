// Package search ranks memory records against free-text queries. Three modes
// are offered: pure-semantic (cosine similarity over embeddings), a lexical
// fallback (substring and token overlap) that fires when the semantic pass
// yields nothing, and hybrid (semantic union shard-keyword matching).
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/embed"
	"github.com/agentmem/shardmem/shard"
)

// Defaults for query parameters when the caller passes zero values.
const (
	DefaultThreshold = 0.7
	DefaultTopK      = 5

	// keywordBaseScore is the flat score for a shard-keyword match in
	// hybrid search.
	keywordBaseScore = 0.5

	// keywordBonus is added to keyword-only matches when computing the
	// hybrid score.
	keywordBonus = 0.3
)

// Match types tagged on results.
const (
	MatchSemantic = "semantic"
	MatchLexical  = "lexical"
	MatchKeyword  = "keyword"
)

// Source provides read access to shard snapshots. The router implements it;
// the engine never mutates shards.
type Source interface {
	ShardIDs() []config.ShardID
	Domain(id config.ShardID) (config.ShardDomain, bool)
	Snapshot(id config.ShardID) ([]shard.Record, bool)
}

// Result is one ranked match.
type Result struct {
	ShardID     config.ShardID `json:"shard_id"`
	ShardName   string         `json:"shard_name"`
	RecordID    string         `json:"transaction_id"`
	Content     string         `json:"content"`
	Importance  float64        `json:"importance"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      string         `json:"source"`
	Similarity  float64        `json:"similarity"`
	Score       float64        `json:"score"`
	MatchType   string         `json:"match_type,omitempty"`
	HybridScore float64        `json:"hybrid_score,omitempty"`
}

// Engine executes searches over a Source using an embedder and the vector
// index.
type Engine struct {
	source   Source
	embedder embed.Embedder
	index    *Index
	logger   *zap.Logger
}

// NewEngine creates a search engine. logger may be nil.
func NewEngine(source Source, embedder embed.Embedder, index *Index, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:   source,
		embedder: embedder,
		index:    index,
		logger:   logger,
	}
}

// Index exposes the underlying vector index so the shard owner can keep it
// in sync with record mutations.
func (e *Engine) Index() *Index { return e.index }

// scope resolves the shard set for a query: one shard or all of them.
func (e *Engine) scope(shardID config.ShardID) []config.ShardID {
	if shardID != "" {
		return []config.ShardID{shardID}
	}
	return e.source.ShardIDs()
}

// Search performs semantic search over the scoped shards, falling back to a
// lexical pass when the semantic pass yields nothing. The fallback
// guarantees a query is never silently empty merely because vectors are
// missing or the threshold is strict.
func (e *Engine) Search(ctx context.Context, query string, shardID config.ShardID, threshold float64, topK int) ([]Result, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	shardIDs := e.scope(shardID)

	results, err := e.semantic(ctx, query, shardIDs, threshold, topK)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		results = e.lexical(query, shardIDs, threshold)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// semantic embeds the query and collects index hits above the threshold.
// An unavailable embedding backend degrades to no semantic results (the
// caller then runs the lexical pass); any other error is surfaced.
func (e *Engine) semantic(ctx context.Context, query string, shardIDs []config.ShardID, threshold float64, topK int) ([]Result, error) {
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding unavailable, degrading to lexical search",
			zap.Error(err))
		return nil, nil
	}

	var results []Result
	for _, sid := range shardIDs {
		hits, err := e.index.Query(ctx, sid, qvec, topK)
		if err != nil {
			return nil, fmt.Errorf("semantic search in %s: %w", sid, err)
		}
		if len(hits) == 0 {
			continue
		}

		records, ok := e.source.Snapshot(sid)
		if !ok {
			continue
		}
		byID := make(map[string]shard.Record, len(records))
		for _, r := range records {
			byID[r.ID] = r
		}

		domain, _ := e.source.Domain(sid)
		for _, hit := range hits {
			if hit.Similarity < threshold {
				continue
			}
			rec, ok := byID[hit.RecordID]
			if !ok {
				// Index lag: the record was evicted after the snapshot.
				continue
			}
			score := ClampScore(hit.Similarity)
			results = append(results, Result{
				ShardID:    sid,
				ShardName:  domain.Name,
				RecordID:   rec.ID,
				Content:    rec.Content,
				Importance: rec.Importance,
				Timestamp:  rec.Timestamp,
				Source:     rec.Source,
				Similarity: score,
				Score:      score,
				MatchType:  MatchSemantic,
			})
		}
	}
	return results, nil
}

// lexical scores records by exact substring (1.0) or query-token overlap
// ratio, keeping matches at or above the threshold.
func (e *Engine) lexical(query string, shardIDs []config.ShardID, threshold float64) []Result {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	queryTokens := tokenSet(queryLower)

	var results []Result
	for _, sid := range shardIDs {
		records, ok := e.source.Snapshot(sid)
		if !ok {
			continue
		}
		domain, _ := e.source.Domain(sid)

		for _, rec := range records {
			contentLower := strings.ToLower(rec.Content)
			if contentLower == "" {
				continue
			}

			var score float64
			if queryLower != "" && strings.Contains(contentLower, queryLower) {
				score = 1.0
			} else if len(queryTokens) > 0 {
				contentTokens := tokenSet(contentLower)
				overlap := 0
				for tok := range queryTokens {
					if contentTokens[tok] {
						overlap++
					}
				}
				score = float64(overlap) / float64(len(queryTokens))
			}

			if score >= threshold {
				results = append(results, Result{
					ShardID:    sid,
					ShardName:  domain.Name,
					RecordID:   rec.ID,
					Content:    rec.Content,
					Importance: rec.Importance,
					Timestamp:  rec.Timestamp,
					Source:     rec.Source,
					Similarity: score,
					Score:      score,
					MatchType:  MatchLexical,
				})
			}
		}
	}
	return results
}

// HybridSearch unions semantic results with a shard-keyword pass. Keyword
// hits get a flat base score; on id conflicts the semantic result wins.
// Keyword-only matches receive a bonus on their hybrid score so a strong
// keyword signal can outrank a weak semantic one.
func (e *Engine) HybridSearch(ctx context.Context, query string, shardID config.ShardID, threshold float64, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	semantic, err := e.Search(ctx, query, shardID, threshold, topK)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(semantic))
	hybrid := make([]Result, 0, len(semantic))
	for _, r := range semantic {
		r.HybridScore = r.Score
		hybrid = append(hybrid, r)
		seen[r.RecordID] = true
	}

	for _, sid := range e.scope(shardID) {
		domain, ok := e.source.Domain(sid)
		if !ok {
			continue
		}
		records, ok := e.source.Snapshot(sid)
		if !ok {
			continue
		}

		for _, rec := range records {
			if seen[rec.ID] {
				continue
			}
			contentLower := strings.ToLower(rec.Content)
			matches := 0
			for _, kw := range domain.Keywords {
				if strings.Contains(contentLower, strings.ToLower(kw)) {
					matches++
				}
			}
			if matches == 0 {
				continue
			}
			hybrid = append(hybrid, Result{
				ShardID:     sid,
				ShardName:   domain.Name,
				RecordID:    rec.ID,
				Content:     rec.Content,
				Importance:  rec.Importance,
				Timestamp:   rec.Timestamp,
				Source:      rec.Source,
				Similarity:  keywordBaseScore,
				Score:       keywordBaseScore,
				MatchType:   MatchKeyword,
				HybridScore: keywordBaseScore + keywordBonus,
			})
			seen[rec.ID] = true
		}
	}

	sort.SliceStable(hybrid, func(i, j int) bool { return hybrid[i].HybridScore > hybrid[j].HybridScore })
	if len(hybrid) > topK {
		hybrid = hybrid[:topK]
	}
	return hybrid, nil
}

// FindSimilar returns records in one shard whose embeddings are at least
// threshold-similar to the reference record, excluding the reference itself.
// Records without embeddings are skipped; a reference without an embedding
// yields no results. The compactor uses this for near-duplicate detection.
func (e *Engine) FindSimilar(recordID string, shardID config.ShardID, threshold float64, topK int) []Result {
	if threshold <= 0 {
		threshold = 0.9
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	records, ok := e.source.Snapshot(shardID)
	if !ok {
		return nil
	}
	domain, _ := e.source.Domain(shardID)

	var target *shard.Record
	for i := range records {
		if records[i].ID == recordID {
			target = &records[i]
			break
		}
	}
	if target == nil || len(target.Embedding) == 0 {
		return nil
	}

	var results []Result
	for _, rec := range records {
		if rec.ID == recordID || len(rec.Embedding) == 0 {
			continue
		}
		sim := Cosine(target.Embedding, rec.Embedding)
		if sim < threshold {
			continue
		}
		score := ClampScore(sim)
		results = append(results, Result{
			ShardID:    shardID,
			ShardName:  domain.Name,
			RecordID:   rec.ID,
			Content:    rec.Content,
			Importance: rec.Importance,
			Timestamp:  rec.Timestamp,
			Source:     rec.Source,
			Similarity: score,
			Score:      score,
			MatchType:  MatchSemantic,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(s)
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
