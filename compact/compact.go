// Package compact consolidates redundant records within a shard: exact
// duplicates are trimmed in place and near-duplicates are merged into a
// single consolidated record carrying provenance.
package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/router"
	"github.com/agentmem/shardmem/shard"
)

const (
	// NearDupThreshold is the cosine similarity above which two records are
	// considered near-duplicates.
	NearDupThreshold = 0.9

	// nearDupCandidates bounds how many similar records one consolidation
	// pass pulls in.
	nearDupCandidates = 3
)

// Stats reports what one compaction pass changed. Consolidated counts merge
// groups, not the records inside them; the records carry their own
// ConsolidatedCount.
type Stats struct {
	ShardID           config.ShardID `json:"shard_id"`
	TotalBefore       int            `json:"total_before"`
	TotalAfter        int            `json:"total_after"`
	RemovedDuplicates int            `json:"removed_duplicates"`
	Consolidated      int            `json:"consolidated"`
	CompactedAt       time.Time      `json:"compacted_at"`
}

// Compactor runs duplicate trimming and near-duplicate consolidation over
// the router's shards.
type Compactor struct {
	router *router.Router
	logger *zap.Logger

	mu      sync.Mutex
	lastRun map[config.ShardID]time.Time
}

// New builds a compactor over the router's shard set.
func New(r *router.Router, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		router:  r,
		logger:  logger,
		lastRun: make(map[config.ShardID]time.Time),
	}
}

// LastRun returns when a shard was last compacted, if ever.
func (c *Compactor) LastRun(id config.ShardID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastRun[id]
	return t, ok
}

// CompactShard runs one compaction pass over a shard.
//
// Exact duplicates (same content after trimming and lowercasing) are removed
// with the first occurrence kept. Then at most one group of near-duplicates
// is consolidated per call: the group's longest content survives, marked
// with a consolidation prefix, carrying the group's maximum importance and
// the ids it replaced. Repeated calls converge; a pass with nothing to do
// changes nothing.
func (c *Compactor) CompactShard(ctx context.Context, id config.ShardID) (Stats, error) {
	records, ok := c.router.Snapshot(id)
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", router.ErrUnknownShard, id)
	}
	stats := Stats{ShardID: id, TotalBefore: len(records)}

	// Plan against the snapshot first: similarity scanning must not run
	// under the shard's write lock.
	removed := exactDuplicates(records)
	group := c.nearDuplicateGroup(id, records, removed)

	if len(removed) == 0 && len(group) == 0 {
		stats.TotalAfter = len(records)
		stats.CompactedAt = c.markRun(id)
		return stats, nil
	}

	var consolidated *shard.Record
	err := c.router.Update(ctx, id, func(s *shard.Shard) (bool, error) {
		live := s.Snapshot()

		inGroup := make(map[string]bool, len(group))
		for _, gid := range group {
			inGroup[gid] = true
		}

		kept := make([]shard.Record, 0, len(live))
		var members []shard.Record
		for _, rec := range live {
			switch {
			case removed[rec.ID]:
				stats.RemovedDuplicates++
			case inGroup[rec.ID]:
				members = append(members, rec)
			default:
				kept = append(kept, rec)
			}
		}

		// The group may have shrunk since the snapshot; consolidating a
		// single survivor would only churn its id.
		if len(members) >= 2 {
			rec := consolidate(members)
			consolidated = &rec
			kept = append(kept, rec)
			stats.Consolidated = 1
		} else {
			kept = append(kept, members...)
		}

		stats.TotalAfter = len(kept)
		if len(kept) == len(live) && stats.RemovedDuplicates == 0 && consolidated == nil {
			return false, nil
		}
		s.Replace(kept)
		return true, nil
	})
	if err != nil {
		return Stats{}, err
	}

	c.syncIndex(ctx, id, removed, group, consolidated)
	stats.CompactedAt = c.markRun(id)

	c.logger.Info("shard compacted",
		zap.String("shard", string(id)),
		zap.Int("before", stats.TotalBefore),
		zap.Int("after", stats.TotalAfter),
		zap.Int("removed_duplicates", stats.RemovedDuplicates),
		zap.Int("consolidated", stats.Consolidated))
	return stats, nil
}

// CompactAll compacts every shard concurrently, one worker per shard.
// Per-shard failures are collected; the remaining shards still run.
func (c *Compactor) CompactAll(ctx context.Context) (map[config.ShardID]Stats, error) {
	results := make(map[config.ShardID]Stats)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	var errs []error
	for _, id := range c.router.ShardIDs() {
		g.Go(func() error {
			stats, err := c.CompactShard(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("compact %s: %w", id, err))
				return nil
			}
			results[id] = stats
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// exactDuplicates returns the ids of records whose normalized content was
// already seen earlier in the slice.
func exactDuplicates(records []shard.Record) map[string]bool {
	seen := make(map[string]string, len(records))
	removed := make(map[string]bool)
	for _, rec := range records {
		key := strings.ToLower(strings.TrimSpace(rec.Content))
		if _, dup := seen[key]; dup {
			removed[rec.ID] = true
			continue
		}
		seen[key] = rec.ID
	}
	return removed
}

// nearDuplicateGroup finds at most one group of mutually similar records,
// skipping records already scheduled for removal.
func (c *Compactor) nearDuplicateGroup(id config.ShardID, records []shard.Record, removed map[string]bool) []string {
	engine := c.router.Engine()
	for _, rec := range records {
		if removed[rec.ID] || len(rec.Embedding) == 0 {
			continue
		}
		similar := engine.FindSimilar(rec.ID, id, NearDupThreshold, nearDupCandidates)

		group := []string{rec.ID}
		for _, res := range similar {
			if !removed[res.RecordID] {
				group = append(group, res.RecordID)
			}
		}
		if len(group) >= 2 {
			return group
		}
	}
	return nil
}

// consolidate merges a near-duplicate group into one record. The longest
// content is kept as the representative, the group's highest importance
// carries over, and the replaced ids are recorded for provenance. The
// representative's embedding is reused so the merged record stays
// semantically searchable.
func consolidate(members []shard.Record) shard.Record {
	base := members[0]
	maxImportance := base.Importance
	for _, m := range members[1:] {
		if len(m.Content) > len(base.Content) {
			base = m
		}
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
	}

	from := make([]string, 0, len(members))
	refs := make([]config.ShardID, 0)
	seenRef := make(map[config.ShardID]bool)
	for _, m := range members {
		from = append(from, m.ID)
		for _, ref := range m.CrossRefs {
			if !seenRef[ref] {
				seenRef[ref] = true
				refs = append(refs, ref)
			}
		}
	}

	return shard.Record{
		ID:                base.ID + "_c",
		Content:           fmt.Sprintf("[Consolidated: %d items] %s", len(members), base.Content),
		Source:            "compactor",
		Importance:        maxImportance,
		Timestamp:         time.Now().UTC(),
		CrossRefs:         refs,
		Embedding:         base.Embedding,
		ConsolidatedFrom:  from,
		ConsolidatedCount: len(members),
	}
}

// syncIndex drops the vectors of removed and merged records and indexes the
// consolidated record. Index maintenance is best effort; the shard remains
// the source of truth.
func (c *Compactor) syncIndex(ctx context.Context, id config.ShardID, removed map[string]bool, group []string, consolidated *shard.Record) {
	index := c.router.Engine().Index()

	gone := make([]string, 0, len(removed)+len(group))
	for rid := range removed {
		gone = append(gone, rid)
	}
	if consolidated != nil {
		gone = append(gone, group...)
	}
	if len(gone) > 0 {
		if err := index.Remove(ctx, id, gone...); err != nil {
			c.logger.Warn("failed to prune index after compaction",
				zap.String("shard", string(id)), zap.Error(err))
		}
	}
	if consolidated != nil && len(consolidated.Embedding) > 0 {
		if err := index.Add(ctx, id, consolidated.ID, consolidated.Embedding); err != nil {
			c.logger.Warn("failed to index consolidated record",
				zap.String("shard", string(id)), zap.Error(err))
		}
	}
}

func (c *Compactor) markRun(id config.ShardID) time.Time {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastRun[id] = now
	c.mu.Unlock()
	return now
}
