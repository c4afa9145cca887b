// Package evict enforces retention: records older than a shard's TTL are
// expired, and shards over their size cap are pruned oldest-first with the
// overflow archived before it leaves the live set.
package evict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/router"
	"github.com/agentmem/shardmem/shard"
	"github.com/agentmem/shardmem/store"
)

// Stats reports what one eviction pass did (or, in dry-run mode, would do).
type Stats struct {
	ShardID     config.ShardID `json:"shard_id"`
	TotalBefore int            `json:"total_before"`
	TotalAfter  int            `json:"total_after"`
	Expired     int            `json:"expired"`
	Pruned      int            `json:"pruned"`
	Archived    int            `json:"archived"`
	DryRun      bool           `json:"dry_run"`
}

// SweepStats aggregates a full sweep over every shard.
type SweepStats struct {
	Shards       map[config.ShardID]Stats `json:"shards"`
	TotalExpired int                      `json:"total_expired"`
	TotalPruned  int                      `json:"total_pruned"`
	DryRun       bool                     `json:"dry_run"`
	SweptAt      time.Time                `json:"swept_at"`
}

// Evictor applies per-shard retention policies.
type Evictor struct {
	router *router.Router
	store  store.Store
	logger *zap.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

// New builds an evictor. The store must be the same one the router persists
// to, since pruning archives through it before committing.
func New(r *router.Router, st store.Store, logger *zap.Logger) *Evictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evictor{router: r, store: st, logger: logger}
}

// LastSweep returns when the last full sweep completed, zero if never.
func (e *Evictor) LastSweep() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSweep
}

// ExpireShard removes records older than the shard's TTL. A record with a
// zero timestamp has no provable age and counts as expired. Expired records
// are dropped without archival. In dry-run mode nothing is mutated.
func (e *Evictor) ExpireShard(ctx context.Context, id config.ShardID, dryRun bool) (Stats, error) {
	retention, err := e.router.Retention(id)
	if err != nil {
		return Stats{}, err
	}
	cutoff := time.Now().UTC().Add(-retention.TTL())

	stats := Stats{ShardID: id, DryRun: dryRun}

	if dryRun {
		records, _ := e.router.Snapshot(id)
		stats.TotalBefore = len(records)
		for _, rec := range records {
			if expired(rec, cutoff) {
				stats.Expired++
			}
		}
		stats.TotalAfter = stats.TotalBefore - stats.Expired
		return stats, nil
	}

	var removedIDs []string
	err = e.router.Update(ctx, id, func(s *shard.Shard) (bool, error) {
		live := s.Snapshot()
		stats.TotalBefore = len(live)

		kept := make([]shard.Record, 0, len(live))
		for _, rec := range live {
			if expired(rec, cutoff) {
				stats.Expired++
				removedIDs = append(removedIDs, rec.ID)
				continue
			}
			kept = append(kept, rec)
		}
		stats.TotalAfter = len(kept)
		if stats.Expired == 0 {
			return false, nil
		}
		s.Replace(kept)
		return true, nil
	})
	if err != nil {
		return Stats{}, err
	}

	e.dropFromIndex(ctx, id, removedIDs)
	if stats.Expired > 0 {
		e.logger.Info("expired records removed",
			zap.String("shard", string(id)),
			zap.Int("expired", stats.Expired),
			zap.Int("remaining", stats.TotalAfter))
	}
	return stats, nil
}

// PruneShard enforces the shard's max record count: records are ordered by
// timestamp, newest first, the newest max are kept, and the overflow is
// archived before the trimmed state is committed. If archival fails the
// shard is left untouched and the error is surfaced. In dry-run mode
// nothing is mutated or archived.
func (e *Evictor) PruneShard(ctx context.Context, id config.ShardID, dryRun bool) (Stats, error) {
	retention, err := e.router.Retention(id)
	if err != nil {
		return Stats{}, err
	}
	maxRecords := retention.MaxRecords

	stats := Stats{ShardID: id, DryRun: dryRun}

	if dryRun {
		records, _ := e.router.Snapshot(id)
		stats.TotalBefore = len(records)
		stats.TotalAfter = stats.TotalBefore
		if over := stats.TotalBefore - maxRecords; over > 0 {
			stats.Pruned = over
			stats.TotalAfter = maxRecords
		}
		return stats, nil
	}

	var removedIDs []string
	err = e.router.Update(ctx, id, func(s *shard.Shard) (bool, error) {
		live := s.Snapshot()
		stats.TotalBefore = len(live)
		stats.TotalAfter = len(live)
		if len(live) <= maxRecords {
			return false, nil
		}

		sorted := make([]shard.Record, len(live))
		copy(sorted, live)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		})

		kept := sorted[:maxRecords]
		overflow := sorted[maxRecords:]

		if err := e.store.Archive(ctx, id, overflow); err != nil {
			return false, fmt.Errorf("prune %s: %w", id, err)
		}
		stats.Archived = len(overflow)
		stats.Pruned = len(overflow)
		stats.TotalAfter = maxRecords
		for _, rec := range overflow {
			removedIDs = append(removedIDs, rec.ID)
		}

		s.Replace(kept)
		return true, nil
	})
	if err != nil {
		return Stats{}, err
	}

	e.dropFromIndex(ctx, id, removedIDs)
	if stats.Pruned > 0 {
		e.logger.Info("shard pruned",
			zap.String("shard", string(id)),
			zap.Int("pruned", stats.Pruned),
			zap.Int("archived", stats.Archived),
			zap.Int("kept", stats.TotalAfter))
	}
	return stats, nil
}

// SweepAll expires then prunes every shard. Per-shard failures are
// collected and the sweep continues; the context is checked between shards
// so a cancellation stops promptly.
func (e *Evictor) SweepAll(ctx context.Context, dryRun bool) (*SweepStats, error) {
	sweep := &SweepStats{
		Shards: make(map[config.ShardID]Stats),
		DryRun: dryRun,
	}

	var errs []error
	for _, id := range e.router.ShardIDs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		expireStats, err := e.ExpireShard(ctx, id, dryRun)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pruneStats, err := e.PruneShard(ctx, id, dryRun)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		combined := Stats{
			ShardID:     id,
			TotalBefore: expireStats.TotalBefore,
			TotalAfter:  pruneStats.TotalAfter,
			Expired:     expireStats.Expired,
			Pruned:      pruneStats.Pruned,
			Archived:    pruneStats.Archived,
			DryRun:      dryRun,
		}
		sweep.Shards[id] = combined
		sweep.TotalExpired += combined.Expired
		sweep.TotalPruned += combined.Pruned
	}

	sweep.SweptAt = time.Now().UTC()
	if !dryRun {
		e.mu.Lock()
		e.lastSweep = sweep.SweptAt
		e.mu.Unlock()
	}

	e.logger.Info("retention sweep finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("expired", sweep.TotalExpired),
		zap.Int("pruned", sweep.TotalPruned),
		zap.Int("failures", len(errs)))
	return sweep, errors.Join(errs...)
}

// expired reports whether a record is past the cutoff. Zero timestamps are
// treated as expired rather than immortal.
func expired(rec shard.Record, cutoff time.Time) bool {
	return rec.Timestamp.IsZero() || rec.Timestamp.Before(cutoff)
}

func (e *Evictor) dropFromIndex(ctx context.Context, id config.ShardID, removedIDs []string) {
	if len(removedIDs) == 0 {
		return
	}
	if err := e.router.Engine().Index().Remove(ctx, id, removedIDs...); err != nil {
		e.logger.Warn("failed to prune index after eviction",
			zap.String("shard", string(id)), zap.Error(err))
	}
}
