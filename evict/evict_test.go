package evict_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/embed"
	"github.com/agentmem/shardmem/evict"
	"github.com/agentmem/shardmem/router"
	"github.com/agentmem/shardmem/shard"
	"github.com/agentmem/shardmem/store"
)

func newFixture(t *testing.T, cfg *config.Config) (*router.Router, store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	require.NoError(t, err)
	cache, err := embed.NewCache(embed.NewFallback(0), 0)
	require.NoError(t, err)
	r, err := router.New(context.Background(), cfg, st, cache, nil)
	require.NoError(t, err)
	return r, st, dir
}

// backdate rewrites a record's timestamp in place.
func backdate(t *testing.T, r *router.Router, id config.ShardID, recordID string, ts time.Time) {
	t.Helper()
	err := r.Update(context.Background(), id, func(s *shard.Shard) (bool, error) {
		records := s.Snapshot()
		for i := range records {
			if records[i].ID == recordID {
				records[i].Timestamp = ts
			}
		}
		s.Replace(records)
		return true, nil
	})
	require.NoError(t, err)
}

func TestExpireShard(t *testing.T) {
	r, st, _ := newFixture(t, config.Default())
	e := evict.New(r, st, nil)
	ctx := context.Background()

	old, err := r.AddMemory(ctx, "stale insight", "test", 0.5, "insights")
	require.NoError(t, err)
	fresh, err := r.AddMemory(ctx, "fresh insight", "test", 0.5, "insights")
	require.NoError(t, err)

	// insights TTL is 90 days.
	backdate(t, r, "insights", old, time.Now().UTC().AddDate(0, 0, -120))

	dry, err := e.ExpireShard(ctx, "insights", true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Expired)
	records, _ := r.Snapshot("insights")
	assert.Len(t, records, 2, "dry run must not mutate")

	stats, err := e.ExpireShard(ctx, "insights", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.TotalAfter)

	records, _ = r.Snapshot("insights")
	require.Len(t, records, 1)
	assert.Equal(t, fresh, records[0].ID)
}

func TestExpiredRecordsStayGoneAfterReload(t *testing.T) {
	r, st, _ := newFixture(t, config.Default())
	e := evict.New(r, st, nil)
	ctx := context.Background()

	old, err := r.AddMemory(ctx, "stale project note with a task", "test", 0.5, "projects")
	require.NoError(t, err)
	fresh, err := r.AddMemory(ctx, "fresh project note", "test", 0.5, "projects")
	require.NoError(t, err)

	// projects TTL is 30 days.
	backdate(t, r, "projects", old, time.Now().UTC().AddDate(0, 0, -100))

	stats, err := e.ExpireShard(ctx, "projects", false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Expired)

	// A fresh router over the same store must not resurrect the record.
	cache, err := embed.NewCache(embed.NewFallback(0), 0)
	require.NoError(t, err)
	reloaded, err := router.New(ctx, config.Default(), st, cache, nil)
	require.NoError(t, err)

	records, ok := reloaded.Snapshot("projects")
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, fresh, records[0].ID)
}

func TestExpireTreatsZeroTimestampAsExpired(t *testing.T) {
	r, st, _ := newFixture(t, config.Default())
	e := evict.New(r, st, nil)
	ctx := context.Background()

	err := r.Update(ctx, "insights", func(s *shard.Shard) (bool, error) {
		return true, s.Append(shard.Record{ID: "insights_0_deadbeef", Content: "no timestamp"})
	})
	require.NoError(t, err)

	stats, err := e.ExpireShard(ctx, "insights", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
}

func TestPruneShardArchivesOverflow(t *testing.T) {
	cfg := config.Default()
	cfg.Retention["projects"] = config.RetentionPolicy{TTLDays: 365, MaxRecords: 3}
	r, st, dir := newFixture(t, cfg)
	e := evict.New(r, st, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := r.AddMemory(ctx, fmt.Sprintf("entry number %d", i), "test", 0.5, "projects")
		require.NoError(t, err)
		ids = append(ids, id)
		// Distinct ages, entry 0 oldest.
		backdate(t, r, "projects", id, time.Now().UTC().Add(time.Duration(i-10)*time.Hour))
	}

	dry, err := e.PruneShard(ctx, "projects", true)
	require.NoError(t, err)
	assert.Equal(t, 2, dry.Pruned)
	records, _ := r.Snapshot("projects")
	assert.Len(t, records, 5, "dry run must not mutate")

	stats, err := e.PruneShard(ctx, "projects", false)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pruned)
	assert.Equal(t, 2, stats.Archived)
	assert.Equal(t, 3, stats.TotalAfter)

	records, _ = r.Snapshot("projects")
	require.Len(t, records, 3)
	kept := make(map[string]bool, len(records))
	for _, rec := range records {
		kept[rec.ID] = true
	}
	// The three newest survive.
	assert.True(t, kept[ids[2]] && kept[ids[3]] && kept[ids[4]])

	data, err := os.ReadFile(filepath.Join(dir, "archive", "projects.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2, "overflow archived exactly once")
}

// failingArchive wraps a real store but refuses archival.
type failingArchive struct {
	store.Store
}

func (f *failingArchive) Archive(context.Context, config.ShardID, []shard.Record) error {
	return fmt.Errorf("%w: disk full", store.ErrArchivalFailed)
}

func TestPruneBlockedByArchivalFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Retention["projects"] = config.RetentionPolicy{TTLDays: 365, MaxRecords: 1}
	r, st, _ := newFixture(t, cfg)
	e := evict.New(r, &failingArchive{Store: st}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.AddMemory(ctx, fmt.Sprintf("entry %d", i), "test", 0.5, "projects")
		require.NoError(t, err)
	}

	_, err := e.PruneShard(ctx, "projects", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrArchivalFailed))

	records, _ := r.Snapshot("projects")
	assert.Len(t, records, 3, "prune must not commit when archival fails")
}

func TestSweepAll(t *testing.T) {
	cfg := config.Default()
	cfg.Retention["projects"] = config.RetentionPolicy{TTLDays: 30, MaxRecords: 2}
	r, st, _ := newFixture(t, cfg)
	e := evict.New(r, st, nil)
	ctx := context.Background()

	old, err := r.AddMemory(ctx, "ancient project entry", "test", 0.5, "projects")
	require.NoError(t, err)
	backdate(t, r, "projects", old, time.Now().UTC().AddDate(0, 0, -60))
	for i := 0; i < 3; i++ {
		_, err := r.AddMemory(ctx, fmt.Sprintf("recent entry %d", i), "test", 0.5, "projects")
		require.NoError(t, err)
	}

	dry, err := e.SweepAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.TotalExpired)
	assert.True(t, e.LastSweep().IsZero(), "dry run must not record a sweep")

	again, err := e.SweepAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, dry.TotalExpired, again.TotalExpired)
	assert.Equal(t, dry.TotalPruned, again.TotalPruned)

	sweep, err := e.SweepAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.TotalExpired)
	assert.Equal(t, 1, sweep.TotalPruned)
	assert.False(t, e.LastSweep().IsZero())

	records, _ := r.Snapshot("projects")
	assert.Len(t, records, 2)
}
