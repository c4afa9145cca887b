package shard_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/shard"
)

func newShard(t *testing.T, id config.ShardID) *shard.Shard {
	t.Helper()
	s, err := shard.New(config.Default(), id)
	require.NoError(t, err)
	return s
}

func TestNewRejectsUnknownDomain(t *testing.T) {
	_, err := shard.New(config.Default(), "nope")
	assert.ErrorIs(t, err, shard.ErrInvalidDomain)
}

func TestAddRecord(t *testing.T) {
	s := newShard(t, "projects")

	id, err := s.AddRecord("ship the ingestion worker", "test", 0.8, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id, "projects_0_"), "id %q should embed the shard id and sequence", id)
	assert.Equal(t, 1, s.Len())

	rec, ok := s.Record(id)
	require.True(t, ok)
	assert.Equal(t, "ship the ingestion worker", rec.Content)
	assert.Equal(t, 0.8, rec.Importance)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestAddRecordRejectsEmptyContent(t *testing.T) {
	s := newShard(t, "projects")

	_, err := s.AddRecord("   ", "test", 0.5, nil)
	assert.ErrorIs(t, err, shard.ErrEmptyContent)
	assert.Equal(t, 0, s.Len())
}

func TestAddRecordClampsImportance(t *testing.T) {
	s := newShard(t, "projects")

	id, err := s.AddRecord("overweighted", "test", 7.5, nil)
	require.NoError(t, err)
	rec, _ := s.Record(id)
	assert.Equal(t, 1.0, rec.Importance)

	id, err = s.AddRecord("underweighted", "test", -3, nil)
	require.NoError(t, err)
	rec, _ = s.Record(id)
	assert.Equal(t, 0.0, rec.Importance)
}

func TestImportanceScoreIsMean(t *testing.T) {
	s := newShard(t, "projects")
	assert.Equal(t, 0.0, s.ImportanceScore())

	_, err := s.AddRecord("one", "test", 0.2, nil)
	require.NoError(t, err)
	_, err = s.AddRecord("two", "test", 0.8, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, s.ImportanceScore(), 1e-9)
}

func TestQueryNewestFirst(t *testing.T) {
	s := newShard(t, "projects")
	for _, content := range []string{"alpha task", "beta task", "gamma other"} {
		_, err := s.AddRecord(content, "test", 0.5, nil)
		require.NoError(t, err)
	}

	hits := s.Query("TASK", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "beta task", hits[0].Content)
	assert.Equal(t, "alpha task", hits[1].Content)

	assert.Len(t, s.Query("task", 1), 1)
	assert.Empty(t, s.Query("missing", 10))
}

func TestSnapshotIsIsolated(t *testing.T) {
	s := newShard(t, "projects")
	_, err := s.AddRecord("original", "test", 0.5, nil)
	require.NoError(t, err)

	snap := s.Snapshot()
	snap[0].Content = "mutated"

	rec, _ := s.Record(snap[0].ID)
	assert.Equal(t, "original", rec.Content)
}

func TestReplaceRecomputesScore(t *testing.T) {
	s := newShard(t, "projects")
	_, err := s.AddRecord("keep", "test", 1.0, nil)
	require.NoError(t, err)
	_, err = s.AddRecord("drop", "test", 0.0, nil)
	require.NoError(t, err)

	kept := s.Snapshot()[:1]
	s.Replace(kept)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1.0, s.ImportanceScore())
}

func TestRestorePreservesLastUpdated(t *testing.T) {
	s := newShard(t, "projects")
	records := []shard.Record{{ID: "projects_0_aaaaaaaa", Content: "restored", Importance: 0.4}}

	s.Restore(records, s.CreatedAt(), (s.CreatedAt()))

	assert.Equal(t, 1, s.Len())
	assert.InDelta(t, 0.4, s.ImportanceScore(), 1e-9)
	assert.Equal(t, s.CreatedAt(), s.LastUpdated())
}
