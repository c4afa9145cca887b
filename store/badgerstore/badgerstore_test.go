package badgerstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/shard"
	"github.com/agentmem/shardmem/store"
	"github.com/agentmem/shardmem/store/badgerstore"
)

func openInMemory(t *testing.T) *badgerstore.Store {
	t.Helper()
	s, err := badgerstore.New(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRequiresDir(t *testing.T) {
	_, err := badgerstore.New(badgerstore.Options{})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := openInMemory(t)

	sh, err := shard.New(config.Default(), "technical")
	require.NoError(t, err)
	_, err = sh.AddRecord("moved auth to the gateway layer", "test", 0.6, nil)
	require.NoError(t, err)

	require.NoError(t, bs.Save(ctx, "technical", store.StateOf(sh)))

	loaded, err := bs.Load(ctx, "technical")
	require.NoError(t, err)
	require.Len(t, loaded.Transactions, 1)
	assert.Equal(t, "moved auth to the gateway layer", loaded.Transactions[0].Content)
}

func TestLoadMissing(t *testing.T) {
	bs := openInMemory(t)
	_, err := bs.Load(context.Background(), "projects")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestArchiveCounts(t *testing.T) {
	ctx := context.Background()
	bs := openInMemory(t)

	records := []shard.Record{
		{ID: "projects_0_aaaaaaaa", Content: "first", Timestamp: time.Now().UTC()},
		{ID: "projects_1_bbbbbbbb", Content: "second", Timestamp: time.Now().UTC()},
	}
	require.NoError(t, bs.Archive(ctx, "projects", records))
	require.NoError(t, bs.Archive(ctx, "projects", records[:1]))

	count, err := bs.ArchivedCount(ctx, "projects")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = bs.ArchivedCount(ctx, "insights")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSaveSummary(t *testing.T) {
	bs := openInMemory(t)
	assert.NoError(t, bs.SaveSummary(context.Background(), "shards_summary", map[string]int{"total": 1}))
}
