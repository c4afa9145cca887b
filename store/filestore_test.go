package store_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/shard"
	"github.com/agentmem/shardmem/store"
)

func testState(t *testing.T) *store.State {
	t.Helper()
	s, err := shard.New(config.Default(), "projects")
	require.NoError(t, err)
	_, err = s.AddRecord("migrate the billing service", "test", 0.7, []config.ShardID{"technical"})
	require.NoError(t, err)
	return store.StateOf(s)
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	state := testState(t)
	require.NoError(t, fs.Save(ctx, "projects", state))

	loaded, err := fs.Load(ctx, "projects")
	require.NoError(t, err)
	assert.Equal(t, state.Config.ID, loaded.Config.ID)
	require.Len(t, loaded.Transactions, 1)
	assert.Equal(t, "migrate the billing service", loaded.Transactions[0].Content)
	assert.Equal(t, []config.ShardID{"technical"}, loaded.Transactions[0].CrossRefs)
	assert.InDelta(t, state.Metadata.ImportanceScore, loaded.Metadata.ImportanceScore, 1e-9)
}

func TestFileStoreLoadMissing(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Load(context.Background(), "projects")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "shards", "projects.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err = fs.Load(context.Background(), "projects")
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestFileStoreArchiveAppends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)

	records := []shard.Record{
		{ID: "projects_0_aaaaaaaa", Content: "first", Timestamp: time.Now().UTC()},
		{ID: "projects_1_bbbbbbbb", Content: "second", Timestamp: time.Now().UTC()},
	}
	require.NoError(t, fs.Archive(ctx, "projects", records[:1]))
	require.NoError(t, fs.Archive(ctx, "projects", records[1:]))

	data, err := os.ReadFile(filepath.Join(dir, "archive", "projects.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "projects_0_aaaaaaaa")
	assert.Contains(t, lines[1], "projects_1_bbbbbbbb")
}

func TestFileStoreArchiveNothing(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Archive(context.Background(), "projects", nil))
	_, err = os.Stat(filepath.Join(dir, "archive", "projects.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreSaveSummary(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.SaveSummary(context.Background(), "shards_summary", map[string]int{"total": 3}))

	data, err := os.ReadFile(filepath.Join(dir, "shards_summary.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total": 3`)
}
