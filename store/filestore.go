package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/shard"
)

// FileStore persists each shard as <dir>/shards/<id>.json and its archive log
// as <dir>/archive/<id>.jsonl. Writes go through a temp file and rename so a
// crash mid-write cannot leave a half-written shard file.
type FileStore struct {
	dir string
}

// NewFileStore creates the store directories if needed.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"shards", "archive"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) shardPath(id config.ShardID) string {
	return filepath.Join(fs.dir, "shards", string(id)+".json")
}

func (fs *FileStore) archivePath(id config.ShardID) string {
	return filepath.Join(fs.dir, "archive", string(id)+".jsonl")
}

// Load reads a shard's JSON file.
func (fs *FileStore) Load(_ context.Context, id config.ShardID) (*State, error) {
	data, err := os.ReadFile(fs.shardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read shard %s: %w", id, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return &state, nil
}

// Save atomically rewrites a shard's JSON file.
func (fs *FileStore) Save(_ context.Context, id config.ShardID, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal shard %s: %v", ErrPersistFailed, id, err)
	}
	if err := atomicWrite(fs.shardPath(id), data); err != nil {
		return fmt.Errorf("%w: shard %s: %v", ErrPersistFailed, id, err)
	}
	return nil
}

// Archive appends records to the shard's archive log, one JSON object per
// line. The log is append-only and never read by the live engine.
func (fs *FileStore) Archive(_ context.Context, id config.ShardID, records []shard.Record) error {
	if len(records) == 0 {
		return nil
	}

	f, err := os.OpenFile(fs.archivePath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open archive for %s: %v", ErrArchivalFailed, id, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("%w: append to archive for %s: %v", ErrArchivalFailed, id, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync archive for %s: %v", ErrArchivalFailed, id, err)
	}
	return nil
}

// SaveSummary writes an aggregate report next to the shard files.
func (fs *FileStore) SaveSummary(_ context.Context, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal summary %s: %v", ErrPersistFailed, name, err)
	}
	if err := atomicWrite(filepath.Join(fs.dir, name+".json"), data); err != nil {
		return fmt.Errorf("%w: summary %s: %v", ErrPersistFailed, name, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (fs *FileStore) Close() error { return nil }

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
