// Package badgerstore provides a BadgerDB-backed implementation of
// store.Store. It trades the file store's one-file-per-shard layout for a
// single embedded KV database, which avoids whole-file rewrites on every
// mutation and gives atomic multi-key writes for free.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/shard"
	"github.com/agentmem/shardmem/store"
)

// Store is a store.Store backed by BadgerDB v4.
type Store struct {
	db *badger.DB
}

// Options configures the badger store.
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs badger without disk persistence. Useful for tests that
	// want a real badger engine.
	InMemory bool

	// Logger sets the badger logger. Nil silences badger output.
	Logger badger.Logger
}

// New opens the database.
func New(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badgerstore: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(opts.Logger)

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func shardKey(id config.ShardID) []byte {
	return []byte("shard:" + string(id))
}

func archiveKey(id config.ShardID, seq int) []byte {
	return []byte(fmt.Sprintf("archive:%s:%020d:%04d", id, time.Now().UnixNano(), seq))
}

func summaryKey(name string) []byte {
	return []byte("summary:" + name)
}

// Load reads a shard's state.
func (s *Store) Load(_ context.Context, id config.ShardID) (*store.State, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("badgerstore: load shard %s: %w", id, err)
	}

	var state store.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrCorrupt, id, err)
	}
	return &state, nil
}

// Save replaces a shard's state.
func (s *Store) Save(_ context.Context, id config.ShardID, state *store.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshal shard %s: %v", store.ErrPersistFailed, id, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(shardKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("%w: shard %s: %v", store.ErrPersistFailed, id, err)
	}
	return nil
}

// Archive appends records under time-ordered keys, one entry per record.
func (s *Store) Archive(_ context.Context, id config.ShardID, records []shard.Record) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for i, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(archiveKey(id, i), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: shard %s: %v", store.ErrArchivalFailed, id, err)
	}
	return nil
}

// ArchivedCount returns the number of archived records for a shard.
// This is an audit helper; the live engine never reads the archive.
func (s *Store) ArchivedCount(_ context.Context, id config.ShardID) (int, error) {
	prefix := []byte("archive:" + string(id) + ":")
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// SaveSummary persists an aggregate report object.
func (s *Store) SaveSummary(_ context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal summary %s: %v", store.ErrPersistFailed, name, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(summaryKey(name), data)
	})
	if err != nil {
		return fmt.Errorf("%w: summary %s: %v", store.ErrPersistFailed, name, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
