// Package store isolates shard persistence behind a small interface so the
// engine logic never touches a concrete encoding. Two implementations are
// provided: a JSON-file store (one file per shard, whole-file rewrite per
// mutation) and a BadgerDB-backed store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/shard"
)

var (
	// ErrNotFound is returned when no state exists for a shard.
	ErrNotFound = errors.New("store: shard state not found")

	// ErrCorrupt is returned when persisted state cannot be decoded.
	// Callers recover by treating the shard as empty, but must surface a
	// warning rather than silently discarding the file.
	ErrCorrupt = errors.New("store: corrupt shard state")

	// ErrPersistFailed wraps write errors. The operation that triggered the
	// write is considered not committed.
	ErrPersistFailed = errors.New("store: persist failed")

	// ErrArchivalFailed wraps archive-log append errors. A size-based prune
	// must not be finalized while archival cannot be confirmed.
	ErrArchivalFailed = errors.New("store: archival failed")
)

// ShardConfig is the persisted identity block of a shard.
type ShardConfig struct {
	ID        config.ShardID `json:"id"`
	Name      string         `json:"name"`
	Domain    string         `json:"domain"`
	Keywords  []string       `json:"keywords"`
	CreatedAt time.Time      `json:"created_at"`
}

// ShardMetadata is the persisted derived-state block of a shard.
type ShardMetadata struct {
	ImportanceScore float64    `json:"importance_score"`
	LastUpdated     *time.Time `json:"last_updated,omitempty"`
	LastCompaction  *time.Time `json:"last_compaction,omitempty"`
	LastCleanup     *time.Time `json:"last_cleanup,omitempty"`
}

// State is the full persisted representation of one shard. Any encoding that
// round-trips it losslessly is acceptable.
type State struct {
	Config       ShardConfig    `json:"config"`
	Transactions []shard.Record `json:"transactions"`
	Metadata     ShardMetadata  `json:"metadata"`
}

// Store persists shard state and the per-shard archive log.
//
// Archive is append-only and never read by the live engine; it exists for
// audit and debugging of evicted records.
type Store interface {
	// Load returns the persisted state for a shard, ErrNotFound if the shard
	// has never been saved, or ErrCorrupt if the state cannot be decoded.
	Load(ctx context.Context, id config.ShardID) (*State, error)

	// Save persists the state for a shard, replacing any previous state.
	Save(ctx context.Context, id config.ShardID, state *State) error

	// Archive appends records to the shard's archive log.
	Archive(ctx context.Context, id config.ShardID, records []shard.Record) error

	// SaveSummary persists an aggregate report object as JSON.
	SaveSummary(ctx context.Context, name string, v any) error

	// Close releases resources.
	Close() error
}

// StateOf captures a shard's current in-memory state for persistence.
func StateOf(s *shard.Shard) *State {
	st := &State{
		Config: ShardConfig{
			ID:        s.ID(),
			Name:      s.Domain().Name,
			Domain:    string(s.ID()),
			Keywords:  s.Domain().Keywords,
			CreatedAt: s.CreatedAt(),
		},
		Transactions: s.Snapshot(),
		Metadata: ShardMetadata{
			ImportanceScore: s.ImportanceScore(),
		},
	}
	if t := s.LastUpdated(); !t.IsZero() {
		st.Metadata.LastUpdated = &t
	}
	return st
}
