// Package shard implements one topical partition of the memory store.
//
// A Shard owns an ordered sequence of records (insertion order is temporal
// order) plus routing metadata derived from them. Shards are created once per
// configured domain and live for the lifetime of the process; the router is
// their sole mutator.
package shard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmem/shardmem/config"
)

// ErrInvalidDomain is returned when constructing a shard for a domain that is
// not part of the configured domain set.
var ErrInvalidDomain = errors.New("shard: invalid domain")

// ErrEmptyContent is returned when a record with empty content is appended.
var ErrEmptyContent = errors.New("shard: empty content")

// Record is one stored memory item (a "transaction").
//
// ID is unique within the owning shard for its lifetime. Timestamp is set
// once at creation and never mutated. Importance is clamped to [0,1] at write
// time. Embedding is optional: records without a vector are still stored,
// just invisible to semantic search until re-embedded.
type Record struct {
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	Source     string           `json:"source"`
	Importance float64          `json:"importance"`
	Timestamp  time.Time        `json:"timestamp"`
	CrossRefs  []config.ShardID `json:"cross_refs,omitempty"`
	Embedding  []float32        `json:"embedding,omitempty"`

	// Provenance of a consolidated record: the ids of the merged originals
	// and how many were merged. Empty for ordinary records.
	ConsolidatedFrom  []string `json:"consolidated_from,omitempty"`
	ConsolidatedCount int      `json:"consolidated_count,omitempty"`
}

// Shard is one partition of the memory store.
// Shard itself is not goroutine-safe; the router serializes mutations with a
// per-shard lock and hands out snapshots for reads.
type Shard struct {
	domain    config.ShardDomain
	retention config.RetentionPolicy
	createdAt time.Time

	records         []Record
	importanceScore float64
	lastUpdated     time.Time
}

// New constructs an empty shard for a configured domain.
func New(cfg *config.Config, id config.ShardID) (*Shard, error) {
	domain, ok := cfg.Domain(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, id)
	}
	return &Shard{
		domain:    domain,
		retention: cfg.RetentionFor(id),
		createdAt: time.Now().UTC(),
	}, nil
}

// ID returns the shard identifier.
func (s *Shard) ID() config.ShardID { return s.domain.ID }

// Domain returns the shard's immutable domain definition.
func (s *Shard) Domain() config.ShardDomain { return s.domain }

// Retention returns the shard's retention policy.
func (s *Shard) Retention() config.RetentionPolicy { return s.retention }

// CreatedAt returns the shard creation time.
func (s *Shard) CreatedAt() time.Time { return s.createdAt }

// Len returns the number of records.
func (s *Shard) Len() int { return len(s.records) }

// ImportanceScore returns the derived shard importance: the mean importance
// of its records. It is recomputed on every record-set change and never
// edited directly.
func (s *Shard) ImportanceScore() float64 { return s.importanceScore }

// LastUpdated returns the time of the last record-set change (zero if the
// shard has never been written).
func (s *Shard) LastUpdated() time.Time { return s.lastUpdated }

// AddRecord appends a new record and returns its id.
// The id embeds the shard id (so callers can recover the owning shard from an
// id alone), a sequence number, and a random suffix for uniqueness across
// evictions.
func (s *Shard) AddRecord(content, source string, importance float64, crossRefs []config.ShardID) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}

	rec := Record{
		ID:         fmt.Sprintf("%s_%d_%s", s.domain.ID, len(s.records), uuid.NewString()[:8]),
		Content:    content,
		Source:     source,
		Importance: clamp01(importance),
		Timestamp:  time.Now().UTC(),
		CrossRefs:  crossRefs,
	}
	s.records = append(s.records, rec)
	s.recompute()
	return rec.ID, nil
}

// Append adds an already-built record, preserving its id and timestamp.
// Used by the compactor to insert consolidated records.
func (s *Shard) Append(rec Record) error {
	if strings.TrimSpace(rec.Content) == "" {
		return ErrEmptyContent
	}
	rec.Importance = clamp01(rec.Importance)
	s.records = append(s.records, rec)
	s.recompute()
	return nil
}

// Query returns records whose content contains text (case-insensitive),
// most recent first, stopping at limit matches. No ranking beyond recency.
func (s *Shard) Query(text string, limit int) []Record {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(text)

	var results []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToLower(s.records[i].Content), needle) {
			results = append(results, s.records[i])
			if len(results) >= limit {
				break
			}
		}
	}
	return results
}

// Recent returns the most recent records, newest first.
func (s *Shard) Recent(limit int) []Record {
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	results := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		results = append(results, s.records[i])
	}
	return results
}

// Snapshot returns a copy of the record slice. Readers work on snapshots so
// they never observe a mutation in flight.
func (s *Shard) Snapshot() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Record returns the record with the given id.
func (s *Shard) Record(id string) (Record, bool) {
	for _, r := range s.records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// SetEmbedding attaches a vector to an existing record.
func (s *Shard) SetEmbedding(id string, vec []float32) bool {
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Embedding = vec
			return true
		}
	}
	return false
}

// Replace swaps the whole record sequence, recomputing the derived score.
// Used by the compactor and evictor, which rewrite the record set wholesale.
func (s *Shard) Replace(records []Record) {
	s.records = records
	s.recompute()
}

// Restore loads persisted records without touching lastUpdated, then
// recomputes the derived score from what was actually loaded.
func (s *Shard) Restore(records []Record, createdAt, lastUpdated time.Time) {
	s.records = records
	if !createdAt.IsZero() {
		s.createdAt = createdAt
	}
	s.importanceScore = meanImportance(records)
	s.lastUpdated = lastUpdated
}

func (s *Shard) recompute() {
	s.importanceScore = meanImportance(s.records)
	s.lastUpdated = time.Now().UTC()
}

func meanImportance(records []Record) float64 {
	if len(records) == 0 {
		return 0
	}
	var total float64
	for _, r := range records {
		total += r.Importance
	}
	return total / float64(len(records))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
