// Package router owns the set of shards and every routing decision. It scores
// incoming content against shard keywords, detects cross-shard references,
// fans queries out across shards, and serializes mutations with one lock per
// shard so independent shards can be written concurrently.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/embed"
	"github.com/agentmem/shardmem/search"
	"github.com/agentmem/shardmem/shard"
	"github.com/agentmem/shardmem/store"
)

// ErrUnknownShard is returned when an operation names a shard that does not
// exist.
var ErrUnknownShard = errors.New("router: unknown shard")

// crossShardResultCap bounds CrossShardSearch output.
const crossShardResultCap = 10

type shardEntry struct {
	mu    sync.RWMutex
	shard *shard.Shard
}

// Router is the single owner of the shard set.
type Router struct {
	cfg      *config.Config
	store    store.Store
	embedder embed.Embedder
	cache    *embed.Cache // non-nil when embedder is the shared cache
	engine   *search.Engine
	links    *LinkValidator
	logger   *zap.Logger

	shards map[config.ShardID]*shardEntry
	order  []config.ShardID // domain declaration order, the routing tie-break
}

// New builds the router: one shard per configured domain, state loaded from
// the store, and the vector index rebuilt from persisted embeddings.
//
// A corrupt shard file is recovered as an empty record set; the condition is
// logged loudly rather than silently discarded.
func New(ctx context.Context, cfg *config.Config, st store.Store, embedder embed.Embedder, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		cfg:      cfg,
		store:    st,
		embedder: embedder,
		links:    NewLinkValidator(cfg),
		logger:   logger,
		shards:   make(map[config.ShardID]*shardEntry, len(cfg.Domains)),
	}
	if cache, ok := embedder.(*embed.Cache); ok {
		r.cache = cache
	}
	r.engine = search.NewEngine(r, embedder, search.NewIndex(), logger)

	for _, domain := range cfg.Domains {
		sh, err := shard.New(cfg, domain.ID)
		if err != nil {
			return nil, err
		}

		state, err := st.Load(ctx, domain.ID)
		switch {
		case err == nil:
			var lastUpdated time.Time
			if state.Metadata.LastUpdated != nil {
				lastUpdated = *state.Metadata.LastUpdated
			}
			sh.Restore(state.Transactions, state.Config.CreatedAt, lastUpdated)

		case errors.Is(err, store.ErrNotFound):
			if err := st.Save(ctx, domain.ID, store.StateOf(sh)); err != nil {
				return nil, fmt.Errorf("initialize shard %s: %w", domain.ID, err)
			}

		case errors.Is(err, store.ErrCorrupt):
			logger.Warn("corrupt shard state, recovering with empty record set",
				zap.String("shard", string(domain.ID)),
				zap.Error(err))

		default:
			return nil, fmt.Errorf("load shard %s: %w", domain.ID, err)
		}

		for _, rec := range sh.Snapshot() {
			if len(rec.Embedding) == 0 {
				continue
			}
			if err := r.engine.Index().Add(ctx, domain.ID, rec.ID, rec.Embedding); err != nil {
				logger.Warn("failed to index record embedding",
					zap.String("shard", string(domain.ID)),
					zap.String("record", rec.ID),
					zap.Error(err))
			}
		}

		r.shards[domain.ID] = &shardEntry{shard: sh}
		r.order = append(r.order, domain.ID)
	}

	logger.Info("router initialized",
		zap.Int("shards", len(r.shards)),
		zap.Int("indexed", r.indexedCount()))
	return r, nil
}

// Engine returns the search engine bound to this router's shards.
func (r *Router) Engine() *search.Engine { return r.engine }

// Links returns the cross-shard link validator.
func (r *Router) Links() *LinkValidator { return r.links }

// ShardIDs returns shard ids in declaration order.
func (r *Router) ShardIDs() []config.ShardID {
	out := make([]config.ShardID, len(r.order))
	copy(out, r.order)
	return out
}

// Domain returns the domain definition for a shard.
func (r *Router) Domain(id config.ShardID) (config.ShardDomain, bool) {
	entry, ok := r.shards[id]
	if !ok {
		return config.ShardDomain{}, false
	}
	return entry.shard.Domain(), true
}

// Snapshot returns a copy of a shard's records, safe to read while writers
// mutate the live slice.
func (r *Router) Snapshot(id config.ShardID) ([]shard.Record, bool) {
	entry, ok := r.shards[id]
	if !ok {
		return nil, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.shard.Snapshot(), true
}

// Retention returns a shard's retention policy.
func (r *Router) Retention(id config.ShardID) (config.RetentionPolicy, error) {
	entry, ok := r.shards[id]
	if !ok {
		return config.RetentionPolicy{}, fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}
	return entry.shard.Retention(), nil
}

// Update runs fn against the shard under its write lock and persists the
// shard when fn reports a change. fn performs its own pre-commit side
// effects (archival, index maintenance) and aborts the commit by returning
// an error. A failed persist rolls the in-memory mutation back, so a change
// that never reached disk is never observable afterwards. The maintenance
// engines are built on this primitive.
func (r *Router) Update(ctx context.Context, id config.ShardID, fn func(s *shard.Shard) (changed bool, err error)) error {
	entry, ok := r.shards[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, id)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	before := entry.shard.Snapshot()

	changed, err := fn(entry.shard)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := r.store.Save(ctx, id, store.StateOf(entry.shard)); err != nil {
		r.rollback(ctx, id, entry, before)
		return err
	}
	return nil
}

// rollback restores the pre-update record set after a failed persist and
// brings the index back in line with it. Must be called with the entry's
// write lock held.
func (r *Router) rollback(ctx context.Context, id config.ShardID, entry *shardEntry, before []shard.Record) {
	after := entry.shard.Snapshot()
	entry.shard.Replace(before)

	kept := make(map[string]bool, len(before))
	for _, rec := range before {
		kept[rec.ID] = true
	}
	var gone []string
	for _, rec := range after {
		if !kept[rec.ID] {
			gone = append(gone, rec.ID)
		}
	}
	if err := r.engine.Index().Remove(ctx, id, gone...); err != nil {
		r.logger.Warn("index rollback failed",
			zap.String("shard", string(id)), zap.Error(err))
	}
	for _, rec := range before {
		if len(rec.Embedding) == 0 {
			continue
		}
		if err := r.engine.Index().Add(ctx, id, rec.ID, rec.Embedding); err != nil {
			r.logger.Warn("index rollback failed",
				zap.String("record", rec.ID), zap.Error(err))
		}
	}
}

// AddMemory appends a record. With an explicit shard the record goes there
// directly; otherwise the content is routed to the best-scoring shard.
// The record is embedded best-effort: an unavailable backend leaves it
// stored but semantically unsearchable.
func (r *Router) AddMemory(ctx context.Context, content, source string, importance float64, explicit config.ShardID) (string, error) {
	var target config.ShardID
	var crossRefs []config.ShardID

	if explicit != "" {
		if _, ok := r.shards[explicit]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownShard, explicit)
		}
		target = explicit
	} else {
		target, crossRefs = r.Route(content)
	}
	crossRefs = r.links.Filter(target, crossRefs)

	entry := r.shards[target]
	entry.mu.Lock()
	defer entry.mu.Unlock()

	before := entry.shard.Snapshot()

	id, err := entry.shard.AddRecord(content, source, importance, crossRefs)
	if err != nil {
		return "", err
	}

	vec, err := r.embedder.Embed(ctx, content)
	if err != nil {
		r.logger.Warn("record stored without embedding",
			zap.String("shard", string(target)),
			zap.String("record", id),
			zap.Error(err))
	} else {
		entry.shard.SetEmbedding(id, vec)
		if err := r.engine.Index().Add(ctx, target, id, vec); err != nil {
			r.logger.Warn("failed to index new record", zap.String("record", id), zap.Error(err))
		}
	}

	if err := r.store.Save(ctx, target, store.StateOf(entry.shard)); err != nil {
		// Not committed: roll back the in-memory append so memory and disk
		// stay in agreement.
		entry.shard.Replace(before)
		_ = r.engine.Index().Remove(ctx, target, id)
		return "", err
	}

	r.logger.Debug("memory added",
		zap.String("shard", string(target)),
		zap.String("record", id),
		zap.Int("cross_refs", len(crossRefs)))
	return id, nil
}

// Route scores every shard for the content and returns the winner plus the
// detected cross-shard references.
//
// Score = keyword_weight * keywordHits + importance_bonus_weight *
// shardImportance. Ties break by domain declaration order, so routing is
// deterministic. A non-positive maximum falls through to the default shard.
// A positive winner below the importance threshold yields to the priority
// shard: when the signal is weak, the action shard beats passive
// classification.
func (r *Router) Route(content string) (config.ShardID, []config.ShardID) {
	contentLower := strings.ToLower(content)
	rt := r.cfg.Routing

	best := r.order[0]
	bestScore := -1.0

	for _, id := range r.order {
		entry := r.shards[id]
		domain := entry.shard.Domain()

		score := 0.0
		for _, kw := range domain.Keywords {
			if strings.Contains(contentLower, strings.ToLower(kw)) {
				score += rt.KeywordWeight
			}
		}

		entry.mu.RLock()
		score += entry.shard.ImportanceScore() * rt.ImportanceBonusWeight
		entry.mu.RUnlock()

		if score > bestScore {
			best = id
			bestScore = score
		}
	}

	crossRefs := r.detectCrossRefs(contentLower)

	if bestScore <= 0 {
		return rt.DefaultShard, crossRefs
	}
	if rt.PriorityShard != "" && bestScore < rt.ImportanceThreshold {
		return rt.PriorityShard, crossRefs
	}
	return best, crossRefs
}

// detectCrossRefs scans content against the declarative pattern table. Each
// template is instantiated per shard id and a shard is referenced at most
// once. All candidates are returned; the write path filters self links and
// truncates, so a self reference never crowds out a valid one.
func (r *Router) detectCrossRefs(contentLower string) []config.ShardID {
	rt := r.cfg.Routing

	var refs []config.ShardID
	for _, id := range r.order {
		for _, pat := range rt.CrossRefPatterns {
			needle := strings.ToLower(fmt.Sprintf(pat.Template, id))
			if strings.Contains(contentLower, needle) {
				refs = append(refs, id)
				break
			}
		}
	}
	return refs
}

// QueryHit is one lexical fan-out match with its shard attribution.
type QueryHit struct {
	ShardID   config.ShardID `json:"shard_id"`
	ShardName string         `json:"shard_name"`
	shard.Record
}

// Query fans a lexical substring query out over the shards whose domain text
// or keywords are relevant to the query, most recent first per shard, up to
// limit total results.
func (r *Router) Query(text string, limit int) []QueryHit {
	if limit <= 0 {
		limit = 10
	}

	relevant := r.shardsForQuery(text)
	var hits []QueryHit
	for _, id := range relevant {
		entry := r.shards[id]
		domain := entry.shard.Domain()

		entry.mu.RLock()
		records := entry.shard.Query(text, limit-len(hits))
		entry.mu.RUnlock()

		for _, rec := range records {
			hits = append(hits, QueryHit{ShardID: id, ShardName: domain.Name, Record: rec})
		}
		if len(hits) >= limit {
			break
		}
	}
	return hits
}

// shardsForQuery selects shards whose name, description, or keywords overlap
// with the query text, in declaration order.
func (r *Router) shardsForQuery(text string) []config.ShardID {
	queryLower := strings.ToLower(text)

	var relevant []config.ShardID
	for _, id := range r.order {
		domain := r.shards[id].shard.Domain()
		domainText := strings.ToLower(domain.Name + " " + domain.Description)

		match := strings.Contains(domainText, queryLower)
		if !match {
			for _, kw := range domain.Keywords {
				if strings.Contains(queryLower, strings.ToLower(kw)) {
					match = true
					break
				}
			}
		}
		if match {
			relevant = append(relevant, id)
		}
	}
	if len(relevant) == 0 {
		return r.ShardIDs()
	}
	return relevant
}

// CrossShardSearch merges semantic results with per-shard lexical matches,
// de-duplicated by record id with semantic results taking priority.
// Lexical-only hits carry score 0 and therefore sort after every scored
// semantic hit. The merged list is capped at a fixed size.
func (r *Router) CrossShardSearch(ctx context.Context, text string) ([]search.Result, error) {
	semantic, err := r.engine.Search(ctx, text, "", search.DefaultThreshold, crossShardResultCap)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(semantic))
	merged := make([]search.Result, 0, len(semantic))
	for _, res := range semantic {
		merged = append(merged, res)
		seen[res.RecordID] = true
	}

	for _, id := range r.order {
		entry := r.shards[id]
		domain := entry.shard.Domain()

		entry.mu.RLock()
		records := entry.shard.Query(text, 3)
		entry.mu.RUnlock()

		for _, rec := range records {
			if seen[rec.ID] {
				continue
			}
			merged = append(merged, search.Result{
				ShardID:    id,
				ShardName:  domain.Name,
				RecordID:   rec.ID,
				Content:    rec.Content,
				Importance: rec.Importance,
				Timestamp:  rec.Timestamp,
				Source:     rec.Source,
				Similarity: 0,
				Score:      0,
				MatchType:  search.MatchLexical,
			})
			seen[rec.ID] = true
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > crossShardResultCap {
		merged = merged[:crossShardResultCap]
	}
	return merged, nil
}

// ShardStatus is one shard's health line.
type ShardStatus struct {
	ShardID         config.ShardID `json:"shard_id"`
	Name            string         `json:"name"`
	Domain          string         `json:"domain"`
	Records         int            `json:"transactions_count"`
	ImportanceScore float64        `json:"importance_score"`
	LastUpdated     *time.Time     `json:"last_updated,omitempty"`
}

// Status returns per-shard counts sorted by importance, highest first.
func (r *Router) Status() []ShardStatus {
	statuses := make([]ShardStatus, 0, len(r.order))
	for _, id := range r.order {
		entry := r.shards[id]
		domain := entry.shard.Domain()

		entry.mu.RLock()
		st := ShardStatus{
			ShardID:         id,
			Name:            domain.Name,
			Domain:          string(id),
			Records:         entry.shard.Len(),
			ImportanceScore: entry.shard.ImportanceScore(),
		}
		if t := entry.shard.LastUpdated(); !t.IsZero() {
			st.LastUpdated = &t
		}
		entry.mu.RUnlock()

		statuses = append(statuses, st)
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].ImportanceScore > statuses[j].ImportanceScore
	})
	return statuses
}

// Summary is the persisted aggregate report.
type Summary struct {
	ExportedAt   time.Time     `json:"exported_at"`
	TotalShards  int           `json:"total_shards"`
	TotalRecords int           `json:"total_transactions"`
	DomainCount  int           `json:"domains_count"`
	Shards       []ShardStatus `json:"shards_status"`
}

// ExportSummary computes aggregate counts over the current shard state and
// persists them as a report.
func (r *Router) ExportSummary(ctx context.Context) (*Summary, error) {
	statuses := r.Status()

	total := 0
	domains := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		total += st.Records
		domains[st.Domain] = true
	}

	summary := &Summary{
		ExportedAt:   time.Now().UTC(),
		TotalShards:  len(statuses),
		TotalRecords: total,
		DomainCount:  len(domains),
		Shards:       statuses,
	}
	if err := r.store.SaveSummary(ctx, "shards_summary", summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// Stats aggregates store-wide counters, including embedding cache
// effectiveness when the shared cache is in use.
type Stats struct {
	TotalShards     int               `json:"total_shards"`
	TotalRecords    int               `json:"total_transactions"`
	TotalEmbeddings int               `json:"total_embeddings"`
	Dimension       int               `json:"embedding_dimension"`
	Cache           *embed.CacheStats `json:"cache,omitempty"`
}

// Stats returns current counters.
func (r *Router) Stats() Stats {
	s := Stats{
		TotalShards: len(r.order),
		Dimension:   r.embedder.Dimension(),
	}
	for _, id := range r.order {
		records, _ := r.Snapshot(id)
		s.TotalRecords += len(records)
		for _, rec := range records {
			if len(rec.Embedding) > 0 {
				s.TotalEmbeddings++
			}
		}
	}
	if r.cache != nil {
		cs := r.cache.Stats()
		s.Cache = &cs
	}
	return s
}

// RefreshEmbeddings embeds every record that is missing a vector, updating
// the index and persisting each changed shard. Failures are logged per
// record; the refresh continues.
func (r *Router) RefreshEmbeddings(ctx context.Context) (int, error) {
	refreshed := 0
	for _, id := range r.order {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}

		err := r.Update(ctx, id, func(s *shard.Shard) (bool, error) {
			changed := false
			for _, rec := range s.Snapshot() {
				if len(rec.Embedding) > 0 {
					continue
				}
				vec, err := r.embedder.Embed(ctx, rec.Content)
				if err != nil {
					r.logger.Warn("embedding refresh failed",
						zap.String("record", rec.ID), zap.Error(err))
					continue
				}
				s.SetEmbedding(rec.ID, vec)
				if err := r.engine.Index().Add(ctx, id, rec.ID, vec); err != nil {
					r.logger.Warn("failed to index refreshed embedding",
						zap.String("record", rec.ID), zap.Error(err))
				}
				refreshed++
				changed = true
			}
			return changed, nil
		})
		if err != nil {
			return refreshed, err
		}
	}
	return refreshed, nil
}

func (r *Router) indexedCount() int {
	n := 0
	for _, id := range r.order {
		n += r.engine.Index().Count(id)
	}
	return n
}
