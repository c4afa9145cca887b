// Package config holds the process-wide configuration for the memory store:
// the fixed set of shard domains, the routing weights, the cross-reference
// pattern table, and the per-shard retention policies.
//
// Configuration is loaded once at startup and treated as immutable afterwards.
// Components receive a *Config at construction; there is no ambient global
// state.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// ShardID identifies one topical partition of the memory store.
type ShardID string

// ShardDomain describes one shard: its identity, routing keywords, and a
// human-readable description. Domains are fixed at startup; their declaration
// order defines the deterministic tie-break priority for routing.
type ShardDomain struct {
	ID          ShardID  `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
}

// CrossRefPattern is one entry of the declarative cross-reference table.
// Template must contain a single %s placeholder which is substituted with a
// shard id before the (case-insensitive) substring check. Keeping the table
// as data rather than regexes makes routing trivially testable.
type CrossRefPattern struct {
	Template string `yaml:"template"`
}

// Routing holds the shard-scoring parameters.
type Routing struct {
	// KeywordWeight scales the per-keyword hit count.
	KeywordWeight float64 `yaml:"keyword_weight"`

	// ImportanceBonusWeight scales the shard's derived importance score.
	// Kept small so a busy shard cannot dominate keyword routing.
	ImportanceBonusWeight float64 `yaml:"importance_bonus_weight"`

	// ImportanceThreshold is the minimum winning score below which the
	// PriorityShard is preferred when it meets the threshold itself.
	ImportanceThreshold float64 `yaml:"importance_threshold"`

	// MaxCrossRefs caps the number of cross-references per record.
	MaxCrossRefs int `yaml:"max_cross_refs"`

	// CrossRefPatterns is the declarative pattern table, evaluated in order.
	CrossRefPatterns []CrossRefPattern `yaml:"cross_ref_patterns"`

	// DefaultShard receives content that matches no shard at all.
	DefaultShard ShardID `yaml:"default_shard"`

	// PriorityShard is preferred over a low-confidence winner. This encodes
	// "when uncertain, prefer the action/task shard over passive
	// classification".
	PriorityShard ShardID `yaml:"priority_shard"`
}

// RetentionPolicy bounds a shard's record set by age and size.
type RetentionPolicy struct {
	TTLDays    int `yaml:"ttl_days"`
	MaxRecords int `yaml:"max_transactions"`
}

// TTL returns the policy's time-to-live as a duration.
func (p RetentionPolicy) TTL() time.Duration {
	return time.Duration(p.TTLDays) * 24 * time.Hour
}

// DefaultRetention applies to shards without an explicit policy.
var DefaultRetention = RetentionPolicy{TTLDays: 180, MaxRecords: 200}

// Config is the root configuration object.
type Config struct {
	// DataDir is the directory holding shard files and archive logs.
	DataDir string `yaml:"data_dir"`

	Domains   []ShardDomain               `yaml:"domains"`
	Routing   Routing                     `yaml:"routing"`
	Retention map[ShardID]RetentionPolicy `yaml:"retention"`
}

// Default returns the built-in configuration: five topical domains with their
// keyword sets and retention policies.
func Default() *Config {
	return &Config{
		DataDir: "memory",
		Domains: []ShardDomain{
			{
				ID:          "projects",
				Name:        "Active Projects",
				Description: "Active projects, ongoing tasks, goals",
				Keywords:    []string{"project", "task", "todo", "goal", "objective"},
			},
			{
				ID:          "insights",
				Name:        "Insights and Lessons",
				Description: "Lessons learned, identified patterns, important decisions",
				Keywords:    []string{"lesson", "pattern", "insight", "decision"},
			},
			{
				ID:          "people",
				Name:        "People and Relations",
				Description: "Contacts, experts, builders, important relations",
				Keywords:    []string{"@", "contact", "person", "expert", "builder", "relation"},
			},
			{
				ID:          "technical",
				Name:        "Technical and Architecture",
				Description: "Architecture, code, protocols, frameworks",
				Keywords:    []string{"architecture", "framework", "code", "protocol", "shard", "layer"},
			},
			{
				ID:          "strategy",
				Name:        "Strategy and Vision",
				Description: "Long-term vision, priorities, content strategy",
				Keywords:    []string{"strategy", "vision", "priority", "trend"},
			},
		},
		Routing: Routing{
			KeywordWeight:         1.0,
			ImportanceBonusWeight: 0.5,
			ImportanceThreshold:   1.0,
			MaxCrossRefs:          3,
			CrossRefPatterns: []CrossRefPattern{
				{Template: "shard:%s"},
				{Template: "see shard %s"},
				{Template: "shard %s"},
				{Template: "linked with shard %s"},
			},
			DefaultShard:  "insights",
			PriorityShard: "projects",
		},
		Retention: map[ShardID]RetentionPolicy{
			"projects":  {TTLDays: 30, MaxRecords: 100},
			"insights":  {TTLDays: 90, MaxRecords: 50},
			"people":    {TTLDays: 90, MaxRecords: 50},
			"technical": {TTLDays: 180, MaxRecords: 200},
			"strategy":  {TTLDays: 180, MaxRecords: 200},
		},
	}
}

// Load reads configuration from a YAML file. A missing file is not an error:
// the built-in defaults apply. A present but malformed file is an error so a
// typo cannot silently reconfigure routing.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if len(c.Domains) == 0 {
		return fmt.Errorf("no shard domains configured")
	}

	seen := make(map[ShardID]bool, len(c.Domains))
	for _, d := range c.Domains {
		if d.ID == "" {
			return fmt.Errorf("shard domain with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate shard domain %q", d.ID)
		}
		seen[d.ID] = true
	}

	if !seen[c.Routing.DefaultShard] {
		return fmt.Errorf("default shard %q is not a configured domain", c.Routing.DefaultShard)
	}
	if c.Routing.PriorityShard != "" && !seen[c.Routing.PriorityShard] {
		return fmt.Errorf("priority shard %q is not a configured domain", c.Routing.PriorityShard)
	}
	if c.Routing.MaxCrossRefs < 0 {
		return fmt.Errorf("max_cross_refs must be >= 0")
	}
	for id := range c.Retention {
		if !seen[id] {
			return fmt.Errorf("retention policy for unknown shard %q", id)
		}
	}
	return nil
}

// Domain returns the domain definition for a shard id.
func (c *Config) Domain(id ShardID) (ShardDomain, bool) {
	for _, d := range c.Domains {
		if d.ID == id {
			return d, true
		}
	}
	return ShardDomain{}, false
}

// RetentionFor returns the shard's retention policy, falling back to
// DefaultRetention when none is configured.
func (c *Config) RetentionFor(id ShardID) RetentionPolicy {
	if p, ok := c.Retention[id]; ok {
		return p
	}
	return DefaultRetention
}
