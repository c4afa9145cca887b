package router

import (
	"errors"
	"fmt"

	"github.com/agentmem/shardmem/config"
)

// ErrSelfLink is returned when a cross-reference points at its own shard.
var ErrSelfLink = errors.New("router: cross-reference to own shard")

// LinkValidator checks cross-shard references before they are stored: the
// target must be a configured shard, a record never references its own
// shard, and the reference list stays within the configured cap.
type LinkValidator struct {
	known   map[config.ShardID]bool
	maxRefs int
}

// NewLinkValidator builds a validator over the configured domains.
func NewLinkValidator(cfg *config.Config) *LinkValidator {
	known := make(map[config.ShardID]bool, len(cfg.Domains))
	for _, d := range cfg.Domains {
		known[d.ID] = true
	}
	return &LinkValidator{known: known, maxRefs: cfg.Routing.MaxCrossRefs}
}

// Validate reports whether a single from→to reference is acceptable.
func (v *LinkValidator) Validate(from, to config.ShardID) error {
	if !v.known[to] {
		return fmt.Errorf("%w: %s", ErrUnknownShard, to)
	}
	if from == to {
		return ErrSelfLink
	}
	return nil
}

// Filter drops invalid and duplicate references and truncates the result to
// the configured maximum, preserving input order.
func (v *LinkValidator) Filter(from config.ShardID, refs []config.ShardID) []config.ShardID {
	if len(refs) == 0 {
		return nil
	}
	seen := make(map[config.ShardID]bool, len(refs))
	out := refs[:0:0]
	for _, to := range refs {
		if seen[to] || v.Validate(from, to) != nil {
			continue
		}
		seen[to] = true
		out = append(out, to)
		if len(out) >= v.maxRefs {
			break
		}
	}
	return out
}
