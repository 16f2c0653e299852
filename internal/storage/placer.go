package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// PlacementRule maps a size predicate to a tier. The first matching rule
// wins.
type PlacementRule struct {
	Match func(size int64) bool
	Tier  Tier
}

// DefaultRules places files at or above threshold on the remote tier and
// everything else locally. Without a remote tier everything stays local.
func DefaultRules(threshold int64, remoteEnabled bool) []PlacementRule {
	if !remoteEnabled {
		return []PlacementRule{
			{Match: func(int64) bool { return true }, Tier: TierLocal},
		}
	}
	return []PlacementRule{
		{Match: func(size int64) bool { return size >= threshold }, Tier: TierRemote},
		{Match: func(int64) bool { return true }, Tier: TierLocal},
	}
}

// Placer routes finalized files to a tier based on placement rules.
type Placer struct {
	rules []PlacementRule
	tiers map[Tier]ObjectStore
}

// NewPlacer builds a placer over the given tiers. remote may be nil when
// the remote tier is not configured.
func NewPlacer(local, remote ObjectStore, rules []PlacementRule) *Placer {
	tiers := map[Tier]ObjectStore{TierLocal: local}
	if remote != nil {
		tiers[TierRemote] = remote
	}
	return &Placer{rules: rules, tiers: tiers}
}

// Decide returns the tier a file of the given size belongs on.
func (p *Placer) Decide(size int64) Tier {
	for _, rule := range p.rules {
		if rule.Match(size) {
			return rule.Tier
		}
	}
	return TierLocal
}

// Put stores the blob on the tier chosen for its size and reports which
// tier received it.
func (p *Placer) Put(ctx context.Context, key string, r io.Reader, size int64) (Tier, error) {
	tier := p.Decide(size)
	store, ok := p.tiers[tier]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	if err := store.Put(ctx, key, r, size); err != nil {
		return "", fmt.Errorf("put %s tier: %w", tier, err)
	}
	log.Debug().
		Str("key", key).
		Str("tier", string(tier)).
		Int64("size", size).
		Msg("Stored blob")
	return tier, nil
}

// PutAt rewrites the blob for key on a specific tier, bypassing the size
// rules. Used when content already placed changes in size, such as lock
// rewrites.
func (p *Placer) PutAt(ctx context.Context, tier Tier, key string, r io.Reader, size int64) error {
	store, ok := p.tiers[tier]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	if err := store.Put(ctx, key, r, size); err != nil {
		return fmt.Errorf("put %s tier: %w", tier, err)
	}
	return nil
}

// Get opens the blob for key on the given tier.
func (p *Placer) Get(ctx context.Context, tier Tier, key string) (io.ReadCloser, error) {
	store, ok := p.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return store.Get(ctx, key)
}

// Delete removes the blob for key from the given tier.
func (p *Placer) Delete(ctx context.Context, tier Tier, key string) error {
	store, ok := p.tiers[tier]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return store.Delete(ctx, key)
}
