// Package cache implements the tiered result cache that memoizes
// expensive external lookups.
//
// Tiers are checked fastest-first on read, with faster tiers backfilled
// on a slower-tier hit; writes go through every tier. A tier being
// unavailable degrades to the next tier and never fails the calling
// operation; the cache is an optimization layer, not a source of
// truth. Concurrent reads and writes to the same key are safe with
// last-write-wins semantics.
package cache

import (
	"context"
	"log/slog"
	"time"
)

// Tier is one cache backing. Implementations: MemoryTier (in-process),
// store.CacheTier (SQLite persistence), and whatever shared tier the
// deployment injects (anything network-accessible that satisfies this
// interface).
//
// Get returns (nil, false, nil) for both a miss and an expired entry;
// expired entries are treated as absent and may be evicted
// opportunistically on the read path.
type Tier interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Name() string
}

// Tiered chains tiers fastest-first.
type Tiered struct {
	tiers  []Tier
	onHit  func(tier string)
	onMiss func()
}

// TieredOption configures a Tiered cache.
type TieredOption func(*Tiered)

// WithHitFunc installs an observer called with the name of the tier
// that answered a Get. Used for metrics.
func WithHitFunc(fn func(tier string)) TieredOption {
	return func(t *Tiered) { t.onHit = fn }
}

// WithMissFunc installs an observer called when no tier answers a Get.
func WithMissFunc(fn func()) TieredOption {
	return func(t *Tiered) { t.onMiss = fn }
}

// NewTiered builds a tiered cache. Tiers are consulted in the order
// given; pass the in-process tier first.
func NewTiered(tiers []Tier, opts ...TieredOption) *Tiered {
	t := &Tiered{tiers: tiers}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get checks tiers fastest-first. On a hit in a slower tier, every
// faster tier is backfilled with the remaining-TTL-agnostic value (the
// backfill uses backfillTTL, a short horizon, since the slower tier's
// original expiry is not carried on the read path).
//
// A tier error is logged and treated as a miss for that tier.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, tier := range t.tiers {
		value, ok, err := tier.Get(ctx, key)
		if err != nil {
			slog.Warn("cache tier get failed, degrading",
				"tier", tier.Name(), "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		t.backfill(ctx, key, value, i)
		if t.onHit != nil {
			t.onHit(tier.Name())
		}
		return value, true
	}
	if t.onMiss != nil {
		t.onMiss()
	}
	return nil, false
}

// backfillTTL bounds how long a backfilled entry lives in a faster
// tier. Kept short: the authoritative expiry stays with the tier that
// was originally written through.
const backfillTTL = time.Hour

func (t *Tiered) backfill(ctx context.Context, key string, value []byte, hitIndex int) {
	for _, faster := range t.tiers[:hitIndex] {
		if err := faster.Set(ctx, key, value, backfillTTL); err != nil {
			slog.Warn("cache tier backfill failed",
				"tier", faster.Name(), "key", key, "error", err)
		}
	}
}

// Set writes through all tiers. Individual tier failures are logged
// and do not fail the call; a value that lands in at least zero tiers
// is still a successful Set from the caller's point of view.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	for _, tier := range t.tiers {
		if err := tier.Set(ctx, key, value, ttl); err != nil {
			slog.Warn("cache tier set failed, degrading",
				"tier", tier.Name(), "key", key, "error", err)
		}
	}
}
