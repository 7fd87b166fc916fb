package cache

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
)

type compositeCache struct {
	caches []Cache
}

var _ Cache = (*compositeCache)(nil)

// NewComposite returns a Cache that chains multiple caches together, fastest
// tier first. Get returns the first hit. Writes and deletes go to every tier;
// configure upper tiers with WithMaxExpires so a missed invalidation
// broadcast only leaves them stale briefly.
// At least one cache must be provided; panics if empty.
func NewComposite(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches}
}

// Get skips a failing tier and tries the next one, so a healthy local tier
// keeps serving while a remote one is down. A hit in a lower tier is copied
// into the tiers above it with their default TTL.
func (c *compositeCache) Get(ctx context.Context, key string) (bool, any, error) {
	var errs error
	for i, cache := range c.caches {
		found, val, err := cache.Get(ctx, key)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if found {
			for _, upper := range c.caches[:i] {
				// backfill is best effort
				_ = upper.Set(ctx, key, val, 0)
			}
			return true, val, nil
		}
	}
	return false, nil, errs
}

func (c *compositeCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	var errs error
	for _, cache := range c.caches {
		errs = errors.CombineErrors(errs, cache.Set(ctx, key, val, expires))
	}
	return errs
}

func (c *compositeCache) Hits(ctx context.Context, key string) (bool, int) {
	for _, cache := range c.caches {
		if found, hits := cache.Hits(ctx, key); found {
			return true, hits
		}
	}
	return false, 0
}

func (c *compositeCache) Expire(ctx context.Context, key string) (bool, error) {
	var anyFound bool
	var errs error
	for _, cache := range c.caches {
		found, err := cache.Expire(ctx, key)
		errs = errors.CombineErrors(errs, err)
		anyFound = anyFound || found
	}
	return anyFound, errs
}

func (c *compositeCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var all []string
	var errs error
	for _, cache := range c.caches {
		keys, err := cache.Keys(ctx, pattern)
		errs = errors.CombineErrors(errs, err)
		all = append(all, keys...)
	}
	slices.Sort(all)
	return slices.Compact(all), errs
}

// ExpireMatching clears every tier and reports the largest per-tier count,
// since lower tiers normally hold a superset of the upper ones.
func (c *compositeCache) ExpireMatching(ctx context.Context, pattern string) (int, error) {
	var max int
	var errs error
	for _, cache := range c.caches {
		n, err := cache.ExpireMatching(ctx, pattern)
		errs = errors.CombineErrors(errs, err)
		if n > max {
			max = n
		}
	}
	return max, errs
}

func (c *compositeCache) Close() error {
	var errs error
	for _, cache := range c.caches {
		errs = errors.CombineErrors(errs, cache.Close())
	}
	return errs
}
