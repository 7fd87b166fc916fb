// Package cachetest provides cache.Cache doubles for tests.
package cachetest

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/cache"
)

// ErrInjected is returned by every Failing operation.
var ErrInjected = errors.Wrap(cache.ErrUnavailable, "injected failure")

// Spy wraps a cache and counts calls per operation.
type Spy struct {
	cache.Cache
	mu    sync.Mutex
	calls map[string]int
}

var _ cache.Cache = (*Spy)(nil)

// NewSpy wraps next.
func NewSpy(next cache.Cache) *Spy {
	return &Spy{Cache: next, calls: make(map[string]int)}
}

func (s *Spy) record(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

// Calls returns how many times op was called. An empty op returns the total.
func (s *Spy) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op != "" {
		return s.calls[op]
	}
	var total int
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *Spy) Get(ctx context.Context, key string) (bool, any, error) {
	s.record("get")
	return s.Cache.Get(ctx, key)
}

func (s *Spy) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	s.record("set")
	return s.Cache.Set(ctx, key, val, expires)
}

func (s *Spy) Hits(ctx context.Context, key string) (bool, int) {
	s.record("hits")
	return s.Cache.Hits(ctx, key)
}

func (s *Spy) Expire(ctx context.Context, key string) (bool, error) {
	s.record("expire")
	return s.Cache.Expire(ctx, key)
}

func (s *Spy) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.record("keys")
	return s.Cache.Keys(ctx, pattern)
}

func (s *Spy) ExpireMatching(ctx context.Context, pattern string) (int, error) {
	s.record("expire_matching")
	return s.Cache.ExpireMatching(ctx, pattern)
}

// Failing is a cache whose every operation fails with ErrInjected.
type Failing struct{}

var _ cache.Cache = Failing{}

func (Failing) Get(context.Context, string) (bool, any, error) { return false, nil, ErrInjected }
func (Failing) Set(context.Context, string, any, time.Duration) error {
	return ErrInjected
}
func (Failing) Hits(context.Context, string) (bool, int)            { return false, 0 }
func (Failing) Expire(context.Context, string) (bool, error)        { return false, ErrInjected }
func (Failing) Keys(context.Context, string) ([]string, error)      { return nil, ErrInjected }
func (Failing) ExpireMatching(context.Context, string) (int, error) { return 0, ErrInjected }
func (Failing) Close() error                                        { return nil }
