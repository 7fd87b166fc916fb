package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/resilience"
)

type guardedCache struct {
	next    Cache
	breaker *resilience.CircuitBreaker
}

var _ Cache = (*guardedCache)(nil)

// NewGuarded wraps next with a circuit breaker. Once the backend has failed
// often enough, calls fail immediately with ErrUnavailable until the breaker
// lets a trial through. Only ErrUnavailable-class errors trip the breaker.
func NewGuarded(next Cache, cfg resilience.CircuitBreakerConfig) Cache {
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return errors.Is(err, ErrUnavailable) || errors.Is(err, resilience.ErrCircuitBreakerTimeout)
		}
	}
	return &guardedCache{next: next, breaker: resilience.NewCircuitBreaker(cfg)}
}

func (g *guardedCache) exec(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := g.breaker.Execute(ctx, fn)
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) || errors.Is(err, resilience.ErrCircuitBreakerTimeout) {
		return unavailable(err, op)
	}
	return err
}

func (g *guardedCache) Get(ctx context.Context, key string) (found bool, val any, err error) {
	err = g.exec(ctx, "get", func(ctx context.Context) error {
		var ierr error
		found, val, ierr = g.next.Get(ctx, key)
		return ierr
	})
	if err != nil {
		return false, nil, err
	}
	return found, val, nil
}

func (g *guardedCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	return g.exec(ctx, "set", func(ctx context.Context) error {
		return g.next.Set(ctx, key, val, expires)
	})
}

func (g *guardedCache) Hits(ctx context.Context, key string) (found bool, hits int) {
	_ = g.exec(ctx, "hits", func(ctx context.Context) error {
		found, hits = g.next.Hits(ctx, key)
		return nil
	})
	return found, hits
}

func (g *guardedCache) Expire(ctx context.Context, key string) (found bool, err error) {
	err = g.exec(ctx, "expire", func(ctx context.Context) error {
		var ierr error
		found, ierr = g.next.Expire(ctx, key)
		return ierr
	})
	return found, err
}

func (g *guardedCache) Keys(ctx context.Context, pattern string) (keys []string, err error) {
	err = g.exec(ctx, "keys", func(ctx context.Context) error {
		var ierr error
		keys, ierr = g.next.Keys(ctx, pattern)
		return ierr
	})
	return keys, err
}

func (g *guardedCache) ExpireMatching(ctx context.Context, pattern string) (n int, err error) {
	err = g.exec(ctx, "expire matching", func(ctx context.Context) error {
		var ierr error
		n, ierr = g.next.ExpireMatching(ctx, pattern)
		return ierr
	})
	return n, err
}

func (g *guardedCache) Close() error {
	return g.next.Close()
}
