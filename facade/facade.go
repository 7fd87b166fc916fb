// Package facade binds the cache to one data domain with a fixed namespace
// and TTL, falling back to the backing source whenever the cache fails.
package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/invalidation"
	"github.com/textileops/go-readcache/logger"
)

// Latency values reported in Result.
const (
	LatencyHit   = "sub-millisecond"
	LatencyError = "error"
)

// DashboardPattern matches the derived dashboard aggregates that depend on
// every domain.
var DashboardPattern = cache.NamespacePattern("dashboard")

var ErrNoItemSource = errors.New("facade has no item source")

// ListSource loads a listing from the backing store.
type ListSource[T any] func(ctx context.Context, filters map[string]any) (T, error)

// ItemSource loads one entity from the backing store.
type ItemSource[E any] func(ctx context.Context, id string) (E, error)

// Result is a facade read.
type Result[T any] struct {
	Data      T      `json:"data"`
	FromCache bool   `json:"fromCache"`
	Latency   string `json:"latency"`
}

// Observer receives lookup outcomes: hit, miss or error.
type Observer interface {
	ObserveLookup(namespace, result string)
}

type Config[T, E any] struct {
	Domain    string
	Namespace string
	TTL       time.Duration
	List      ListSource[T]
	Item      ItemSource[E]
	// Derived are patterns invalidated with every write to the domain.
	// Nil means DashboardPattern.
	Derived  []string
	Observer Observer
}

// Facade caches the listings (T) and entities (E) of one domain.
type Facade[T, E any] struct {
	cfg         Config[T, E]
	cache       cache.Cache
	invalidator *invalidation.Service
	logger      logger.Logger
}

// New returns a facade. The invalidation service should wrap the same cache.
func New[T, E any](cfg Config[T, E], c cache.Cache, inv *invalidation.Service, log logger.Logger) *Facade[T, E] {
	if cfg.Derived == nil {
		cfg.Derived = []string{DashboardPattern}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = cache.DefaultExpires
	}
	return &Facade[T, E]{
		cfg:         cfg,
		cache:       c,
		invalidator: inv,
		logger:      log.WithPrefix("[" + cfg.Domain + "]"),
	}
}

func (f *Facade[T, E]) Domain() string    { return f.cfg.Domain }
func (f *Facade[T, E]) Namespace() string { return f.cfg.Namespace }

func (f *Facade[T, E]) listNamespace() string { return f.cfg.Namespace + ":list" }
func (f *Facade[T, E]) itemNamespace() string { return f.cfg.Namespace + ":item" }

// ListKey is the cache key of the listing for filters. Filter names and
// values are escaped.
func (f *Facade[T, E]) ListKey(filters map[string]any) string {
	return cache.BuildEscapedKey(f.listNamespace(), filters)
}

// ItemKey is the cache key of entity id.
func (f *Facade[T, E]) ItemKey(id string) string {
	return cache.BuildEscapedKey(f.itemNamespace(), map[string]any{"id": id})
}

func (f *Facade[T, E]) observe(result string) {
	if f.cfg.Observer != nil {
		f.cfg.Observer.ObserveLookup(f.cfg.Namespace, result)
	}
}

// GetAll returns the listing for filters. Source errors are returned; cache
// errors are logged and reported as Latency "error".
func (f *Facade[T, E]) GetAll(ctx context.Context, filters map[string]any) (Result[T], error) {
	return read(ctx, f, f.ListKey(filters), func(ctx context.Context) (T, error) {
		return f.cfg.List(ctx, filters)
	})
}

// GetByID returns entity id.
func (f *Facade[T, E]) GetByID(ctx context.Context, id string) (Result[E], error) {
	if f.cfg.Item == nil {
		return Result[E]{}, ErrNoItemSource
	}
	return read(ctx, f, f.ItemKey(id), func(ctx context.Context) (E, error) {
		return f.cfg.Item(ctx, id)
	})
}

func read[V, T, E any](ctx context.Context, f *Facade[T, E], key string, load func(context.Context) (V, error)) (Result[V], error) {
	log := f.logger.WithContext(ctx)
	found, val, err := cache.Get[V](ctx, f.cache, key)
	if err == nil && found {
		f.observe("hit")
		return Result[V]{Data: val, FromCache: true, Latency: LatencyHit}, nil
	}
	if err != nil {
		log.Warn("cache read of %s failed, using source: %s", key, err)
		f.observe("error")
		data, err := load(ctx)
		if err != nil {
			return Result[V]{}, err
		}
		return Result[V]{Data: data, Latency: LatencyError}, nil
	}

	started := time.Now()
	data, err := load(ctx)
	if err != nil {
		return Result[V]{}, err
	}
	elapsed := time.Since(started)
	if err := f.cache.Set(ctx, key, data, f.cfg.TTL); err != nil {
		log.Warn("cache write of %s failed: %s", key, err)
		f.observe("error")
		return Result[V]{Data: data, Latency: LatencyError}, nil
	}
	f.observe("miss")
	return Result[V]{Data: data, Latency: fmt.Sprintf("%dms", elapsed.Milliseconds())}, nil
}

// Invalidate removes entity id and every listing when id is set, otherwise
// the whole domain. Derived aggregates are always removed. It returns the
// number of keys removed.
func (f *Facade[T, E]) Invalidate(ctx context.Context, id string) int {
	var n int
	if id != "" {
		n += f.invalidator.InvalidatePattern(ctx, cache.EscapePattern(f.ItemKey(id)))
		n += f.invalidator.InvalidatePattern(ctx, cache.NamespacePattern(f.listNamespace()))
	} else {
		n += f.invalidator.InvalidatePattern(ctx, cache.NamespacePattern(f.cfg.Namespace))
	}
	n += f.invalidator.InvalidatePatterns(ctx, f.cfg.Derived...)
	f.logger.WithContext(ctx).Debug("invalidated %d keys (id=%q)", n, id)
	return n
}
