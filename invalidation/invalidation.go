// Package invalidation removes cache entries after writes. Every operation
// logs backend failures and reports them through its return value instead
// of an error: a write that already succeeded must not fail because the
// cache could not be cleared.
package invalidation

import (
	"context"
	"time"

	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/textileops/go-readcache/invalidation")

// Publisher fans invalidations out to other instances.
type Publisher interface {
	PublishKey(ctx context.Context, key string) error
	PublishPattern(ctx context.Context, pattern string) error
}

// Observer is notified after every invalidation attempt. err is nil on success.
type Observer interface {
	ObserveInvalidation(target string, removed int, err error)
}

// Service deletes cache entries by exact key or glob pattern.
type Service struct {
	cache     cache.Cache
	logger    logger.Logger
	publisher Publisher
	observer  Observer
}

type Option func(*Service)

// WithPublisher broadcasts every invalidation after it is applied locally.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// New returns a Service operating on c.
func New(c cache.Cache, log logger.Logger, opts ...Option) *Service {
	s := &Service{cache: c, logger: log.WithPrefix("[invalidation]")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cache returns the underlying cache.
func (s *Service) Cache() cache.Cache {
	return s.cache
}

func (s *Service) observe(target string, removed int, err error) {
	if s.observer != nil {
		s.observer.ObserveInvalidation(target, removed, err)
	}
}

// InvalidatePattern deletes every key matching pattern and returns the count.
// It returns 0 when nothing matches or when the cache fails.
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) int {
	ctx, span := tracer.Start(ctx, "invalidation.pattern", trace.WithAttributes(attribute.String("cache.pattern", pattern)))
	defer span.End()

	n, err := s.cache.ExpireMatching(ctx, pattern)
	s.publish(ctx, cache.KindPattern, pattern)
	s.observe(pattern, n, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("failed to invalidate pattern %s: %s", pattern, err)
		return 0
	}
	span.SetAttributes(attribute.Int("cache.removed", n))
	s.logger.Debug("invalidated %d keys matching %s", n, pattern)
	return n
}

// InvalidatePatterns applies InvalidatePattern to each pattern and returns the total.
func (s *Service) InvalidatePatterns(ctx context.Context, patterns ...string) int {
	var total int
	for _, p := range patterns {
		total += s.InvalidatePattern(ctx, p)
	}
	return total
}

// InvalidateKey deletes key. It returns false only when the cache failed;
// deleting an absent key succeeds.
func (s *Service) InvalidateKey(ctx context.Context, key string) bool {
	ctx, span := tracer.Start(ctx, "invalidation.key", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	found, err := s.cache.Expire(ctx, key)
	s.publish(ctx, cache.KindKey, key)
	removed := 0
	if found {
		removed = 1
	}
	s.observe(key, removed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("failed to invalidate key %s: %s", key, err)
		return false
	}
	return true
}

// DeleteEntry is InvalidateKey.
func (s *Service) DeleteEntry(ctx context.Context, key string) bool {
	return s.InvalidateKey(ctx, key)
}

// SetEntry stores val under key for ttl. It returns false when the cache failed.
func (s *Service) SetEntry(ctx context.Context, key string, val any, ttl time.Duration) bool {
	if err := s.cache.Set(ctx, key, val, ttl); err != nil {
		s.logger.Warn("failed to set %s: %s", key, err)
		return false
	}
	return true
}

// GetEntry returns the raw cached value for key. The second return is false
// on a miss or when the cache failed.
func (s *Service) GetEntry(ctx context.Context, key string) (any, bool) {
	found, val, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("failed to get %s: %s", key, err)
		return nil, false
	}
	return val, found
}

// GetEntry returns the cached value for key decoded as T.
func GetEntry[T any](ctx context.Context, s *Service, key string) (T, bool) {
	found, val, err := cache.Get[T](ctx, s.cache, key)
	if err != nil {
		s.logger.Warn("failed to get %s: %s", key, err)
		var zero T
		return zero, false
	}
	return val, found
}

func (s *Service) publish(ctx context.Context, kind, target string) {
	if s.publisher == nil {
		return
	}
	var err error
	if kind == cache.KindPattern {
		err = s.publisher.PublishPattern(ctx, target)
	} else {
		err = s.publisher.PublishKey(ctx, target)
	}
	if err != nil {
		s.logger.Warn("failed to broadcast invalidation of %s: %s", target, err)
	}
}
