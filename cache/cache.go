package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnavailable marks every error caused by the cache backend itself
// (timeouts, connection failures, an open circuit). Callers test for it with
// errors.Is and treat the cache as empty.
var ErrUnavailable = errors.New("cache unavailable")

// Cache is a key-value store with per-key TTL and glob-pattern operations.
// Patterns use the Redis glob dialect: *, ?, [abc], [^abc], [a-z] and \ as
// an escape.
type Cache interface {
	// Get retrieves a value. Serializing backends return an Encoded value.
	Get(ctx context.Context, key string) (bool, any, error)

	// Set stores a value with a TTL measured from now. If expires <= 0,
	// the cache's configured default TTL is used. A configured maximum TTL
	// caps either.
	Set(ctx context.Context, key string, val any, expires time.Duration) error

	// Hits returns the number of reads of key since it was last written.
	Hits(ctx context.Context, key string) (bool, int)

	// Expire removes a key from the cache.
	Expire(ctx context.Context, key string) (bool, error)

	// Keys returns the live keys matching pattern, in no particular order.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// ExpireMatching removes every key matching pattern and returns how many were removed.
	ExpireMatching(ctx context.Context, pattern string) (int, error)

	// Close shuts down the cache.
	Close() error
}

// Encoded is a msgpack payload returned by backends that serialize values.
type Encoded []byte

type value struct {
	object  any
	expires time.Time
	hits    int
}

// Get retrieves a typed value from the cache. In-process values are type
// asserted; Encoded values are decoded with msgpack.
func Get[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var zero T
	found, val, err := c.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	return Decode[T](val)
}

// Decode converts a value returned by Cache.Get into T.
func Decode[T any](val any) (bool, T, error) {
	var zero T
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	if data, ok := val.(Encoded); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return false, zero, errors.Wrap(err, "cache: failed to unmarshal value")
		}
		return true, result, nil
	}
	return false, zero, errors.Newf("cache: cannot convert value of type %T to %T", val, zero)
}

// DefaultExpires is the TTL used when Set is called without one.
const DefaultExpires = 72 * time.Hour

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (SQLite, Redis).
const DefaultQueryTimeout = 2 * time.Second

// scanBatch is the COUNT hint for SCAN and the chunk size for bulk deletes.
const scanBatch = 100

// config holds the resolved configuration for a cache implementation.
type config struct {
	defaultExpires time.Duration
	maxExpires     time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for cached values.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithMaxExpires caps the TTL of every entry, including ones written with
// a longer explicit TTL. Zero means no cap.
func WithMaxExpires(d time.Duration) Option {
	return func(c *config) { c.maxExpires = d }
}

// ttl resolves the TTL for a Set call.
func (c config) ttl(expires time.Duration) time.Duration {
	if expires <= 0 {
		expires = c.defaultExpires
	}
	if c.maxExpires > 0 && expires > c.maxExpires {
		expires = c.maxExpires
	}
	return expires
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
// Applies to InMemory and SQLite backends.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing cache keys on a shared
// Redis. Keys returned by Keys have the prefix removed.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string        { return "cache " + e.op + ": " + e.err.Error() }
func (e *unavailableError) Unwrap() error        { return e.err }
func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return &unavailableError{op: op, err: err}
}

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Expires is the TTL for cached values. The cache default applies if zero.
	Expires time.Duration
	// Key is the cache key. Required.
	Key string
}

// Invoker is a function that produces a value of type T.
// The bool return indicates whether a value was found. Return false to signal
// "not found" without caching a zero value.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. On a hit the cached value is returned. On a
// miss invoke produces the value, which is stored when found. Errors from
// invoke are returned; errors from the cache are returned alongside the
// value so callers can log them without losing the result.
func Exec[T any](ctx context.Context, config CacheConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	found, val, cacheErr := Get[T](ctx, c, config.Key)
	if cacheErr == nil && found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, cacheErr
	}

	if cacheErr == nil {
		cacheErr = c.Set(ctx, config.Key, result, config.Expires)
	}
	return true, result, cacheErr
}
