package cache

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type redisCache struct {
	client redis.UniversalClient
	cfg    config
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a new Cache backed by Redis. Each entry is a hash with
// the msgpack value in field "v" and the read count in field "h".
// The caller owns the client lifecycle; Close is a no-op on the client.
func NewRedis(client redis.UniversalClient, opts ...Option) Cache {
	return &redisCache{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, any, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	data, err := c.client.HGet(qctx, k, "v").Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, unavailable(err, "get")
	}
	// hit counting is best effort
	c.client.HIncrBy(qctx, k, "h", 1)
	return true, Encoded(data), nil
}

func (c *redisCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	expires = c.cfg.ttl(expires)
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrap(err, "cache: failed to marshal value")
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	pipe := c.client.TxPipeline()
	pipe.HSet(qctx, k, "v", data, "h", 0)
	pipe.PExpire(qctx, k, expires)
	_, err = pipe.Exec(qctx)
	return unavailable(err, "set")
}

func (c *redisCache) Hits(ctx context.Context, key string) (bool, int) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	hits, err := c.client.HGet(qctx, c.prefixKey(key), "h").Int()
	if err != nil {
		return false, 0
	}
	return true, hits
}

func (c *redisCache) Expire(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, unavailable(err, "expire")
	}
	return result > 0, nil
}

// scan walks the keyspace with SCAN MATCH and hands each batch of raw
// (prefixed) keys to fn.
func (c *redisCache) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	match := c.prefixKey(pattern)
	for {
		qctx, cancel := c.queryCtx(ctx)
		keys, next, err := c.client.Scan(qctx, cursor, match, scanBatch).Result()
		cancel()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *redisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var result []string
	err := c.scan(ctx, pattern, func(keys []string) error {
		for _, k := range keys {
			// SCAN may return a key more than once
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			if c.cfg.prefix != "" {
				k = strings.TrimPrefix(k, c.cfg.prefix+":")
			}
			result = append(result, k)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err, "keys")
	}
	return result, nil
}

// ExpireMatching collects every matching key before deleting any of them.
// Deleting while the cursor is open can make SCAN skip keys.
func (c *redisCache) ExpireMatching(ctx context.Context, pattern string) (int, error) {
	seen := make(map[string]struct{})
	var keys []string
	err := c.scan(ctx, pattern, func(batch []string) error {
		for _, k := range batch {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, unavailable(err, "expire matching")
	}
	var total int
	for chunk := range slices.Chunk(keys, scanBatch) {
		qctx, cancel := c.queryCtx(ctx)
		n, err := c.client.Unlink(qctx, chunk...).Result()
		cancel()
		total += int(n)
		if err != nil {
			return total, unavailable(err, "expire matching")
		}
	}
	return total, nil
}

// Close is a no-op, the caller owns the redis client lifecycle.
func (c *redisCache) Close() error {
	return nil
}
