package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type inMemoryCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cache     map[string]*value
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
	now       func() time.Time
}

var _ Cache = (*inMemoryCache)(nil)

func (c *inMemoryCache) Get(_ context.Context, key string) (bool, any, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.cache[key]
	if !ok {
		return false, nil, nil
	}
	if !val.expires.After(c.now()) {
		delete(c.cache, key)
		return false, nil, nil
	}
	val.hits++
	return true, val.object, nil
}

func (c *inMemoryCache) Hits(_ context.Context, key string) (bool, int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.cache[key]; ok && v.expires.After(c.now()) {
		return true, v.hits
	}
	return false, 0
}

func (c *inMemoryCache) Set(_ context.Context, key string, val any, expires time.Duration) error {
	expires = c.cfg.ttl(expires)
	c.mutex.Lock()
	c.cache[key] = &value{object: val, expires: c.now().Add(expires)}
	c.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Expire(_ context.Context, key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	val, ok := c.cache[key]
	if ok {
		delete(c.cache, key)
	}
	return ok && val.expires.After(c.now()), nil
}

func (c *inMemoryCache) Keys(_ context.Context, pattern string) ([]string, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: invalid pattern %q", pattern)
	}
	now := c.now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var keys []string
	for key, val := range c.cache {
		if val.expires.After(now) && g.Match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *inMemoryCache) ExpireMatching(_ context.Context, pattern string) (int, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return 0, errors.Wrapf(err, "cache: invalid pattern %q", pattern)
	}
	now := c.now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var count int
	for key, val := range c.cache {
		if g.Match(key) {
			if val.expires.After(now) {
				count++
			}
			delete(c.cache, key)
		}
	}
	return count, nil
}

func (c *inMemoryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			c.mutex.Lock()
			for key, val := range c.cache {
				if !val.expires.After(now) {
					delete(c.cache, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}

// NewInMemory returns a new in-memory Cache implementation. Values are
// stored as-is, without copying.
func NewInMemory(parent context.Context, opts ...Option) Cache {
	return newInMemory(parent, time.Now, opts...)
}

func newInMemory(parent context.Context, now func() time.Time, opts ...Option) *inMemoryCache {
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		ctx:    ctx,
		cancel: cancel,
		cache:  make(map[string]*value),
		cfg:    applyOptions(opts),
		now:    now,
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}
