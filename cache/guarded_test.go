package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileops/go-readcache/resilience"
)

type countingCache struct {
	Cache
	gets int
}

func (c *countingCache) Get(ctx context.Context, key string) (bool, any, error) {
	c.gets++
	return c.Cache.Get(ctx, key)
}

func TestGuardedOpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	mr, rc := newTestRedis(t, WithQueryTimeout(200*time.Millisecond))
	inner := &countingCache{Cache: rc}
	var opened bool
	g := NewGuarded(inner, resilience.CircuitBreakerConfig{
		Name:        "keycache",
		MaxFailures: 2,
		Timeout:     time.Minute,
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			opened = opened || to == resilience.StateOpen
		},
	})

	require.NoError(t, g.Set(ctx, "k", "v", time.Hour))
	found, _, err := g.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	mr.Close()
	for i := 0; i < 2; i++ {
		_, _, err := g.Get(ctx, "k")
		assert.True(t, errors.Is(err, ErrUnavailable))
	}
	assert.True(t, opened)
	assert.Equal(t, 3, inner.gets)

	_, _, err = g.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, resilience.ErrCircuitBreakerOpen))
	assert.Equal(t, 3, inner.gets, "open circuit must not reach the backend")

	n, err := g.ExpireMatching(ctx, "*")
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestGuardedIgnoresDecodeErrors(t *testing.T) {
	ctx := context.Background()
	mem := NewInMemory(ctx)
	defer mem.Close()
	g := NewGuarded(mem, resilience.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute})

	require.NoError(t, g.Set(ctx, "k", "text", time.Hour))
	_, _, err := Get[int](ctx, g, "k")
	assert.Error(t, err)

	found, _, err := g.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	_, err = g.Keys(ctx, "[")
	assert.Error(t, err)
	keys, err := g.Keys(ctx, "*")
	require.NoError(t, err, "a bad pattern is not a backend failure")
	assert.Equal(t, []string{"k"}, keys)
}
