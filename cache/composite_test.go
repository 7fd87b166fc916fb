package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeReadsFirstHit(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	defer l1.Close()
	_, l2 := newTestRedis(t)
	c := NewComposite(l1, l2)

	require.NoError(t, l2.Set(ctx, "k", "from-l2", time.Hour))
	found, v, err := Get[string](ctx, c, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from-l2", v)

	require.NoError(t, c.Set(ctx, "k", "both", time.Hour))
	found, raw, err := l1.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "both", raw)
}

func TestCompositeExpireMatchingAllTiers(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	defer l1.Close()
	_, l2 := newTestRedis(t)
	c := NewComposite(l1, l2)

	require.NoError(t, c.Set(ctx, "cache:orders:a", 1, time.Hour))
	require.NoError(t, l2.Set(ctx, "cache:orders:b", 2, time.Hour))

	keys, err := c.Keys(ctx, "cache:orders:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:orders:a", "cache:orders:b"}, keys)

	n, err := c.ExpireMatching(ctx, "cache:orders:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, _, _ := l1.Get(ctx, "cache:orders:a")
	assert.False(t, found)
}

func TestCompositeSurvivesFailingTier(t *testing.T) {
	ctx := context.Background()
	l1 := NewInMemory(ctx)
	defer l1.Close()
	mr, l2 := newTestRedis(t, WithQueryTimeout(200*time.Millisecond))
	c := NewComposite(l1, l2)

	require.NoError(t, c.Set(ctx, "k", "v", time.Hour))
	mr.Close()

	found, v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)

	found, _, err = c.Get(ctx, "missing")
	assert.False(t, found)
	assert.True(t, errors.Is(err, ErrUnavailable))

	assert.True(t, errors.Is(c.Set(ctx, "k2", "v", time.Hour), ErrUnavailable))
	found, _, _ = l1.Get(ctx, "k2")
	assert.True(t, found, "healthy tier still receives the write")
}

func TestCompositePanicsWhenEmpty(t *testing.T) {
	assert.Panics(t, func() { NewComposite() })
}

func TestCompositeLocalTierCapsTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	l1 := newInMemory(ctx, clock.Now, WithMaxExpires(time.Minute))
	defer l1.Close()
	_, l2 := newTestRedis(t)
	c := NewComposite(l1, l2)

	require.NoError(t, c.Set(ctx, "cache:rolls-data:list", "v", 72*time.Hour))
	clock.Advance(2 * time.Hour)
	found, _, err := l1.Get(ctx, "cache:rolls-data:list")
	require.NoError(t, err)
	assert.False(t, found)

	found, v, err := Get[string](ctx, c, "cache:rolls-data:list")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)
}

func TestCompositeBackfillsUpperTier(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	l1 := newInMemory(ctx, clock.Now, WithMaxExpires(time.Minute))
	defer l1.Close()
	_, l2 := newTestRedis(t)
	c := NewComposite(l1, l2)

	require.NoError(t, l2.Set(ctx, "cache:users:list", "from-l2", time.Hour))
	found, _, err := c.Get(ctx, "cache:users:list")
	require.NoError(t, err)
	assert.True(t, found)

	found, v, err := Get[string](ctx, l1, "cache:users:list")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "from-l2", v)

	clock.Advance(time.Minute)
	found, _, _ = l1.Get(ctx, "cache:users:list")
	assert.False(t, found)
}
