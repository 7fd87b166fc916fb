package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileops/go-readcache/logger"
)

func TestBroadcastAppliesRemoteInvalidations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	log := logger.NewTestLogger()
	nodeA := NewBroadcaster(client, log, "")
	nodeB := NewBroadcaster(client, log, "")
	assert.NotEqual(t, nodeA.Origin(), nodeB.Origin())

	localB := NewInMemory(ctx)
	defer localB.Close()
	for _, k := range []string{"cache:orders:a", "cache:orders:b", "cache:clients:c", "cache:users:x"} {
		require.NoError(t, localB.Set(ctx, k, 1, time.Hour))
	}

	sub, err := nodeB.Subscribe(ctx, localB)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, nodeA.PublishPattern(ctx, "cache:orders:*"))
	require.NoError(t, nodeA.PublishKey(ctx, "cache:users:x"))

	assert.Eventually(t, func() bool {
		keys, _ := localB.Keys(ctx, "*")
		return len(keys) == 1 && keys[0] == "cache:clients:c"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastSkipsOwnMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	node := NewBroadcaster(client, logger.NewTestLogger(), "test:invalidate")
	local := NewInMemory(ctx)
	defer local.Close()
	require.NoError(t, local.Set(ctx, "cache:orders:a", 1, time.Hour))

	sub, err := node.Subscribe(ctx, local)
	require.NoError(t, err)

	require.NoError(t, node.PublishPattern(ctx, "cache:orders:*"))
	time.Sleep(50 * time.Millisecond)
	found, _, _ := local.Get(ctx, "cache:orders:a")
	assert.True(t, found)
	assert.NoError(t, sub.Close())
}
