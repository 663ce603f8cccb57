package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisAdapter_LeaseIsExclusive(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client, nil)
	client.Del(ctx, leaseKeyPrefix+"evt-lease")

	ok, err := adapter.AcquireLease(ctx, "evt-lease", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.AcquireLease(ctx, "evt-lease", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// b cannot release a's lease.
	require.NoError(t, adapter.ReleaseLease(ctx, "evt-lease", "b"))
	owner, err := client.Get(ctx, leaseKeyPrefix+"evt-lease").Result()
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	require.NoError(t, adapter.ReleaseLease(ctx, "evt-lease", "a"))
	ok, err = adapter.AcquireLease(ctx, "evt-lease", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	client.Del(ctx, leaseKeyPrefix+"evt-lease")
}

func TestRedisAdapter_NotifyWakesSubscriber(t *testing.T) {
	client := getRedisClient(t)
	adapter := NewRedisAdapter(client, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := adapter.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, adapter.Notify(ctx))
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}
