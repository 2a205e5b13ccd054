package leader

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	first := NewLease(client, "test:leader", "instance-a", time.Minute)
	second := NewLease(client, "test:leader", "instance-b", time.Minute)

	require.True(t, first.IsLeader(ctx))
	require.False(t, second.IsLeader(ctx))

	// The holder renews freely.
	require.True(t, first.IsLeader(ctx))
}

func TestLeasePassesOnRelease(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	first := NewLease(client, "test:leader", "instance-a", time.Minute)
	second := NewLease(client, "test:leader", "instance-b", time.Minute)

	require.True(t, first.IsLeader(ctx))
	require.NoError(t, first.Release(ctx))
	require.True(t, second.IsLeader(ctx))
	require.False(t, first.IsLeader(ctx))
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	first := NewLease(client, "test:leader", "instance-a", time.Minute)
	second := NewLease(client, "test:leader", "instance-b", time.Minute)

	require.True(t, first.IsLeader(ctx))
	require.NoError(t, second.Release(ctx))
	require.True(t, first.IsLeader(ctx), "a non-holder release must not evict the leader")
}

func TestLeaderFalseWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	lease := NewLease(client, "test:leader", "instance-a", time.Minute)
	require.False(t, lease.IsLeader(context.Background()))
}
