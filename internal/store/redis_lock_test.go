package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, prefix string, ttl time.Duration) (*RedisDepositLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDepositLocker(client, prefix, ttl), mr
}

func TestNewRedisDepositLocker_Defaults(t *testing.T) {
	l, _ := newTestLocker(t, "  ", 0)
	assert.Equal(t, "payout:dispatch_lock:D1", l.key("D1"))
	assert.Equal(t, time.Minute, l.ttl)

	l, _ = newTestLocker(t, "reconciler:lock:", 30*time.Second)
	assert.Equal(t, "reconciler:lock:D1", l.key("D1"))
}

func TestRedisDepositLocker_SingleHolder(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t, "", 30*time.Second)

	release, ok, err := l.TryLock(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, mr.TTL("payout:dispatch_lock:D1"))

	_, ok, err = l.TryLock(ctx, "D1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	// other deposits are independent
	releaseOther, ok, err := l.TryLock(ctx, "D2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, releaseOther(ctx))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("payout:dispatch_lock:D1"))

	_, ok, err = l.TryLock(ctx, "D1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisDepositLocker_ReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t, "", time.Second)

	staleRelease, ok, err := l.TryLock(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)

	// the first holder stalls past its TTL and someone else takes over
	mr.FastForward(2 * time.Second)
	_, ok, err = l.TryLock(ctx, "D1")
	require.NoError(t, err)
	require.True(t, ok)
	owner, err := mr.Get("payout:dispatch_lock:D1")
	require.NoError(t, err)

	require.NoError(t, staleRelease(ctx))
	current, err := mr.Get("payout:dispatch_lock:D1")
	require.NoError(t, err)
	assert.Equal(t, owner, current, "a stale release must not drop the new holder's lock")
}

func TestRedisDepositLocker_UnreachableRedis(t *testing.T) {
	l, mr := newTestLocker(t, "", time.Second)
	mr.Close()

	_, ok, err := l.TryLock(context.Background(), "D1")
	require.Error(t, err)
	assert.False(t, ok)
}
