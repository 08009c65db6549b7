package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/services"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLock_OwnerIDsAreUnique(t *testing.T) {
	_, client := setupTestRedis(t)
	a, b := NewLock(client), NewLock(client)
	assert.NotEmpty(t, a.OwnerID())
	assert.NotEqual(t, a.OwnerID(), b.OwnerID())
}

func TestLock_AcquireRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	lock := NewLock(client)

	ok, err := lock.Acquire(ctx, "branch:MAIN", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := mr.Get("termstore:lock:branch:MAIN")
	require.NoError(t, err)
	assert.Equal(t, lock.OwnerID(), stored)

	// not reentrant
	ok, err = lock.Acquire(ctx, "branch:MAIN", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx, "branch:MAIN"))
	assert.False(t, mr.Exists("termstore:lock:branch:MAIN"))

	ok, err = lock.Acquire(ctx, "branch:MAIN", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_OtherOwner(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	first, second := NewLock(client), NewLock(client)

	ok, err := first.Acquire(ctx, "migration:Concept", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx, "migration:Concept", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// a foreign release or extend leaves the lock alone
	require.NoError(t, second.Release(ctx, "migration:Concept"))
	assert.Error(t, second.Extend(ctx, "migration:Concept", time.Minute))

	holder, err := second.Holder(ctx, "migration:Concept")
	require.NoError(t, err)
	assert.Equal(t, first.OwnerID(), holder)
}

func TestLock_ReleaseNotHeld(t *testing.T) {
	_, client := setupTestRedis(t)
	assert.NoError(t, NewLock(client).Release(context.Background(), "merge:MAIN"))
}

func TestLock_TTLExpiryAndExtend(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	first, second := NewLock(client), NewLock(client)

	ok, err := first.Acquire(ctx, "export:MAIN", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, first.Extend(ctx, "export:MAIN", 10*time.Second))
	mr.FastForward(5 * time.Second)
	ok, err = second.Acquire(ctx, "export:MAIN", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "extended lock survives its original ttl")

	mr.FastForward(6 * time.Second)
	ok, err = second.Acquire(ctx, "export:MAIN", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken over")

	assert.Error(t, first.Extend(ctx, "export:MAIN", time.Second))
	holder, err := first.Holder(ctx, "export:MAIN")
	require.NoError(t, err)
	assert.Equal(t, second.OwnerID(), holder)
}

func TestLock_Prefix(t *testing.T) {
	mr, client := setupTestRedis(t)
	lock := NewLock(client, WithPrefix("staging:"))

	ok, err := lock.Acquire(context.Background(), "branch:MAIN", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("staging:branch:MAIN"))

	holder, err := NewLock(client).Holder(context.Background(), "branch:MAIN")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestLock_PingAndBackendFailure(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	lock := NewLock(client)
	require.NoError(t, lock.Ping(ctx))

	mr.SetError("ERR backend down")
	_, err := lock.Acquire(ctx, "branch:MAIN", time.Second)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "acquire lock branch:MAIN"))
	assert.Error(t, lock.Ping(ctx))
}

func TestNewClient(t *testing.T) {
	mr, _ := setupTestRedis(t)
	client, err := NewClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	_, err = NewClient("://bad")
	assert.Error(t, err)
}

func TestLock_BehindLocker(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	newLocker := func() *services.Locker {
		return services.NewLocker(services.LockerConfig{
			Lock:         NewLock(client),
			PollInterval: time.Millisecond,
			Timeout:      50 * time.Millisecond,
		})
	}
	a, b := newLocker(), newLocker()

	release, err := a.Acquire(ctx, services.BranchResource+domain.MainPath, 0)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, services.BranchResource+domain.MainPath, 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	release()
	releaseB, err := b.Acquire(ctx, services.BranchResource+domain.MainPath, 0)
	require.NoError(t, err)
	releaseB()
}
