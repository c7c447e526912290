package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"carpool/internal/modules/inventory"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	client, mr := newRedisClient(t)
	locker := inventory.NewRedisLocker(client, time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "route-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("carpool:route:lock:route-1"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, "route-1")
	require.True(t, errors.Is(err, inventory.ErrLockTimeout), "got %v", err)

	other, err := locker.Acquire(ctx, "route-2")
	require.NoError(t, err)
	other()

	release()
	require.False(t, mr.Exists("carpool:route:lock:route-1"))

	again, err := locker.Acquire(ctx, "route-1")
	require.NoError(t, err)
	again()
}

func TestRedisLockerWaitsForHolder(t *testing.T) {
	client, _ := newRedisClient(t)
	locker := inventory.NewRedisLocker(client, time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "route-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := locker.Acquire(ctx, "route-1")
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder entered while the first still held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	client, mr := newRedisClient(t)
	locker := inventory.NewRedisLocker(client, time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "route-1")
	require.NoError(t, err)

	// Simulate TTL expiry followed by another instance taking the lock.
	require.NoError(t, mr.Set("carpool:route:lock:route-1", "someone-else"))
	release()

	got, err := mr.Get("carpool:route:lock:route-1")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}
