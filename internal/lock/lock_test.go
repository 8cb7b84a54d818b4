package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/methodcache/internal/redisclient"
)

func TestKey(t *testing.T) {
	require.Equal(t, "lock:user_1", Key("", "user_1"))
	require.Equal(t, "mc:lock:user_1", Key("mc:lock:", "user_1"))
	require.Equal(t, "lock:user_1", Key("lock:", "lock:user_1"))
}

// lockerContract runs the behaviour every Locker must provide.
func lockerContract(t *testing.T, locker Locker) {
	t.Helper()
	ctx := context.Background()

	ok, err := locker.TryLock(ctx, "k", 5)
	require.NoError(t, err)
	require.True(t, ok, "first attempt takes the lease")

	ok, err = locker.TryLock(ctx, "k", 5)
	require.NoError(t, err)
	require.False(t, ok, "lease is exclusive")

	ok, err = locker.TryLock(ctx, "other", 5)
	require.NoError(t, err)
	require.True(t, ok, "leases are per key")

	require.NoError(t, locker.Unlock(ctx, "k"))
	ok, err = locker.TryLock(ctx, "k", 5)
	require.NoError(t, err)
	require.True(t, ok, "unlock frees the lease")

	require.NoError(t, locker.Unlock(ctx, "k"))
	require.NoError(t, locker.Unlock(ctx, "k"), "double unlock is a no-op")
	require.NoError(t, locker.Unlock(ctx, "never-held"))

	_, err = locker.TryLock(ctx, "k", 0)
	require.ErrorIs(t, err, ErrInvalidLease)
}

func TestMemoryContract(t *testing.T) {
	lockerContract(t, NewMemory())
}

func TestMemoryLeaseExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	locker := NewMemory(WithClock(clock))
	ctx := context.Background()

	ok, err := locker.TryLock(ctx, "k", 5)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(4 * time.Second)
	ok, _ = locker.TryLock(ctx, "k", 5)
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = locker.TryLock(ctx, "k", 5)
	require.NoError(t, err)
	require.True(t, ok, "expired lease can be retaken")
}

func TestMemoryPurgesExpiredLeases(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	locker := NewMemory(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < purgeThreshold; i++ {
		ok, err := locker.TryLock(ctx, fmt.Sprintf("k-%d", i), 1)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, purgeThreshold, locker.Len())

	now = now.Add(2 * time.Second)
	ok, err := locker.TryLock(ctx, "fresh", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, locker.Len())
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory().TryLock(ctx, "k", 5)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryExclusiveUnderContention(t *testing.T) {
	locker := NewMemory()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := locker.TryLock(context.Background(), "hot", 5); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, winners.Load())
}

func newRedisLocker(t *testing.T, srv *miniredis.Miniredis) *Redis {
	t.Helper()
	client, err := redisclient.New(context.Background(), redisclient.Config{Address: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return NewRedis(client)
}

func TestRedisContract(t *testing.T) {
	srv := miniredis.RunT(t)
	lockerContract(t, newRedisLocker(t, srv))
}

func TestRedisLeaseIsSharedAcrossLockers(t *testing.T) {
	srv := miniredis.RunT(t)
	a := newRedisLocker(t, srv)
	b := newRedisLocker(t, srv)
	ctx := context.Background()

	ok, err := a.TryLock(ctx, "lock:k", 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, srv.TTL("lock:k"))

	ok, err = b.TryLock(ctx, "lock:k", 5)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Unlock(ctx, "lock:k"), "non-holder unlock is a no-op")
	require.True(t, srv.Exists("lock:k"))

	require.NoError(t, a.Unlock(ctx, "lock:k"))
	require.False(t, srv.Exists("lock:k"))
}

func TestRedisExpiredHolderCannotReleaseNextLease(t *testing.T) {
	srv := miniredis.RunT(t)
	a := newRedisLocker(t, srv)
	b := newRedisLocker(t, srv)
	ctx := context.Background()

	ok, err := a.TryLock(ctx, "lock:k", 5)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(6 * time.Second)
	require.False(t, srv.Exists("lock:k"))

	ok, err = b.TryLock(ctx, "lock:k", 5)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Unlock(ctx, "lock:k"))
	require.True(t, srv.Exists("lock:k"), "b's lease survives a's late unlock")

	ok, err = a.TryLock(ctx, "lock:k", 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSurfacesTransportErrors(t *testing.T) {
	srv := miniredis.RunT(t)
	locker := newRedisLocker(t, srv)
	srv.SetError("LOADING")

	_, err := locker.TryLock(context.Background(), "lock:k", 5)
	require.Error(t, err)
}
