package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, WithPrefix("test:"), WithRetryInterval(5*time.Millisecond)), mr
}

func TestAcquireRelease(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "lock:a", time.Second, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "test:lock:a", lease.Key)
	require.True(t, mr.Exists("test:lock:a"))
	require.Equal(t, 10*time.Second, mr.TTL("test:lock:a"))

	require.NoError(t, l.Release(ctx, lease))
	require.False(t, mr.Exists("test:lock:a"))
	require.ErrorIs(t, l.Release(ctx, lease), ErrNotHeld)
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "lock:b", 0, 10*time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "lock:b", 100*time.Millisecond, 10*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)
	require.Less(t, time.Since(start), 2*time.Second)

	_, err = l.Acquire(ctx, "lock:b", 0, 10*time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, l.Release(ctx, held))
	again, err := l.Acquire(ctx, "lock:b", 0, 10*time.Second)
	require.NoError(t, err)
	require.NotEqual(t, held.Token, again.Token)
}

func TestReleaseWithForeignTokenKeepsLock(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "lock:c", 0, 10*time.Second)
	require.NoError(t, err)

	forged := *lease
	forged.Token = "someone-else"
	require.ErrorIs(t, l.Release(ctx, &forged), ErrNotHeld)
	require.True(t, mr.Exists("test:lock:c"))
}

func TestLeaseExpires(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "lock:d", 0, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	second, err := l.Acquire(ctx, "lock:d", 0, time.Second)
	require.NoError(t, err)

	// the expired holder must not free the new holder's lease
	require.ErrorIs(t, l.Release(ctx, first), ErrNotHeld)
	require.True(t, mr.Exists("test:lock:d"))
	require.NoError(t, l.Release(ctx, second))
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l, mr := newTestLocker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Acquire(ctx, "lock:e", time.Second, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, mr.Exists("test:lock:e"))
}

func TestAcquireSerializesHolders(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "lock:f", 5*time.Second, 10*time.Second)
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&done, 1)
			_ = l.Release(ctx, lease)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
	require.Equal(t, int32(8), done)
}
