package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cppla/checkin/lock"
)

type payload struct {
	Name  string    `json:"name" msgpack:"name"`
	Count int       `json:"count" msgpack:"count"`
	Tags  []string  `json:"tags" msgpack:"tags"`
	At    time.Time `json:"at" msgpack:"at"`
}

type harness struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	store  *RedisStore
	locker *lock.RedisLocker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &harness{
		mr:     mr,
		rdb:    rdb,
		store:  NewRedisStore(rdb, "t"),
		locker: lock.NewRedisLocker(rdb, lock.WithPrefix("t:"), lock.WithRetryInterval(5*time.Millisecond)),
	}
}

func (h *harness) executor(policy Policy) *Executor[payload] {
	return NewExecutor[payload]("payload", h.store, h.locker, JSONCodec[payload]{}, policy, nil)
}

func TestGetOrComputeStampede(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls int32
	compute := func(ctx context.Context) (payload, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return payload{Name: "cold", Count: 7}, nil
	}

	const callers = 24
	var wg sync.WaitGroup
	results := make([]payload, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		// separate executors stand in for separate processes; only the shared lock can coordinate them
		e := h.executor(DefaultPolicy())
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.GetOrCompute(ctx, "stampede", time.Minute, compute)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "cold", results[i].Name)
		require.Equal(t, 7, results[i].Count)
	}
	require.False(t, h.mr.Exists("t:lock:stampede"))
	require.Equal(t, time.Minute, h.mr.TTL("t:stampede"))
}

func TestGetOrComputeRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			codec, err := CodecFor[payload](name)
			require.NoError(t, err)
			e := NewExecutor[payload]("payload", h.store, h.locker, codec, DefaultPolicy(), nil)
			ctx := context.Background()

			want := payload{Name: "rt", Count: 3, Tags: []string{"a", "b"}, At: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)}
			var calls int
			compute := func(context.Context) (payload, error) {
				calls++
				return want, nil
			}

			first, err := e.GetOrCompute(ctx, "rt", time.Minute, compute)
			require.NoError(t, err)
			second, err := e.GetOrCompute(ctx, "rt", time.Minute, compute)
			require.NoError(t, err)

			require.Equal(t, 1, calls)
			for _, got := range []payload{first, second} {
				require.Equal(t, want.Name, got.Name)
				require.Equal(t, want.Count, got.Count)
				require.Equal(t, want.Tags, got.Tags)
				require.True(t, want.At.Equal(got.At))
			}
		})
	}
}

func TestGetOrComputeContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	held, err := h.locker.Acquire(ctx, LockPrefix+"busy", 0, 10*time.Second)
	require.NoError(t, err)
	defer func() { _ = h.locker.Release(ctx, held) }()

	e := h.executor(Policy{LockWait: 30 * time.Millisecond, LockHold: time.Second, Retries: 2, Backoff: 10 * time.Millisecond})
	var calls int32
	_, err = e.GetOrCompute(ctx, "busy", time.Minute, func(context.Context) (payload, error) {
		atomic.AddInt32(&calls, 1)
		return payload{}, nil
	})
	require.ErrorIs(t, err, ErrContention)
	require.Zero(t, atomic.LoadInt32(&calls))
}

func TestGetOrComputeContentionThenPopulated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	held, err := h.locker.Acquire(ctx, LockPrefix+"late", 0, 10*time.Second)
	require.NoError(t, err)

	// the other holder finishes its fill while we are backing off
	go func() {
		time.Sleep(40 * time.Millisecond)
		b, _ := JSONCodec[payload]{}.Encode(payload{Name: "filled-elsewhere"})
		_ = h.store.Set(ctx, "late", b, time.Minute)
	}()

	e := h.executor(Policy{LockWait: 20 * time.Millisecond, LockHold: time.Second, Retries: 5, Backoff: 50 * time.Millisecond})
	got, err := e.GetOrCompute(ctx, "late", time.Minute, func(context.Context) (payload, error) {
		t.Fatal("compute must not run without the lock")
		return payload{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "filled-elsewhere", got.Name)
	require.NoError(t, h.locker.Release(ctx, held))
}

func TestGetOrComputeErrorIsNotCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.executor(DefaultPolicy())

	boom := errors.New("boom")
	_, err := e.GetOrCompute(ctx, "err", time.Minute, func(context.Context) (payload, error) {
		return payload{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, h.mr.Exists("t:err"))
	require.False(t, h.mr.Exists("t:lock:err"))

	got, err := e.GetOrCompute(ctx, "err", time.Minute, func(context.Context) (payload, error) {
		return payload{Name: "ok"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got.Name)
}

func TestGetOrComputeHealsUndecodableEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.executor(DefaultPolicy())

	require.NoError(t, h.mr.Set("t:corrupt", "{not json"))
	got, err := e.GetOrCompute(ctx, "corrupt", time.Minute, func(context.Context) (payload, error) {
		return payload{Name: "fresh"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", got.Name)

	raw, err := h.mr.Get("t:corrupt")
	require.NoError(t, err)
	require.Contains(t, raw, "fresh")
}

func TestGenerationRetiresEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.executor(DefaultPolicy())

	var calls int
	compute := func(context.Context) (payload, error) {
		calls++
		return payload{Count: calls}, nil
	}

	got, err := e.GetOrCompute(ctx, "range", time.Minute, compute, WithGeneration("gen:owner"))
	require.NoError(t, err)
	require.Equal(t, 1, got.Count)
	require.True(t, h.mr.Exists("t:range@v0"))

	got, err = e.GetOrCompute(ctx, "range", time.Minute, compute, WithGeneration("gen:owner"))
	require.NoError(t, err)
	require.Equal(t, 1, got.Count)

	gen, err := h.store.BumpGeneration(ctx, "gen:owner")
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)

	got, err = e.GetOrCompute(ctx, "range", time.Minute, compute, WithGeneration("gen:owner"))
	require.NoError(t, err)
	require.Equal(t, 2, got.Count)
	require.True(t, h.mr.Exists("t:range@v1"))
}

func TestIndexTracksConcreteKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.executor(DefaultPolicy())

	compute := func(context.Context) (payload, error) { return payload{Name: "x"}, nil }
	_, err := e.GetOrCompute(ctx, "a", time.Minute, compute, WithGeneration("gen:u1"), WithIndex("idx:u1", time.Hour))
	require.NoError(t, err)
	_, err = e.GetOrCompute(ctx, "b", time.Minute, compute, WithIndex("idx:u1", time.Hour))
	require.NoError(t, err)

	members, err := h.store.Tracked(ctx, "idx:u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a@v0", "b"}, members)
	require.Equal(t, time.Hour, h.mr.TTL("t:idx:u1"))
}

func TestPutOverwrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.executor(DefaultPolicy())

	require.NoError(t, e.Put(ctx, "user", time.Minute, payload{Name: "v2"}))
	got, err := e.GetOrCompute(ctx, "user", time.Minute, func(context.Context) (payload, error) {
		t.Fatal("hit expected")
		return payload{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "v2", got.Name)
}

func TestGetOrComputeFollowerOutlivesCancelledLeader(t *testing.T) {
	h := newHarness(t)
	bg := context.Background()

	held, err := h.locker.Acquire(bg, LockPrefix+"k", 0, 10*time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = h.locker.Release(bg, held)
	}()

	e := h.executor(Policy{LockWait: 2 * time.Second, LockHold: time.Second, Retries: 1, Backoff: 10 * time.Millisecond})
	var calls int32
	compute := func(context.Context) (payload, error) {
		atomic.AddInt32(&calls, 1)
		return payload{Name: "warm"}, nil
	}

	leaderCtx, cancel := context.WithTimeout(bg, 50*time.Millisecond)
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := e.GetOrCompute(leaderCtx, "k", time.Minute, compute)
		leaderErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	got, err := e.GetOrCompute(bg, "k", time.Minute, compute)
	require.NoError(t, err)
	require.Equal(t, "warm", got.Name)
	require.ErrorIs(t, <-leaderErr, context.DeadlineExceeded)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.True(t, h.mr.Exists("t:k"))
}

func TestGetOrComputeCoalescedCallersGetOwnCopies(t *testing.T) {
	h := newHarness(t)
	bg := context.Background()

	held, err := h.locker.Acquire(bg, LockPrefix+"shared", 0, 10*time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(80 * time.Millisecond)
		_ = h.locker.Release(bg, held)
	}()

	e := h.executor(Policy{LockWait: 2 * time.Second, LockHold: time.Second, Retries: 1, Backoff: 10 * time.Millisecond})
	compute := func(context.Context) (payload, error) {
		return payload{Name: "shared", Tags: []string{"a", "b"}}, nil
	}

	var wg sync.WaitGroup
	results := make([]payload, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.GetOrCompute(bg, "shared", time.Minute, compute)
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	results[0].Tags[0] = "mutated"
	require.Equal(t, []string{"a", "b"}, results[1].Tags)
}
