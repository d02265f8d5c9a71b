package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cppla/checkin/lock"
)

// ErrContention is returned when another holder owns the fill lock and the value did not appear
// within the retry budget. Callers may retry.
var ErrContention = errors.New("cache: key is being computed elsewhere")

// LockPrefix prefixes the fill lock of every cache key.
const LockPrefix = "lock:"

// Policy bounds the fill lock and the re-poll after a lock timeout.
type Policy struct {
	LockWait time.Duration
	LockHold time.Duration
	Retries  int
	Backoff  time.Duration
}

// DefaultPolicy waits 5s for the lock, holds it at most 10s and re-polls once after 100ms.
func DefaultPolicy() Policy {
	return Policy{LockWait: 5 * time.Second, LockHold: 10 * time.Second, Retries: 1, Backoff: 100 * time.Millisecond}
}

// ComputeFunc loads a value from the source of truth.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

type callOptions struct {
	genKey   string
	indexKey string
	indexTTL time.Duration
}

// CallOption tunes a single GetOrCompute or Put.
type CallOption func(*callOptions)

// WithGeneration folds the counter at genKey into the cache key. Bumping it retires the entry.
func WithGeneration(genKey string) CallOption {
	return func(o *callOptions) { o.genKey = genKey }
}

// WithIndex records the concrete cache key in the set at indexKey, kept for ttl.
func WithIndex(indexKey string, ttl time.Duration) CallOption {
	return func(o *callOptions) {
		o.indexKey = indexKey
		o.indexTTL = ttl
	}
}

// Executor is a read-through cache for values of type V.
// A cold key is computed by at most one caller at a time across every process sharing the store and locker.
type Executor[V any] struct {
	name   string
	store  Store
	gens   Versioned
	index  Indexer
	locker lock.Locker
	codec  Codec[V]
	policy Policy
	group  singleflight.Group
	log    *zap.Logger
}

// NewExecutor builds an executor. If store also implements Versioned or Indexer those are used for the
// WithGeneration and WithIndex options.
func NewExecutor[V any](name string, store Store, locker lock.Locker, codec Codec[V], policy Policy, log *zap.Logger) *Executor[V] {
	if log == nil {
		log = zap.NewNop()
	}
	if codec == nil {
		codec = JSONCodec[V]{}
	}
	e := &Executor[V]{
		name:   name,
		store:  store,
		locker: locker,
		codec:  codec,
		policy: policy,
		log:    log.With(zap.String("cache", name)),
	}
	e.gens, _ = store.(Versioned)
	e.index, _ = store.(Indexer)
	return e
}

// GetOrCompute returns the cached value for key, or computes and caches it for ttl.
//
// On a miss the fill lock "lock:"+key is taken and the store re-checked before compute runs.
// If the lock cannot be acquired, the store is re-polled Policy.Retries times; compute is never
// called without the lock, so the result is then ErrContention. Cancelling ctx abandons only this
// caller's wait; a fill already running for other callers carries on.
func (e *Executor[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc[V], opts ...CallOption) (V, error) {
	var zero V
	o := e.options(opts)

	key, err := e.resolve(ctx, key, o)
	if err != nil {
		return zero, err
	}

	if v, ok := e.read(ctx, key); ok {
		return v, nil
	}

	// Coalesce local callers so only one of them contends for the distributed lock. The fill is
	// detached from the caller that started it; each caller still gives up on its own ctx.
	ch := e.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.fillBudget())
		defer cancel()
		return e.fill(fctx, key, ttl, compute, o)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v := r.Val.(V)
		if r.Shared {
			v = e.detach(key, v)
		}
		return v, nil
	}
}

// fillBudget bounds a detached fill: the lock wait, the hold for compute and write, and the re-polls.
func (e *Executor[V]) fillBudget() time.Duration {
	d := e.policy.LockWait + e.policy.LockHold + time.Duration(e.policy.Retries)*e.policy.Backoff
	if d <= 0 {
		p := DefaultPolicy()
		d = p.LockWait + p.LockHold
	}
	return d
}

// detach gives a coalesced caller its own copy through the codec, so slices and maps in V are never
// shared between callers.
func (e *Executor[V]) detach(key string, v V) V {
	b, err := e.codec.Encode(v)
	if err == nil {
		var c V
		if c, err = e.codec.Decode(b); err == nil {
			return c
		}
	}
	e.log.Warn("cache result copy failed, sharing value", zap.String("key", key), zap.Error(err))
	return v
}

// Put overwrites the entry for key without taking the fill lock.
func (e *Executor[V]) Put(ctx context.Context, key string, ttl time.Duration, v V, opts ...CallOption) error {
	o := e.options(opts)
	key, err := e.resolve(ctx, key, o)
	if err != nil {
		return err
	}
	return e.write(ctx, key, ttl, v, o)
}

func (e *Executor[V]) options(opts []CallOption) callOptions {
	var o callOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (e *Executor[V]) resolve(ctx context.Context, key string, o callOptions) (string, error) {
	if o.genKey == "" {
		return key, nil
	}
	if e.gens == nil {
		return "", fmt.Errorf("cache %s: store does not support generations", e.name)
	}
	gen, err := e.gens.Generation(ctx, o.genKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s@v%d", key, gen), nil
}

// read treats store errors and undecodable entries as misses; the fill path overwrites them.
func (e *Executor[V]) read(ctx context.Context, key string) (V, bool) {
	var zero V
	b, ok, err := e.store.Get(ctx, key)
	if err != nil {
		e.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := e.codec.Decode(b)
	if err != nil {
		e.log.Warn("cache entry undecodable, recomputing", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return v, true
}

func (e *Executor[V]) fill(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc[V], o callOptions) (V, error) {
	var zero V

	lease, err := e.locker.Acquire(ctx, LockPrefix+key, e.policy.LockWait, e.policy.LockHold)
	if errors.Is(err, lock.ErrNotAcquired) {
		return e.await(ctx, key)
	}
	if err != nil {
		return zero, fmt.Errorf("cache %s: lock %s: %w", e.name, key, err)
	}
	defer func() {
		if err := e.locker.Release(ctx, lease); err != nil {
			e.log.Warn("cache fill lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()

	// Another holder may have filled the key while we waited.
	if v, ok := e.read(ctx, key); ok {
		return v, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return zero, err
	}
	if err := e.write(ctx, key, ttl, v, o); err != nil {
		// the value is still correct for this caller; the next reader recomputes
		e.log.Warn("cache fill write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func (e *Executor[V]) write(ctx context.Context, key string, ttl time.Duration, v V, o callOptions) error {
	b, err := e.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("cache %s: encode %s: %w", e.name, key, err)
	}
	if o.indexKey != "" {
		if e.index == nil {
			return fmt.Errorf("cache %s: store does not support indexes", e.name)
		}
		if err := e.index.Track(ctx, o.indexKey, key, o.indexTTL); err != nil {
			return err
		}
	}
	return e.store.Set(ctx, key, b, ttl)
}

func (e *Executor[V]) await(ctx context.Context, key string) (V, error) {
	var zero V
	for i := 0; i < e.policy.Retries; i++ {
		t := time.NewTimer(e.policy.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		if v, ok := e.read(ctx, key); ok {
			return v, nil
		}
	}
	e.log.Info("cache fill contended", zap.String("key", key), zap.Int("retries", e.policy.Retries))
	return zero, ErrContention
}
