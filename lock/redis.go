package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRetryInterval = 50 * time.Millisecond
	releaseTimeout       = 2 * time.Second
)

// compare-and-delete: only the token holder may release
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX and a random holder token.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	retry  time.Duration
	log    *zap.Logger
}

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithPrefix namespaces every lock key, e.g. "checkin:".
func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithRetryInterval paces acquire attempts while the key is held by someone else.
func WithRetryInterval(d time.Duration) Option {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *RedisLocker) {
		if log != nil {
			l.log = log
		}
	}
}

// NewRedisLocker returns a Locker backed by rdb.
func NewRedisLocker(rdb redis.UniversalClient, opts ...Option) *RedisLocker {
	l := &RedisLocker{rdb: rdb, retry: defaultRetryInterval, log: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire polls SET NX until it wins, wait elapses, or ctx is done.
// A zero wait makes a single attempt.
func (l *RedisLocker) Acquire(ctx context.Context, key string, wait, hold time.Duration) (*Lease, error) {
	if hold <= 0 {
		return nil, fmt.Errorf("lock: hold must be positive, got %s", hold)
	}
	full := l.prefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(l.retry), 1)

	for {
		ok, err := l.rdb.SetNX(ctx, full, token, hold).Result()
		if err != nil {
			// The SET may have landed before the client gave up; never leave our token behind.
			l.releaseToken(ctx, full, token)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return &Lease{Key: full, Token: token, Hold: hold, AcquiredAt: time.Now()}, nil
		}
		if wait <= 0 {
			return nil, ErrNotAcquired
		}
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.log.Debug("lock wait timed out", zap.String("key", full), zap.Duration("wait", wait))
			return nil, ErrNotAcquired
		}
	}
}

// Release deletes the key only if it still carries the lease token.
// It runs even when ctx is already cancelled so that exit paths always clean up.
func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return ErrNotHeld
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	n, err := releaseScript.Run(rctx, l.rdb, []string{lease.Key}, lease.Token).Int64()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", lease.Key, err)
	}
	if n == 0 {
		l.log.Warn("lock lease lost before release", zap.String("key", lease.Key), zap.Duration("hold", lease.Hold),
			zap.Duration("held_for", time.Since(lease.AcquiredAt)))
		return ErrNotHeld
	}
	return nil
}

func (l *RedisLocker) releaseToken(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
		l.log.Warn("lock cleanup failed", zap.String("key", key), zap.Error(err))
	}
}
