// Package cache implements the shared TTL key-value store and the stampede-safe cache-aside executor.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a namespaced TTL key-value store. Keys passed in and returned are relative to the namespace.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Keys enumerates keys in the namespace matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Versioned holds per-owner generation counters. Folding the generation into a key
// retires every entry written under the previous generation at once.
type Versioned interface {
	Generation(ctx context.Context, genKey string) (int64, error)
	BumpGeneration(ctx context.Context, genKey string) (int64, error)
}

// Indexer keeps a secondary index (a set) of keys owned by something, so they can be dropped without a scan.
type Indexer interface {
	Track(ctx context.Context, indexKey, member string, ttl time.Duration) error
	Tracked(ctx context.Context, indexKey string) ([]string, error)
}

const (
	scanCount     = 1000
	generationTTL = 48 * time.Hour
)

// RedisStore implements Store, Versioned and Indexer on a Redis client.
type RedisStore struct {
	rdb redis.UniversalClient
	ns  string
}

var (
	_ Store     = (*RedisStore)(nil)
	_ Versioned = (*RedisStore)(nil)
	_ Indexer   = (*RedisStore)(nil)
)

// NewRedisStore returns a store whose keys live under "<namespace>:".
func NewRedisStore(rdb redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{rdb: rdb, ns: namespace}
}

// Prefix is the raw key prefix, including the trailing colon. Empty namespace yields "".
func (s *RedisStore) Prefix() string {
	if s.ns == "" {
		return ""
	}
	return s.ns + ":"
}

func (s *RedisStore) key(k string) string { return s.Prefix() + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys walks the namespace with SCAN. It is meant for operator tooling, not the request path.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	prefix := s.Prefix()
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, cur, err := s.rdb.Scan(ctx, cursor, prefix+pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("cache scan: %w", err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
		cursor = cur
		if cursor == 0 {
			return out, nil
		}
	}
}

// Generation returns the current generation; a missing counter reads as 0.
func (s *RedisStore) Generation(ctx context.Context, genKey string) (int64, error) {
	res, err := s.rdb.Get(ctx, s.key(genKey)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache generation %s: %w", genKey, err)
	}
	n, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache generation %s parse: %w", genKey, err)
	}
	return n, nil
}

// BumpGeneration increments the counter and refreshes its expiry in one round-trip.
func (s *RedisStore) BumpGeneration(ctx context.Context, genKey string) (int64, error) {
	k := s.key(genKey)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, generationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache bump generation %s: %w", genKey, err)
	}
	return incr.Val(), nil
}

// Track adds member to the index set and extends the set's expiry to ttl.
func (s *RedisStore) Track(ctx context.Context, indexKey, member string, ttl time.Duration) error {
	k := s.key(indexKey)
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, k, member)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache track %s: %w", indexKey, err)
	}
	return nil
}

func (s *RedisStore) Tracked(ctx context.Context, indexKey string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.key(indexKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache tracked %s: %w", indexKey, err)
	}
	return members, nil
}
