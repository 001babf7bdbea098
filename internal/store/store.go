// Package store implements the Shared Store: the single clustered
// key/value + sorted-set + pub/sub + distributed-lock abstraction every
// other component builds on. It is a thin wrapper over go-redis, following
// the construction and pipeline idioms of the teacher's session and chat
// stores, generalized into one reusable primitive instead of one bespoke
// Redis wrapper per feature.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/driftline/core/internal/corerr"
)

// Store wraps a Redis client and exposes the primitives every component
// needs: strings with TTL, sorted sets, pub/sub, cursor scan, and a
// fenced distributed lock.
type Store struct {
	rdb        *redis.Client
	releaseLua *redis.Script
}

// New builds a Store around an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:        rdb,
		releaseLua: redis.NewScript(releaseLockLua),
	}
}

// Dial connects to Redis at addr and pings it to fail fast on a bad config.
func Dial(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping redis at %s: %w", addr, err)
	}
	return New(rdb), nil
}

// Client exposes the underlying client for components that need Redis
// operations this package does not generalize (e.g. HSet-heavy records).
func (s *Store) Client() *redis.Client { return s.rdb }

// SetString writes key=value with a TTL. ttl <= 0 means no expiry.
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return corerr.Wrap(corerr.StoreUnavailable, "set failed", err)
	}
	return nil
}

// GetString reads key, returning ("", false, nil) on a miss.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, corerr.Wrap(corerr.StoreUnavailable, "get failed", err)
	}
	return v, true, nil
}

// Delete removes one or more keys, ignoring keys that do not exist.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return corerr.Wrap(corerr.StoreUnavailable, "delete failed", err)
	}
	return nil
}

// ZAdd inserts a member into a sorted set with the given score, refreshing
// the set's TTL if ttl > 0.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return corerr.Wrap(corerr.StoreUnavailable, "zadd failed", err)
	}
	return nil
}

// ZRemMulti atomically removes every listed member from the sorted set.
func (s *Store) ZRemMulti(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return corerr.Wrap(corerr.StoreUnavailable, "zrem failed", err)
	}
	return nil
}

// ZLowestN returns the n lowest-scored members of a sorted set, ascending.
func (s *Store) ZLowestN(ctx context.Context, key string, n int64) ([]redis.Z, error) {
	z, err := s.rdb.ZRangeWithScores(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, corerr.Wrap(corerr.StoreUnavailable, "zrange failed", err)
	}
	return z, nil
}

// ZRank returns the 0-based rank of member in the sorted set, or -1 if absent.
func (s *Store) ZRank(ctx context.Context, key, member string) (int64, error) {
	rank, err := s.rdb.ZRank(ctx, key, member).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, corerr.Wrap(corerr.StoreUnavailable, "zrank failed", err)
	}
	return rank, nil
}

// ZCard returns the number of members in a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, corerr.Wrap(corerr.StoreUnavailable, "zcard failed", err)
	}
	return n, nil
}

// ZRemRangeByScore removes members scored in [min, max] and returns how
// many were removed. The queue's staleness sweep does not use it; it reads
// the members with ZMembersByScore first so it can clean up their sidecars.
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		return 0, corerr.Wrap(corerr.StoreUnavailable, "zremrangebyscore failed", err)
	}
	return n, nil
}

// ZMembersByScore returns the members scored in [min, max] without removing
// them, so a caller can clean up sidecar data keyed by member before
// removing the members themselves.
func (s *Store) ZMembersByScore(ctx context.Context, key, min, max string) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, corerr.Wrap(corerr.StoreUnavailable, "zrangebyscore failed", err)
	}
	return members, nil
}

// SAdd adds member to a set, refreshing the set's TTL if ttl > 0.
func (s *Store) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return corerr.Wrap(corerr.StoreUnavailable, "sadd failed", err)
	}
	return nil
}

// SRem removes member from a set.
func (s *Store) SRem(ctx context.Context, key, member string) error {
	if err := s.rdb.SRem(ctx, key, member).Err(); err != nil {
		return corerr.Wrap(corerr.StoreUnavailable, "srem failed", err)
	}
	return nil
}

// SCard returns the number of members in a set.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, corerr.Wrap(corerr.StoreUnavailable, "scard failed", err)
	}
	return n, nil
}

// Publish sends payload on channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return corerr.Wrap(corerr.StoreUnavailable, "publish failed", err)
	}
	return nil
}

// Subscribe returns a PubSub handle for channel; the caller drains Channel().
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channel)
}

// Scan walks the keyspace matching pattern, invoking fn per key. It stops
// on the first error from fn or from Redis.
func (s *Store) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return corerr.Wrap(corerr.StoreUnavailable, "scan failed", err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// TryAcquireLock attempts to set key to a fresh fencing token with TTL ttl,
// only if the key is absent (SET NX). Returns the token on success, or ""
// if someone else already holds the lock.
func (s *Store) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", corerr.Wrap(corerr.StoreUnavailable, "lock acquire failed", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases key only if it is still held by token, so a lock
// that expired and was re-acquired by someone else is left untouched.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) error {
	_, err := s.releaseLua.Run(ctx, s.rdb, []string{key}, token).Result()
	if err != nil && err != redis.Nil {
		return corerr.Wrap(corerr.StoreUnavailable, "lock release failed", err)
	}
	return nil
}

// releaseLockLua is the fenced-release check: delete the key only if its
// current value still matches the holder's token.
const releaseLockLua = `
local key = KEYS[1]
local token = ARGV[1]

local held = redis.call('GET', key)
if held == token then
    redis.call('DEL', key)
    return 1
end
return 0
`
