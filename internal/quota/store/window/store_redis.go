// Package window implements a Redis sliding-window request counter used to
// absorb bursts before the daily ledger is consulted.
package window

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"explaind/pkg/domain"
)

const keyPrefix = "quota:burst:"

// Key builds the burst window key for a user. Delimiter characters in the
// identifier are escaped so user-controlled ids cannot collide with adjacent
// buckets.
func Key(id domain.UserID) string {
	return keyPrefix + strings.ReplaceAll(id.String(), ":", "_")
}

// RedisStore tracks request timestamps per key in a sorted set.
type RedisStore struct {
	rdb   redis.Cmdable
	clock func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithClock injects the reference clock for testability.
func WithClock(clock func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewRedis creates a sliding-window store on the given Redis connection.
func NewRedis(rdb redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow reports whether another request fits inside the window and consumes
// one slot if so.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := s.clock()
	windowStart := float64(now.Add(-window).UnixMilli())

	pipe := s.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(windowStart, 'f', 0, 64))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst window trim: %w", err)
	}

	if countCmd.Val() >= int64(limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d:%d", now.UnixNano(), countCmd.Val())
	pipe = s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, window+window/2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst window add: %w", err)
	}
	return true, nil
}

// Count returns the number of requests currently inside the window.
func (s *RedisStore) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := s.clock()
	windowStart := float64(now.Add(-window).UnixMilli())
	count, err := s.rdb.ZCount(ctx, key,
		strconv.FormatFloat(windowStart, 'f', 0, 64),
		strconv.FormatFloat(float64(now.UnixMilli()), 'f', 0, 64),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("burst window count: %w", err)
	}
	return int(count), nil
}
