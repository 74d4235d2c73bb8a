package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements a true sliding-window counter on a Redis
// sorted set: members are unique per admission attempt, scored by
// their arrival time, so ZREMRANGEBYSCORE evicts everything that has
// aged out of the window before ZCARD counts what remains. Grounded
// on the kernel's RedisLimiterStore (same pipelined-script shape,
// adapted from a token bucket to the sliding window spec calls for).
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps an existing client. The caller owns the
// client's lifecycle.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, cost int, now time.Time) (Result, error) {
	redisKey := "ratelimit:" + key
	windowStart := now.Add(-policy.Window).UnixNano()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(windowStart, 10))
	card := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis pipeline failed: %w", err)
	}

	count, err := card.Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis zcard failed: %w", err)
	}

	// count reflects the population *before* this attempt's ZADD.
	allowed := int(count)+cost <= policy.Limit
	if !allowed {
		// Undo the speculative add so a denied attempt doesn't
		// occupy a window slot.
		s.client.ZRem(ctx, redisKey, member)
	}

	remaining := policy.Limit - int(count) - cost
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(policy.Window),
	}, nil
}
