// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements a sliding-window limiter on a Redis sorted set.
//
// # Algorithm
//
// One sorted set per tenant, members are request IDs scored by their
// unix-nano timestamp. On each check, atomically in one transaction:
//
//  1. ZREMRANGEBYSCORE drops entries older than the window.
//  2. ZCARD counts requests still inside the window.
//  3. ZADD records this request.
//  4. EXPIRE bounds the key's lifetime.
//
// If the count (before this request) has reached the limit, the request
// entry is removed again and the request is rejected with the time until
// the oldest entry ages out.
//
// # Degraded Mode
//
// Any Redis error falls back to the local token bucket. The request path
// never fails because the limiter's backing store is down.
type RedisLimiter struct {
	rdb      *redis.Client
	fallback *LocalLimiter
}

// NewRedisLimiter wraps a Redis client with a local fallback limiter.
func NewRedisLimiter(rdb *redis.Client, fallback *LocalLimiter) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, fallback: fallback}
}

func slidingWindowKey(tenantID string) string {
	return "aigateway:ratelimit:" + tenantID
}

// Allow implements the Limiter interface.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string, limits Limits) (Decision, error) {
	decision, err := l.allowRedis(ctx, tenantID, limits)
	if err != nil {
		slog.Warn("Rate limiter falling back to local token bucket", "tenant", tenantID, "error", err)
		return l.fallback.Allow(ctx, tenantID, limits)
	}
	return decision, nil
}

func (l *RedisLimiter) allowRedis(ctx context.Context, tenantID string, limits Limits) (Decision, error) {
	key := slidingWindowKey(tenantID)
	now := time.Now()
	windowStart := now.Add(-Window)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String())

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit pipeline failed: %w", err)
	}

	// countCmd counted entries before this request was added.
	count := int(countCmd.Val())
	if count < limits.RequestsPerMinute {
		return Decision{
			Allowed:   true,
			Limit:     limits.RequestsPerMinute,
			Remaining: limits.RequestsPerMinute - count - 1,
		}, nil
	}

	// Over limit: undo this request's entry and compute retry-after from
	// the oldest surviving entry. A failed removal leaves the rejected
	// request counting against the window until it ages out, so it is
	// worth logging.
	if err := l.rdb.ZRem(ctx, key, member).Err(); err != nil {
		slog.Warn("Failed to remove rejected rate limit entry", "tenant", tenantID, "error", err)
	}

	retryAfter := Window
	oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		oldestAt := time.Unix(0, int64(oldest[0].Score))
		retryAfter = Window - now.Sub(oldestAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return Decision{
		Allowed:    false,
		Limit:      limits.RequestsPerMinute,
		Remaining:  0,
		RetryAfter: retryAfter,
	}, nil
}
