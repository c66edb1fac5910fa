// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token bucket limiter.
//
// It is the degraded-mode fallback behind RedisLimiter and also serves
// single-instance deployments that run without Redis. Limits are only
// approximate across replicas.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates a LocalLimiter and starts a janitor goroutine
// that evicts buckets idle longer than an hour. The janitor stops when
// ctx is cancelled.
func NewLocalLimiter(ctx context.Context) *LocalLimiter {
	l := &LocalLimiter{buckets: make(map[string]*localBucket)}
	go l.janitor(ctx)
	return l
}

// Allow implements the Limiter interface.
func (l *LocalLimiter) Allow(ctx context.Context, tenantID string, limits Limits) (Decision, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[tenantID]
	if !ok {
		bucket = &localBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(limits.RequestsPerMinute)/Window.Seconds()), limits.Burst),
		}
		l.buckets[tenantID] = bucket
	}
	bucket.lastSeen = time.Now()
	lim := bucket.limiter
	l.mu.Unlock()

	if lim.Allow() {
		return Decision{
			Allowed:   true,
			Limit:     limits.RequestsPerMinute,
			Remaining: int(lim.Tokens()),
		}, nil
	}

	// Reservation tells us when a token would next be available.
	res := lim.Reserve()
	retryAfter := res.Delay()
	res.Cancel()

	return Decision{
		Allowed:    false,
		Limit:      limits.RequestsPerMinute,
		Remaining:  0,
		RetryAfter: retryAfter,
	}, nil
}

func (l *LocalLimiter) janitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			l.mu.Lock()
			for id, bucket := range l.buckets {
				if bucket.lastSeen.Before(cutoff) {
					delete(l.buckets, id)
				}
			}
			l.mu.Unlock()
		}
	}
}
