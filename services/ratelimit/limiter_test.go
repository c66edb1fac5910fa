// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// TestLimitsForTier verifies tier defaults are ordered sensibly.
func TestLimitsForTier(t *testing.T) {
	free := LimitsForTier(datatypes.TierFree)
	standard := LimitsForTier(datatypes.TierStandard)
	enterprise := LimitsForTier(datatypes.TierEnterprise)

	assert.Less(t, free.RequestsPerMinute, standard.RequestsPerMinute)
	assert.Less(t, standard.RequestsPerMinute, enterprise.RequestsPerMinute)
}

// TestLimitsFor_TenantOverride verifies a tenant's explicit limit wins
// over the tier default.
func TestLimitsFor_TenantOverride(t *testing.T) {
	tenant := &datatypes.Tenant{Tier: datatypes.TierFree, RequestsPerMinute: 300}
	limits := LimitsFor(tenant)

	assert.Equal(t, 300, limits.RequestsPerMinute)
	assert.Equal(t, 50, limits.Burst)
}

// TestLimitsFor_SmallOverrideKeepsBurst verifies burst never drops to zero.
func TestLimitsFor_SmallOverrideKeepsBurst(t *testing.T) {
	tenant := &datatypes.Tenant{Tier: datatypes.TierFree, RequestsPerMinute: 2}
	limits := LimitsFor(tenant)

	assert.Equal(t, 1, limits.Burst)
}

// TestLocalLimiter_AllowsWithinBurst verifies requests inside the burst
// are admitted and the bucket rejects once drained.
func TestLocalLimiter_AllowsWithinBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLocalLimiter(ctx)
	limits := Limits{RequestsPerMinute: 60, Burst: 3}

	for i := 0; i < 3; i++ {
		decision, err := l.Allow(ctx, "tenant-a", limits)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should be allowed", i)
	}

	decision, err := l.Allow(ctx, "tenant-a", limits)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 60, decision.Limit)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

// TestLocalLimiter_TenantsAreIsolated verifies one tenant draining its
// bucket does not affect another.
func TestLocalLimiter_TenantsAreIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLocalLimiter(ctx)
	limits := Limits{RequestsPerMinute: 60, Burst: 1}

	first, err := l.Allow(ctx, "tenant-a", limits)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	drained, err := l.Allow(ctx, "tenant-a", limits)
	require.NoError(t, err)
	require.False(t, drained.Allowed)

	other, err := l.Allow(ctx, "tenant-b", limits)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

// TestRedisLimiter_FallsBackWhenRedisDown verifies the degraded-mode
// invariant: an unreachable Redis never rejects or blocks the request.
func TestRedisLimiter_FallsBackWhenRedisDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Port 1 refuses connections immediately.
	rdb := redis.NewClient(&redis.Options{
		Addr:            "127.0.0.1:1",
		DialTimeout:     50 * time.Millisecond,
		MaxRetries:      -1,
		PoolTimeout:     50 * time.Millisecond,
		ConnMaxIdleTime: time.Second,
	})
	defer rdb.Close()

	l := NewRedisLimiter(rdb, NewLocalLimiter(ctx))
	limits := Limits{RequestsPerMinute: 60, Burst: 2}

	decision, err := l.Allow(ctx, "tenant-a", limits)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}
