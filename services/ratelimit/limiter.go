// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit provides per-tenant request rate limiting.
//
// # Description
//
// The primary implementation is a Redis-backed sliding window so limits
// hold across gateway replicas. When Redis is unreachable the limiter
// degrades to an in-process token bucket rather than blocking the
// request path: rate limiting protects backends, it must never become
// the outage itself.
//
// # Thread Safety
//
// All limiters are safe for concurrent use.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// ErrRateLimited is returned (alongside a Decision) when a request
// exceeds the tenant's limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// Window is the sliding window length. One minute matches how tenant
// limits are expressed (requests per minute).
const Window = time.Minute

// Limits are the effective rate limits for one tenant.
type Limits struct {
	// RequestsPerMinute is the sliding-window capacity.
	RequestsPerMinute int

	// Burst is the local token bucket burst used in degraded mode.
	Burst int
}

// LimitsForTier returns the default limits for a tenant tier. A tenant's
// explicit RequestsPerMinute override takes precedence via LimitsFor.
func LimitsForTier(tier datatypes.TenantTier) Limits {
	switch tier {
	case datatypes.TierEnterprise:
		return Limits{RequestsPerMinute: 600, Burst: 60}
	case datatypes.TierStandard:
		return Limits{RequestsPerMinute: 120, Burst: 20}
	default:
		return Limits{RequestsPerMinute: 20, Burst: 5}
	}
}

// LimitsFor resolves the effective limits for a tenant, applying its
// per-tenant override when set.
func LimitsFor(tenant *datatypes.Tenant) Limits {
	limits := LimitsForTier(tenant.Tier)
	if tenant.RequestsPerMinute > 0 {
		limits.RequestsPerMinute = tenant.RequestsPerMinute
		// Keep burst proportional but at least 1.
		limits.Burst = tenant.RequestsPerMinute / 6
		if limits.Burst < 1 {
			limits.Burst = 1
		}
	}
	return limits
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed is false when the request must be rejected with 429.
	Allowed bool

	// Limit is the window capacity the decision was made against.
	Limit int

	// Remaining is how many requests are left in the current window.
	Remaining int

	// RetryAfter is how long the client should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a tenant's request may proceed.
type Limiter interface {
	// Allow records one request attempt for the tenant and returns the
	// decision. Implementations must not block on backend failures.
	Allow(ctx context.Context, tenantID string, limits Limits) (Decision, error)
}
