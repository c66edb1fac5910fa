// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sysdr/aigateway/services/gateway/observability"
	"github.com/sysdr/aigateway/services/ratelimit"
)

// RateLimit enforces per-tenant request limits. Must run after
// APIKeyAuth; the tenant's tier (or explicit override) decides the
// limits.
//
// Rejected requests get 429 with standard rate limit headers. Limiter
// errors fail open: rate limiting protects backends, it must never be
// the reason the gateway is down.
func RateLimit(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := GetTenant(c)
		if tenant == nil {
			c.Next()
			return
		}

		limits := ratelimit.LimitsFor(tenant)
		decision, err := limiter.Allow(c.Request.Context(), tenant.ID, limits)
		if err != nil {
			slog.Error("rate limiter error, failing open", "tenant_id", tenant.ID, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			if observability.DefaultMetrics != nil {
				observability.DefaultMetrics.RecordRateLimitRejection(string(tenant.Tier))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
