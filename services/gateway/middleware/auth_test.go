// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret-please-rotate"

func signToken(t *testing.T, secret string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func adminRouter(secret string) *gin.Engine {
	router := gin.New()
	router.GET("/admin/ping", AdminJWTAuth(secret, audit.NopRecorder{}), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": AdminSubject(c)})
	})
	return router
}

func performRequest(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"case insensitive prefix", "bearer abc123", "abc123"},
		{"no prefix", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"only bearer", "Bearer", ""},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				c.Request.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, extractBearerToken(c))
		})
	}
}

func TestAdminJWTAuth_ValidToken(t *testing.T) {
	router := adminRouter(testSecret)

	w := performRequest(router, "GET", "/admin/ping", map[string]string{
		"Authorization": "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS256),
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ops@example.com")
}

func TestAdminJWTAuth_WrongSecret(t *testing.T) {
	router := adminRouter(testSecret)

	w := performRequest(router, "GET", "/admin/ping", map[string]string{
		"Authorization": "Bearer " + signToken(t, "other-secret", jwt.SigningMethodHS256),
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminJWTAuth_MissingToken(t *testing.T) {
	router := adminRouter(testSecret)

	w := performRequest(router, "GET", "/admin/ping", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminJWTAuth_DisabledWithoutSecret(t *testing.T) {
	router := adminRouter("")

	w := performRequest(router, "GET", "/admin/ping", map[string]string{
		"Authorization": "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS256),
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminJWTAuth_ExpiredToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	router := adminRouter(testSecret)
	w := performRequest(router, "GET", "/admin/ping", map[string]string{
		"Authorization": "Bearer " + signed,
	})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// scriptedLimiter returns a fixed decision for RateLimit tests.
type scriptedLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (s *scriptedLimiter) Allow(ctx context.Context, tenantID string, limits ratelimit.Limits) (ratelimit.Decision, error) {
	return s.decision, s.err
}

func limitedRouter(limiter ratelimit.Limiter, tenant *datatypes.Tenant) *gin.Engine {
	router := gin.New()
	router.GET("/v1/ping",
		func(c *gin.Context) { SetTenant(c, tenant) },
		RateLimit(limiter),
		func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestRateLimit_Allowed(t *testing.T) {
	limiter := &scriptedLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 20, Remaining: 19}}
	tenant := &datatypes.Tenant{ID: "t1", Tier: datatypes.TierFree}

	w := performRequest(limitedRouter(limiter, tenant), "GET", "/v1/ping", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "20", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "19", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_Rejected(t *testing.T) {
	limiter := &scriptedLimiter{decision: ratelimit.Decision{
		Allowed:    false,
		Limit:      20,
		RetryAfter: 7 * time.Second,
	}}
	tenant := &datatypes.Tenant{ID: "t1", Tier: datatypes.TierFree}

	w := performRequest(limitedRouter(limiter, tenant), "GET", "/v1/ping", nil)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "7", w.Header().Get("Retry-After"))
}

func TestRateLimit_FailsOpenOnLimiterError(t *testing.T) {
	limiter := &scriptedLimiter{err: assert.AnError}
	tenant := &datatypes.Tenant{ID: "t1", Tier: datatypes.TierFree}

	w := performRequest(limitedRouter(limiter, tenant), "GET", "/v1/ping", nil)

	assert.Equal(t, http.StatusOK, w.Code)
}
