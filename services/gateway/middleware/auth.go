// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the gateway service.
//
// # Authentication Flow
//
// Tenant routes authenticate with API keys:
//
//	Request
//	   │
//	   ▼
//	APIKeyAuth
//	   │
//	   ├─► Extract key from "Authorization: Bearer agw_…" or "X-API-Key"
//	   │
//	   ├─► TenantStore.LookupAPIKey (hash compare, revocation, active check)
//	   │
//	   └─► Store *datatypes.Tenant in context
//	           │
//	           ▼
//	       Handler (retrieves via GetTenant)
//
// Admin routes use short-lived HS256 JWTs minted by the gatewayctl CLI;
// the two schemes are deliberately separate so a leaked tenant key can
// never reach the admin surface.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
	"github.com/sysdr/aigateway/services/storage"
)

// tenantKey is the context key for the authenticated tenant.
// Using a namespaced key prevents collisions with other context values.
const tenantKey = "aigateway_tenant"

// adminSubjectKey is the context key for the admin token subject.
const adminSubjectKey = "aigateway_admin_subject"

// SetTenant stores the authenticated tenant in the Gin context.
func SetTenant(c *gin.Context, tenant *datatypes.Tenant) {
	c.Set(tenantKey, tenant)
}

// GetTenant retrieves the authenticated tenant from the Gin context.
// Returns nil when the request was not authenticated (defensive; the
// auth middleware aborts unauthenticated requests before handlers run).
func GetTenant(c *gin.Context) *datatypes.Tenant {
	if v, exists := c.Get(tenantKey); exists {
		if tenant, ok := v.(*datatypes.Tenant); ok {
			return tenant
		}
	}
	return nil
}

// AdminSubject returns the subject of the validated admin token, or ""
// outside admin routes.
func AdminSubject(c *gin.Context) string {
	if v, exists := c.Get(adminSubjectKey); exists {
		if subject, ok := v.(string); ok {
			return subject
		}
	}
	return ""
}

// APIKeyAuth authenticates tenant requests by API key.
//
// The key is taken from "Authorization: Bearer <key>" or, failing that,
// the X-API-Key header. Lookup failures are audited and answered with a
// uniform 401 so callers cannot probe for key existence vs revocation.
func APIKeyAuth(store *storage.TenantStore, recorder audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractBearerToken(c)
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}

		tenant, err := store.LookupAPIKey(c.Request.Context(), key)
		if err != nil {
			if !errors.Is(err, storage.ErrAPIKeyNotFound) {
				slog.Error("api key lookup failed", "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
				return
			}
			if auditErr := recorder.Record(c.Request.Context(), audit.Event{
				Actor:   "anonymous",
				Action:  audit.ActionAuthFailure,
				Outcome: "denied",
				Details: map[string]string{
					"path":      c.FullPath(),
					"remote_ip": c.ClientIP(),
				},
			}); auditErr != nil {
				slog.Error("failed to audit auth failure", "error", auditErr)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		SetTenant(c, tenant)
		c.Next()
	}
}

// AdminJWTAuth authenticates admin requests with an HS256 JWT.
//
// An empty secret disables the admin surface entirely rather than
// falling back to unauthenticated access.
func AdminJWTAuth(secret string, recorder audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin api disabled"})
			return
		}

		tokenString := extractBearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			if auditErr := recorder.Record(c.Request.Context(), audit.Event{
				Actor:   "anonymous",
				Action:  audit.ActionAuthFailure,
				Outcome: "denied",
				Details: map[string]string{
					"path":      c.FullPath(),
					"remote_ip": c.ClientIP(),
					"surface":   "admin",
				},
			}); auditErr != nil {
				slog.Error("failed to audit auth failure", "error", auditErr)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if subject, err := claims.GetSubject(); err == nil {
				c.Set(adminSubjectKey, subject)
			}
		}
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The prefix
// is case-insensitive per RFC 7235. Returns "" when missing or
// malformed.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
