// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sysdr/aigateway/services/gateway/handlers"
	"github.com/sysdr/aigateway/services/gateway/middleware"
	"github.com/sysdr/aigateway/services/ratelimit"
)

// SetupRoutes registers the gateway's endpoints.
//
// /v1 requires a tenant API key and is rate limited per tenant. /admin
// requires an operator JWT; with an empty jwtSecret the whole group
// answers 503. /health and /metrics are open for probes and scrapers.
func SetupRoutes(router *gin.Engine, env *handlers.Env, limiter ratelimit.Limiter, jwtSecret string) {
	router.GET("/health", env.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(
		middleware.APIKeyAuth(env.Tenants, env.Audit),
		middleware.RateLimit(limiter),
		middleware.RequestAudit(env.Audit),
	)
	{
		v1.POST("/chat", env.HandleChat)
		v1.POST("/chat/stream", env.HandleChatStream)
		v1.GET("/chat/ws", env.HandleChatWebSocket)

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", env.HandleCreateConversation)
			conversations.GET("", env.HandleListConversations)
			conversations.GET("/:id", env.HandleGetConversation)
			conversations.DELETE("/:id", env.HandleDeleteConversation)
		}
	}

	admin := router.Group("/admin")
	admin.Use(middleware.AdminJWTAuth(jwtSecret, env.Audit))
	{
		tenants := admin.Group("/tenants")
		{
			tenants.POST("", env.HandleCreateTenant)
			tenants.GET("", env.HandleListTenants)
			tenants.GET("/:id", env.HandleGetTenant)
			tenants.PATCH("/:id", env.HandleUpdateTenant)
			tenants.DELETE("/:id", env.HandleDeactivateTenant)
			tenants.POST("/:id/keys", env.HandleCreateAPIKey)
			tenants.GET("/:id/usage", env.HandleTenantUsage)
		}
		admin.DELETE("/keys/:keyID", env.HandleRevokeAPIKey)

		admin.GET("/audit", env.HandleQueryAudit)
		admin.POST("/audit/verify", env.HandleVerifyAudit)
		admin.GET("/conversations/:id/events", env.HandleReplayConversation)
		admin.GET("/backends", env.HandleFailoverStatus)
		admin.POST("/backends/probe", env.HandleProbeBackends)
		admin.GET("/breakers", env.HandleBreakerStatus)
		admin.POST("/breakers/reset", env.HandleBreakerReset)
	}
}
