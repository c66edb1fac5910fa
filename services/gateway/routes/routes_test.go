// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/breaker"
	"github.com/sysdr/aigateway/services/gateway/handlers"
	"github.com/sysdr/aigateway/services/policy"
	"github.com/sysdr/aigateway/services/ratelimit"
	"github.com/sysdr/aigateway/services/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	engine, err := policy.NewEngine()
	require.NoError(t, err)

	env := &handlers.Env{
		Policy:   engine,
		Tracker:  usage.NewTracker(nil),
		Audit:    audit.NopRecorder{},
		Breakers: breaker.NewRegistry(breaker.DefaultConfig()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	router := gin.New()
	SetupRoutes(router, env, ratelimit.NewLocalLimiter(ctx), "test-secret")
	return router
}

func TestSetupRoutesRegistersEndpoints(t *testing.T) {
	router := newTestRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/chat"},
		{"POST", "/v1/chat/stream"},
		{"GET", "/v1/chat/ws"},
		{"POST", "/v1/conversations"},
		{"GET", "/v1/conversations"},
		{"GET", "/v1/conversations/:id"},
		{"DELETE", "/v1/conversations/:id"},
		{"POST", "/admin/tenants"},
		{"GET", "/admin/tenants"},
		{"PATCH", "/admin/tenants/:id"},
		{"DELETE", "/admin/tenants/:id"},
		{"POST", "/admin/tenants/:id/keys"},
		{"GET", "/admin/tenants/:id/usage"},
		{"DELETE", "/admin/keys/:keyID"},
		{"GET", "/admin/conversations/:id/events"},
		{"GET", "/admin/audit"},
		{"POST", "/admin/audit/verify"},
		{"GET", "/admin/backends"},
		{"POST", "/admin/backends/probe"},
		{"GET", "/admin/breakers"},
		{"POST", "/admin/breakers/reset"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestHealthIsOpen(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestV1RequiresAPIKey(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/conversations", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRequiresJWT(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/tenants", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
