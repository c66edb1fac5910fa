// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sysdr/aigateway/services/audit"
)

// RequestAudit records every authenticated request in the audit trail
// after it completes. Must run after APIKeyAuth. Audit failures are
// logged, never surfaced to the client.
func RequestAudit(recorder audit.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		tenant := GetTenant(c)
		if tenant == nil {
			return
		}

		status := c.Writer.Status()
		outcome := "success"
		if status >= 400 {
			outcome = "error"
		}

		err := recorder.Record(c.Request.Context(), audit.Event{
			TenantID: tenant.ID,
			Actor:    "tenant",
			Action:   audit.ActionChatRequest,
			Resource: c.FullPath(),
			Outcome:  outcome,
			Details: map[string]string{
				"method": c.Request.Method,
				"status": strconv.Itoa(status),
			},
		})
		if err != nil {
			slog.Error("failed to audit request", "tenant_id", tenant.ID, "error", err)
		}
	}
}
