// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleHealth reports liveness plus per-backend readiness. The
// endpoint stays 200 as long as the process serves requests; degraded
// backends show up in the body, a fully dark backend pool flips the
// status field so probes can alert without killing the pod.
func (e *Env) HandleHealth(c *gin.Context) {
	status := "ok"
	var backends interface{}
	if e.Failover != nil {
		statuses := e.Failover.Status()
		backends = statuses

		anyUsable := false
		for _, s := range statuses {
			if s.Healthy && s.BreakerState != "OPEN" {
				anyUsable = true
				break
			}
		}
		if !anyUsable {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"service":  "aigateway",
		"backends": backends,
	})
}
