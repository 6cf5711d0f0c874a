// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthMessage is the body of GET /health.
const HealthMessage = "Welcome to the AI API"

// HealthCheck answers liveness probes. It does not touch the provider or
// the store.
func HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, HealthMessage)
}
