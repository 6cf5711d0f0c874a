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

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
)

// HandleCountTokens handles POST /prompt/tokens and POST /chat/countTokens.
//
// # Description
//
// Asks the provider for the prompt's token count. Nothing is generated
// or stored.
//
// # Outputs
//
//   - 200 with a bare JSON integer body, e.g. `17`
//   - 400 {"error": "Prompt is required"}
//   - 500 {"error": "Failed to get token size"}
func HandleCountTokens(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleCountTokens")
		defer span.End()
		endpoint := observability.EndpointTokens

		var req datatypes.TokenCountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badPayload(c, span, endpoint, err)
			return
		}
		n, err := svc.CountTokens(ctx, req)
		if err != nil {
			respondError(c, span, endpoint, err, "Failed to get token size")
			return
		}
		recordSuccess(endpoint)
		c.JSON(http.StatusOK, n)
	}
}
