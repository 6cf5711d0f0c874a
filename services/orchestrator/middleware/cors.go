// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// This package contains the cross-origin policy for the browser client and
// per-client request throttling.
//
//	Request
//	   │
//	   ▼
//	CORS ──► preflight answered here
//	   │
//	   ▼
//	RateLimit ──► 429 when the client's bucket is empty
//	   │
//	   ▼
//	Handler
package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// DefaultAllowedOrigin is the development web client.
const DefaultAllowedOrigin = "http://localhost:3000"

// ParseOrigins splits a comma-separated origin list, dropping blanks. An
// empty list yields DefaultAllowedOrigin.
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{DefaultAllowedOrigin}
	}
	return out
}

// CORS returns the cross-origin middleware.
//
// # Inputs
//
//   - origins: Allowed origins. "*" allows any origin without credentials.
//
// # Outputs
//
//   - gin.HandlerFunc: Answers preflight requests and sets CORS headers.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cors.New(cfg)
}
