// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the chat API on router.
//
// # Description
//
// Every endpoint is mounted at the root, matching the paths the browser
// and terminal clients call. /chats/message and /prompt are aliases, as
// are /prompt/tokens and /chat/countTokens.
//
// # Inputs
//
//   - router: Engine with middleware (CORS, tracing, rate limiting) already
//     installed.
//   - svc: Chat business layer.
//   - streamOpts: Options for the SSE relay, mostly for tests.
func SetupRoutes(router *gin.Engine, svc handlers.ChatService, streamOpts ...handlers.StreamingOption) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	stream := handlers.NewStreamingChatHandler(svc, streamOpts...)

	router.POST("/chats", handlers.HandleCreateChat(svc))
	router.GET("/chats/:chatId", handlers.HandleGetChat(svc))
	router.GET("/sessions/:sessionId/chats", handlers.HandleListChats(svc))

	send := handlers.HandleSendMessage(svc)
	router.POST("/chats/message", send)
	router.POST("/prompt", send)
	router.POST("/prompt/stream", stream.HandleStream)

	tokens := handlers.HandleCountTokens(svc)
	router.POST("/prompt/tokens", tokens)
	router.POST("/chat/countTokens", tokens)
}
