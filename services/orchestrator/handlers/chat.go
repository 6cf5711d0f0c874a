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
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var chatTracer = otel.Tracer("aleutian.orchestrator.handlers")

// ChatService is the business layer the chat handlers call.
// *services.ChatService implements it.
type ChatService interface {
	CreateChat(ctx context.Context, req datatypes.CreateChatRequest) (datatypes.CreateChatResponse, error)
	SendMessage(ctx context.Context, req datatypes.SendMessageRequest) (datatypes.GenerationResult, error)
	CountTokens(ctx context.Context, req datatypes.TokenCountRequest) (int, error)
	GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error)
	ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error)
	StreamMessage(ctx context.Context, req datatypes.StreamPromptRequest, h services.StreamHandlers)
}

var _ ChatService = (*services.ChatService)(nil)

// =============================================================================
// Error Mapping
// =============================================================================

// respondError writes the JSON error body for err.
//
// # Description
//
// Validation failures become 400 with their own message, unknown chats
// 404 "Chat not found". Everything else is 500 with fallback, so provider
// and store error text never reaches the client.
func respondError(c *gin.Context, span trace.Span, endpoint observability.Endpoint, err error, fallback string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var verr *datatypes.ValidationError
	status, msg, code := http.StatusInternalServerError, fallback, observability.ErrorCodeInternal
	switch {
	case errors.As(err, &verr):
		status, msg, code = http.StatusBadRequest, verr.Message, observability.ErrorCodeValidation
	case errors.Is(err, datatypes.ErrChatNotFound):
		status, msg, code = http.StatusNotFound, datatypes.StreamMsgChatNotFound, observability.ErrorCodeNotFound
	case errors.Is(err, datatypes.ErrUpstream):
		code = observability.ErrorCodeLLMError
	case errors.Is(err, datatypes.ErrStore):
		code = observability.ErrorCodeStoreError
	}

	if status >= http.StatusInternalServerError {
		slog.Error(fallback, "endpoint", endpoint, "error", err)
	} else {
		slog.Debug("Request rejected", "endpoint", endpoint, "status", status, "error", err)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, false)
		m.RecordError(endpoint, code)
	}
	c.JSON(status, datatypes.ErrorResponse{Error: msg})
}

// badPayload answers a body that is not valid JSON for the endpoint.
func badPayload(c *gin.Context, span trace.Span, endpoint observability.Endpoint, err error) {
	slog.Debug("Failed to parse request body", "endpoint", endpoint, "error", err)
	respondError(c, span, endpoint,
		&datatypes.ValidationError{Field: "body", Message: datatypes.MsgInvalidRequestPayload}, "")
}

func recordSuccess(endpoint observability.Endpoint) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
	}
}

func recordTokens(prompt, response int) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(prompt, response)
	}
}

// =============================================================================
// Handlers
// =============================================================================

// HandleCreateChat handles POST /chats.
//
// # Description
//
// Creates a chat for sessionId. With initialPrompt the first exchange is
// generated and stored with it.
//
// # Outputs
//
//   - 201 {"chatId": "...", "response": {"text", "promptTokenSize", "responseTokenSize"}}
//   - 400 {"error": "Session ID is required"}
//   - 500 {"error": "Failed to create chat"}
func HandleCreateChat(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleCreateChat")
		defer span.End()
		endpoint := observability.EndpointCreateChat

		var req datatypes.CreateChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badPayload(c, span, endpoint, err)
			return
		}
		resp, err := svc.CreateChat(ctx, req)
		if err != nil {
			respondError(c, span, endpoint, err, "Failed to create chat")
			return
		}
		recordSuccess(endpoint)
		recordTokens(resp.Response.PromptTokenSize, resp.Response.ResponseTokenSize)
		c.JSON(http.StatusCreated, resp)
	}
}

// HandleSendMessage handles POST /chats/message and POST /prompt.
//
// # Outputs
//
//   - 200 {"response": {...}}
//   - 400 {"error": "Chat ID and prompt are required"}
//   - 404 {"error": "Chat not found"}
//   - 500 {"error": "Failed to send message"}
func HandleSendMessage(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleSendMessage")
		defer span.End()
		endpoint := observability.EndpointSendMessage

		var req datatypes.SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badPayload(c, span, endpoint, err)
			return
		}
		result, err := svc.SendMessage(ctx, req)
		if err != nil {
			respondError(c, span, endpoint, err, "Failed to send message")
			return
		}
		recordSuccess(endpoint)
		recordTokens(result.PromptTokenSize, result.ResponseTokenSize)
		c.JSON(http.StatusOK, datatypes.SendMessageResponse{Response: result})
	}
}

// HandleGetChat handles GET /chats/:chatId and returns the chat document.
func HandleGetChat(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleGetChat")
		defer span.End()
		endpoint := observability.EndpointGetChat

		chat, err := svc.GetChat(ctx, c.Param("chatId"))
		if err != nil {
			respondError(c, span, endpoint, err, "Failed to get chat")
			return
		}
		recordSuccess(endpoint)
		c.JSON(http.StatusOK, chat)
	}
}

// HandleListChats handles GET /sessions/:sessionId/chats. The array is
// ordered by updatedAt, newest first, and is empty for unknown sessions.
func HandleListChats(svc ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleListChats")
		defer span.End()
		endpoint := observability.EndpointListChats

		chats, err := svc.ListChats(ctx, c.Param("sessionId"))
		if err != nil {
			respondError(c, span, endpoint, err, "Failed to get user chats")
			return
		}
		if chats == nil {
			chats = []*datatypes.Chat{}
		}
		recordSuccess(endpoint)
		c.JSON(http.StatusOK, chats)
	}
}
