// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// =============================================================================
// STREAM RELAY
// =============================================================================
//
// POST /prompt/stream turns one ChatService.StreamMessage call into an SSE
// response:
//
//	data: {"type":"connection_established"}
//	data: {"type":"content_chunk","text":"Hel"}
//	data: {"type":"content_chunk","text":"lo"}
//	data: {"type":"content_complete","promptTokenSize":3,"responseTokenSize":2,"chatId":"..."}
//
// or, on failure, a final {"type":"error","message":"..."} instead of
// content_complete. A `: ping` comment is written every heartbeatInterval
// while the stream is open.
// =============================================================================

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	heartbeatInterval = 15 * time.Second
)

// StreamingChatHandler serves the streaming chat endpoint.
type StreamingChatHandler interface {
	// HandleStream handles POST /prompt/stream.
	//
	// # Description
	//
	// The request body is validated before any SSE output, so malformed
	// requests still get a plain 400 JSON error. After the headers are
	// sent every outcome is an SSE event. A request with createChat=false
	// and no chatId is accepted and answered with an error event
	// "Chat id not provided".
	//
	// # Outputs
	//
	//   - 200 text/event-stream: connection_established, content_chunk*,
	//     then content_complete or error.
	//   - 400 {"error": "..."}: body is not valid.
	//   - 500 {"error": "Failed to setup streaming"}: the response cannot
	//     be flushed.
	HandleStream(c *gin.Context)
}

type streamingChatHandler struct {
	svc               ChatService
	heartbeatInterval time.Duration
}

// StreamingOption configures a StreamingChatHandler.
type StreamingOption func(*streamingChatHandler)

// WithHeartbeatInterval overrides the keep-alive period.
func WithHeartbeatInterval(d time.Duration) StreamingOption {
	return func(h *streamingChatHandler) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

// NewStreamingChatHandler creates the relay over svc.
//
// # Limitations
//
//   - Panics if svc is nil.
func NewStreamingChatHandler(svc ChatService, opts ...StreamingOption) StreamingChatHandler {
	if svc == nil {
		panic("NewStreamingChatHandler: svc must not be nil")
	}
	h := &streamingChatHandler{svc: svc, heartbeatInterval: heartbeatInterval}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *streamingChatHandler) HandleStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointStream

	ctx, span := chatTracer.Start(c.Request.Context(), "HandleStream")
	defer span.End()

	// Step 1: Parse and validate before committing to SSE
	var req datatypes.StreamPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, span, endpoint, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, span, endpoint, err, "")
		return
	}
	span.SetAttributes(
		attribute.Bool("request.create_chat", req.CreateChat),
		attribute.String("chat.id", req.ChatID),
		attribute.Int("request.prompt_bytes", len(req.Prompt)),
	)

	// Step 2: Set SSE headers and create writer
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		respondError(c, span, endpoint, err, "Failed to setup streaming")
		return
	}
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted()
		defer m.StreamEnded()
	}
	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds())
		}
	}()

	if err := sseWriter.WriteConnectionEstablished(); err != nil {
		span.RecordError(err)
		slog.Debug("Client went away before the stream opened", "error", err)
		return
	}

	// Step 3: Keep the connection alive while the provider works
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	heartbeatDone := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		h.runHeartbeat(streamCtx, sseWriter, heartbeatDone)
	}()

	// Step 4: Relay the generation
	var (
		disconnectOnce sync.Once
		firstChunk     sync.Once
		chunkCount     int
	)
	clientGone := func(err error) {
		disconnectOnce.Do(func() {
			slog.Info("Client disconnected mid-stream", "error", err, "chunks_sent", chunkCount)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordClientDisconnect()
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			}
			cancel()
		})
	}

	h.svc.StreamMessage(streamCtx, req, services.StreamHandlers{
		OnChunk: func(text string) {
			firstChunk.Do(func() {
				ttfc := time.Since(startTime).Seconds()
				span.SetAttributes(attribute.Float64("stream.time_to_first_chunk_seconds", ttfc))
				if m := observability.DefaultMetrics; m != nil {
					m.RecordTimeToFirstChunk(endpoint, ttfc)
				}
			})
			if err := sseWriter.WriteChunk(text); err != nil {
				clientGone(err)
				return
			}
			chunkCount++
			if m := observability.DefaultMetrics; m != nil {
				m.RecordChunk(endpoint)
			}
		},
		OnComplete: func(res services.StreamResult) {
			span.SetAttributes(
				attribute.String("chat.id", res.ChatID),
				attribute.Int("stream.chunk_count", chunkCount),
			)
			recordTokens(res.PromptTokenSize, res.ResponseTokenSize)
			if err := sseWriter.WriteComplete(res.PromptTokenSize, res.ResponseTokenSize, res.ChatID); err != nil {
				// The pair is already saved; only the notification is lost.
				clientGone(err)
				return
			}
			success = true
			span.SetStatus(codes.Ok, "stream completed")
		},
		OnError: func(err error) {
			msg, code := streamErrorMessage(err)
			if streamCtx.Err() != nil && errors.Is(err, datatypes.ErrUpstream) {
				code = observability.ErrorCodeClientDisconnect
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, msg)
			if code == observability.ErrorCodeValidation || code == observability.ErrorCodeMissingChatID {
				slog.Warn("Stream request rejected", "error", err)
			} else {
				slog.Error("Stream failed", "error", err, "chunks_sent", chunkCount)
			}
			if m := observability.DefaultMetrics; m != nil && code != observability.ErrorCodeClientDisconnect {
				m.RecordError(endpoint, code)
			}
			if werr := sseWriter.WriteError(msg); werr != nil {
				slog.Debug("Failed to write error event", "error", werr)
			}
		},
	})

	// Step 5: Stop heartbeat
	close(heartbeatDone)
	heartbeatWG.Wait()
}

// streamErrorMessage maps a StreamMessage failure to a client-safe message
// and a metric code.
func streamErrorMessage(err error) (string, observability.ErrorCode) {
	var verr *datatypes.ValidationError
	switch {
	case errors.Is(err, datatypes.ErrMissingChatID):
		return datatypes.StreamMsgMissingChatID, observability.ErrorCodeMissingChatID
	case errors.As(err, &verr):
		return verr.Message, observability.ErrorCodeValidation
	case errors.Is(err, datatypes.ErrChatNotFound):
		return datatypes.StreamMsgChatNotFound, observability.ErrorCodeNotFound
	case errors.Is(err, datatypes.ErrUpstream):
		return datatypes.StreamMsgGenerationFailed, observability.ErrorCodeLLMError
	case errors.Is(err, datatypes.ErrStore):
		return datatypes.StreamMsgSaveFailed, observability.ErrorCodeStoreError
	default:
		return datatypes.StreamMsgProcessingFailed, observability.ErrorCodeInternal
	}
}

// runHeartbeat writes keep-alive comments until done is closed, the
// context ends, or the stream is terminated.
func (h *streamingChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive()
			}
		}
	}
}
