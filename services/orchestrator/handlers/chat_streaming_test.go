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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseSSE splits a recorded body into data payloads. Comment frames are
// returned as their raw text.
func parseSSE(t *testing.T, body string) ([]datatypes.StreamEvent, []string) {
	t.Helper()
	var (
		events   []datatypes.StreamEvent
		comments []string
	)
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		if strings.HasPrefix(frame, ":") {
			comments = append(comments, frame)
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %q", frame)
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		events = append(events, ev)
	}
	return events, comments
}

func eventTypes(events []datatypes.StreamEvent) []datatypes.StreamEventType {
	out := make([]datatypes.StreamEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func streamRouter(svc ChatService, opts ...StreamingOption) *gin.Engine {
	h := NewStreamingChatHandler(svc, opts...)
	return createTestRouter(http.MethodPost, "/prompt/stream", h.HandleStream)
}

// =============================================================================
// HandleStream Tests
// =============================================================================

func TestHandleStream_ChunksThenComplete(t *testing.T) {
	svc := &fakeChatService{stream: func(_ context.Context, req datatypes.StreamPromptRequest, h services.StreamHandlers) {
		h.OnChunk("Hel")
		h.OnChunk("lo")
		h.OnComplete(services.StreamResult{PromptTokenSize: 3, ResponseTokenSize: 2, ChatID: req.ChatID})
	}}
	w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream",
		map[string]any{"prompt": "greet", "chatId": "c-1"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	events, _ := parseSSE(t, w.Body.String())
	assert.Equal(t, []datatypes.StreamEventType{
		datatypes.EventConnectionEstablished,
		datatypes.EventContentChunk,
		datatypes.EventContentChunk,
		datatypes.EventContentComplete,
	}, eventTypes(events))
	assert.Equal(t, "Hel", events[1].Text)
	assert.Equal(t, "lo", events[2].Text)
	assert.Equal(t, 3, events[3].PromptTokenSize)
	assert.Equal(t, 2, events[3].ResponseTokenSize)
	assert.Equal(t, "c-1", events[3].ChatID)
}

func TestHandleStream_CompleteCarriesZeroCounts(t *testing.T) {
	svc := &fakeChatService{}
	w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream",
		map[string]any{"prompt": "x", "chatId": "c-1"})

	assert.Contains(t, w.Body.String(), `"promptTokenSize":0`)
	assert.Contains(t, w.Body.String(), `"responseTokenSize":0`)
}

func TestHandleStream_CreateChatReturnsNewID(t *testing.T) {
	svc := &fakeChatService{stream: func(_ context.Context, req datatypes.StreamPromptRequest, h services.StreamHandlers) {
		require.True(t, req.CreateChat)
		require.Equal(t, "s1", req.SessionID)
		h.OnChunk("ok")
		h.OnComplete(services.StreamResult{ChatID: "new-chat"})
	}}
	w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream",
		map[string]any{"prompt": "first", "createChat": true, "sessionId": "s1"})

	events, _ := parseSSE(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "new-chat", events[2].ChatID)
}

func TestHandleStream_ErrorMessages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"missing chat id", datatypes.ErrMissingChatID, "Chat id not provided"},
		{"upstream", datatypes.NewUpstreamError("gemini", "stream", errors.New("secret-token expired")), "Failed to generate response"},
		{"store", datatypes.NewStoreError("redis", "append_message_pair", errors.New("down")), "Failed to save response"},
		{"not found", datatypes.ErrChatNotFound, "Chat not found"},
		{"unknown", errors.New("boom"), "Error processing stream"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeChatService{stream: func(_ context.Context, _ datatypes.StreamPromptRequest, h services.StreamHandlers) {
				h.OnError(tc.err)
			}}
			w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream",
				map[string]any{"prompt": "x", "chatId": "c"})

			events, _ := parseSSE(t, w.Body.String())
			require.Len(t, events, 2)
			assert.Equal(t, datatypes.EventError, events[1].Type)
			assert.Equal(t, tc.want, events[1].Message)
			assert.NotContains(t, w.Body.String(), "secret-token")
		})
	}
}

func TestHandleStream_MissingChatIDIsAStreamEvent(t *testing.T) {
	svc := &fakeChatService{stream: func(ctx context.Context, req datatypes.StreamPromptRequest, h services.StreamHandlers) {
		if !req.CreateChat && req.ChatID == "" {
			h.OnError(datatypes.ErrMissingChatID)
			return
		}
		h.OnComplete(services.StreamResult{})
	}}
	w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream",
		map[string]any{"prompt": "no chat"})

	assert.Equal(t, http.StatusOK, w.Code)
	events, _ := parseSSE(t, w.Body.String())
	assert.Equal(t, []datatypes.StreamEventType{datatypes.EventConnectionEstablished, datatypes.EventError}, eventTypes(events))
	assert.Equal(t, "Chat id not provided", events[1].Message)
}

func TestHandleStream_InvalidBodyIsPlainJSON(t *testing.T) {
	svc := &fakeChatService{}

	w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream", map[string]any{"chatId": "c"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, datatypes.MsgPromptRequired, decodeError(t, w))
	assert.Zero(t, svc.calls)
}

func TestHandleStream_CreateWithoutSession(t *testing.T) {
	svc := &fakeChatService{}

	w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream",
		map[string]any{"prompt": "x", "createChat": true})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Session ID is required", decodeError(t, w))
}

func TestHandleStream_OnlyOneTerminalEvent(t *testing.T) {
	svc := &fakeChatService{stream: func(_ context.Context, _ datatypes.StreamPromptRequest, h services.StreamHandlers) {
		h.OnComplete(services.StreamResult{ChatID: "c"})
		h.OnError(errors.New("late"))
		h.OnChunk("late chunk")
	}}
	w := performRequest(streamRouter(svc), http.MethodPost, "/prompt/stream",
		map[string]any{"prompt": "x", "chatId": "c"})

	events, _ := parseSSE(t, w.Body.String())
	assert.Equal(t, []datatypes.StreamEventType{datatypes.EventConnectionEstablished, datatypes.EventContentComplete}, eventTypes(events))
}

func TestHandleStream_KeepAliveWhileWaiting(t *testing.T) {
	svc := &fakeChatService{stream: func(_ context.Context, _ datatypes.StreamPromptRequest, h services.StreamHandlers) {
		time.Sleep(60 * time.Millisecond)
		h.OnComplete(services.StreamResult{ChatID: "c"})
	}}
	w := performRequest(streamRouter(svc, WithHeartbeatInterval(10*time.Millisecond)),
		http.MethodPost, "/prompt/stream", map[string]any{"prompt": "x", "chatId": "c"})

	events, comments := parseSSE(t, w.Body.String())
	assert.NotEmpty(t, comments)
	for _, c := range comments {
		assert.Equal(t, ": ping", c)
	}
	assert.Equal(t, datatypes.EventContentComplete, events[len(events)-1].Type)
}

func TestHandleStream_ClientCancelPropagates(t *testing.T) {
	seen := make(chan error, 1)
	svc := &fakeChatService{stream: func(ctx context.Context, _ datatypes.StreamPromptRequest, h services.StreamHandlers) {
		<-ctx.Done()
		seen <- ctx.Err()
		h.OnError(datatypes.NewUpstreamError("mock", "stream", ctx.Err()))
	}}
	router := streamRouter(svc)

	ctx, cancel := context.WithCancel(context.Background())
	body := strings.NewReader(`{"prompt":"x","chatId":"c"}`)
	req := httptest.NewRequest(http.MethodPost, "/prompt/stream", body).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-seen:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream context was not cancelled")
	}
	<-done
}

func TestNewStreamingChatHandler_NilServicePanics(t *testing.T) {
	assert.Panics(t, func() { NewStreamingChatHandler(nil) })
}

// =============================================================================
// SSEWriter Tests
// =============================================================================

func TestSSEWriter_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteConnectionEstablished())
	require.NoError(t, w.WriteChunk("a\nb"))
	require.NoError(t, w.WriteComplete(1, 2, "c"))

	assert.Equal(t,
		"data: {\"type\":\"connection_established\"}\n\n"+
			"data: {\"type\":\"content_chunk\",\"text\":\"a\\nb\"}\n\n"+
			"data: {\"type\":\"content_complete\",\"promptTokenSize\":1,\"responseTokenSize\":2,\"chatId\":\"c\"}\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestSSEWriter_ClosedAfterTerminal(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteError("Failed to save response"))
	assert.True(t, w.Closed())
	assert.ErrorIs(t, w.WriteChunk("x"), ErrStreamClosed)
	assert.ErrorIs(t, w.WriteComplete(0, 0, ""), ErrStreamClosed)
	assert.ErrorIs(t, w.WriteKeepAlive(), ErrStreamClosed)

	assert.Equal(t, "data: {\"type\":\"error\",\"message\":\"Failed to save response\"}\n\n", rec.Body.String())
}

type noFlushWriter struct{ http.ResponseWriter }

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}
