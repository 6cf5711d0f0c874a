// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// JSON Endpoint Tests
// =============================================================================

func TestClient_Health(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte("Welcome to the AI API"))
	})

	msg, err := c.Health(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Welcome to the AI API", msg)
}

func TestClient_HealthUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", WithRequestTimeout(time.Second))

	_, err := c.Health(context.Background())

	assert.Error(t, err)
}

func TestClient_CreateChat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chats", r.URL.Path)
		var req datatypes.CreateChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.SessionID)
		assert.Equal(t, "Hi", req.InitialPrompt)
		writeJSON(w, http.StatusCreated, datatypes.CreateChatResponse{
			ChatID:   "c1",
			Response: datatypes.GenerationResult{Text: "Hello", PromptTokenSize: 1, ResponseTokenSize: 1},
		})
	})

	resp, err := c.CreateChat(context.Background(), "s1", "Hi")

	require.NoError(t, err)
	assert.Equal(t, "c1", resp.ChatID)
	assert.Equal(t, "Hello", resp.Response.Text)
}

func TestClient_SendMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chats/message", r.URL.Path)
		writeJSON(w, http.StatusOK, datatypes.SendMessageResponse{
			Response: datatypes.GenerationResult{Text: "pong", ResponseTokenSize: 1},
		})
	})

	res, err := c.SendMessage(context.Background(), "c1", "ping")

	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text)
}

func TestClient_CountTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prompt/tokens", r.URL.Path)
		writeJSON(w, http.StatusOK, 42)
	})

	n, err := c.CountTokens(context.Background(), "count me")

	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestClient_GetChatNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, datatypes.ErrorResponse{Error: "Chat not found"})
	})

	_, err := c.GetChat(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Chat not found", apiErr.Message)
}

func TestClient_ListChats(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/s%201/chats", r.URL.EscapedPath())
		writeJSON(w, http.StatusOK, []datatypes.Chat{{ID: "b"}, {ID: "a"}})
	})

	chats, err := c.ListChats(context.Background(), "s 1")

	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "b", chats[0].ID)
}

func TestClient_ServerErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, datatypes.ErrorResponse{Error: "Session ID is required"})
	})

	_, err := c.CreateChat(context.Background(), "", "")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Session ID is required", apiErr.Message)
	assert.False(t, IsNotFound(err))
}

// =============================================================================
// StreamPrompt Tests
// =============================================================================

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
	}
}

func TestClient_StreamPrompt(t *testing.T) {
	var got datatypes.StreamPromptRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prompt/stream", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		sseHandler(
			`{"type":"connection_established"}`,
			`{"type":"content_chunk","text":"He"}`,
			`{"type":"content_chunk","text":"llo"}`,
			`{"type":"content_complete","promptTokenSize":1,"responseTokenSize":1,"chatId":"new"}`,
		)(w, r)
	})
	rec := &recorder{}

	err := c.StreamPrompt(context.Background(),
		datatypes.StreamPromptRequest{Prompt: "Hi", CreateChat: true, SessionID: "s1"}, rec.callbacks())

	require.NoError(t, err)
	assert.True(t, got.CreateChat)
	assert.Equal(t, []string{"He", "llo"}, rec.chunks)
	assert.Equal(t, "new", rec.complete.ChatID)
}

func TestClient_StreamPrompt_JSONErrorBeforeStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, datatypes.ErrorResponse{Error: "Prompt is required"})
	})
	rec := &recorder{}

	err := c.StreamPrompt(context.Background(), datatypes.StreamPromptRequest{}, rec.callbacks())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Prompt is required", apiErr.Message)
	assert.Equal(t, []string{"error"}, rec.events)
}

func TestClient_StreamPrompt_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, WithStreamTimeout(100*time.Millisecond))
	defer close(release)
	rec := &recorder{}

	err := c.StreamPrompt(context.Background(), datatypes.StreamPromptRequest{Prompt: "x", ChatID: "c"}, rec.callbacks())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, rec.terminals)
}
