// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newMockOllamaServer creates a test server for /api/generate.
//
// # Description
//
// The handler is responsible for writing either a single JSON body or
// NDJSON lines depending on the request's stream flag.
//
// # Outputs
//
//   - *httptest.Server: Closed automatically at test cleanup.
func newMockOllamaServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOllamaClient(t *testing.T, baseURL string) *OllamaClient {
	t.Helper()
	c, err := NewOllamaClient(OllamaConfig{
		BaseURL:   baseURL + "/",
		Model:     "test-model",
		Tokenizer: fakeTokenizer{},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	return c
}

func decodeOllamaRequest(t *testing.T, r *http.Request) ollamaGenerateRequest {
	t.Helper()
	var req ollamaGenerateRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

// =============================================================================
// Tests
// =============================================================================

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	_, err := NewOllamaClient(OllamaConfig{})
	assert.Error(t, err)
}

func TestNewOllamaClient_DefaultModel(t *testing.T) {
	c, err := NewOllamaClient(OllamaConfig{BaseURL: "http://localhost:11434", Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaModel, c.model)
}

// TestOllamaClient_Options verifies the sampling defaults and overrides.
func TestOllamaClient_Options(t *testing.T) {
	c := newTestOllamaClient(t, "http://unused")
	opts := c.options()
	assert.Equal(t, float32(0.2), opts["temperature"])
	assert.Equal(t, 20, opts["top_k"])
	assert.Equal(t, float32(0.9), opts["top_p"])
	assert.Equal(t, 8192, opts["num_predict"])
	assert.NotContains(t, opts, "stop")

	temp := float32(0.7)
	c.params = GenerationParams{Temperature: &temp, Stop: []string{"END"}}
	opts = c.options()
	assert.Equal(t, float32(0.7), opts["temperature"])
	assert.Equal(t, []string{"END"}, opts["stop"])
}

func TestOllamaClient_Generate(t *testing.T) {
	srv := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeOllamaRequest(t, r)
		assert.False(t, req.Stream)
		assert.Equal(t, "test-model", req.Model)
		fmt.Fprint(w, `{"model":"test-model","response":"Hi there","done":true,"prompt_eval_count":5,"eval_count":2}`)
	})

	resp, err := newTestOllamaClient(t, srv.URL).Generate(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, Response{Text: "Hi there", PromptTokenCount: 5, ResponseTokenCount: 2}, resp)
}

// TestOllamaClient_Generate_ModelNotFound maps the 404 to a pull hint.
func TestOllamaClient_Generate_ModelNotFound(t *testing.T) {
	srv := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'test-model' not found"}`)
	})

	_, err := newTestOllamaClient(t, srv.URL).Generate(context.Background(), "Hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrUpstream)
	assert.Contains(t, err.Error(), "ollama pull test-model")
}

func TestOllamaClient_CountTokens(t *testing.T) {
	n, err := newTestOllamaClient(t, "http://unused").CountTokens(context.Background(), "a b c")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestOllamaClient_CountTokens_TokenizerFailure(t *testing.T) {
	c := newTestOllamaClient(t, "http://unused")
	c.tokenizer = fakeTokenizer{err: errTokenizer}
	_, err := c.CountTokens(context.Background(), "a")
	assert.ErrorIs(t, err, datatypes.ErrUpstream)
}

// TestOllamaClient_Streaming_DoneFrameCounts prefers the counts reported
// on the done frame.
func TestOllamaClient_Streaming_DoneFrameCounts(t *testing.T) {
	srv := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, decodeOllamaRequest(t, r).Stream)
		fmt.Fprintln(w, `{"response":"Hel","done":false}`)
		fmt.Fprintln(w, `{"response":"lo","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true,"prompt_eval_count":7,"eval_count":2}`)
	})

	rec := &recorder{}
	newTestOllamaClient(t, srv.URL).GenerateStreaming(context.Background(), "q", rec.callbacks())

	assert.Equal(t, []string{"Hel", "lo"}, rec.chunks)
	require.Len(t, rec.completes, 1)
	assert.Equal(t, Response{Text: "Hello", PromptTokenCount: 7, ResponseTokenCount: 2}, rec.completes[0])
}

// TestOllamaClient_Streaming_TokenizerFallback sizes the text locally when
// the stream carries no counts.
func TestOllamaClient_Streaming_TokenizerFallback(t *testing.T) {
	srv := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"one two","done":false}`)
		fmt.Fprintln(w, `{"response":" three","done":true}`)
	})

	rec := &recorder{}
	newTestOllamaClient(t, srv.URL).GenerateStreaming(context.Background(), "a b", rec.callbacks())

	require.Len(t, rec.completes, 1)
	assert.Equal(t, Response{Text: "one two three", PromptTokenCount: 2, ResponseTokenCount: 3}, rec.completes[0])
}

func TestOllamaClient_Streaming_ErrorFrame(t *testing.T) {
	srv := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"x","done":false}`)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	})

	rec := &recorder{}
	newTestOllamaClient(t, srv.URL).GenerateStreaming(context.Background(), "q", rec.callbacks())

	assert.Equal(t, []string{"x"}, rec.chunks)
	require.Len(t, rec.errs, 1)
	assert.Empty(t, rec.completes)
	assert.Contains(t, rec.errs[0].Error(), "out of memory")
}

func TestOllamaClient_Streaming_MalformedFrame(t *testing.T) {
	srv := newMockOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{not json`)
	})

	rec := &recorder{}
	newTestOllamaClient(t, srv.URL).GenerateStreaming(context.Background(), "q", rec.callbacks())

	assert.Equal(t, 1, rec.terminals())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], datatypes.ErrUpstream)
}
