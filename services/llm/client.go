// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm wraps the generative-language providers behind one Gateway.
//
// Every backend (Gemini, OpenAI, Ollama, LangChain) offers the same three
// operations: single-shot generation, token counting, and streaming
// generation with chunk/complete/error callbacks. Streaming goes through
// runStream, which owns chunk reassembly and the secondary token
// accounting, so the per-backend code only has to deliver chunks.
package llm

import (
	"context"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.chat.llm")

// Backend names accepted by the orchestrator configuration.
const (
	BackendGemini    = "gemini"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendLangChain = "langchain"
)

// GenerationParams tunes sampling. Nil fields use provider defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature" yaml:"temperature,omitempty"`
	TopK        *int     `json:"top_k" yaml:"top_k,omitempty"`
	TopP        *float32 `json:"top_p" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens" yaml:"max_tokens,omitempty"`
	Stop        []string `json:"stop" yaml:"stop,omitempty"`
}

// Response is a finished generation.
//
// Token counts are zero when the provider did not report them or when
// the accounting call after a stream failed.
type Response struct {
	Text               string
	PromptTokenCount   int
	ResponseTokenCount int
}

// StreamCallbacks receives a streaming generation.
//
// OnChunk is called zero or more times in arrival order. Afterwards
// exactly one of OnComplete or OnError is called. Nil callbacks are
// treated as no-ops.
type StreamCallbacks struct {
	OnChunk    func(text string)
	OnComplete func(final Response)
	OnError    func(err error)
}

func (cb StreamCallbacks) withDefaults() StreamCallbacks {
	if cb.OnChunk == nil {
		cb.OnChunk = func(string) {}
	}
	if cb.OnComplete == nil {
		cb.OnComplete = func(Response) {}
	}
	if cb.OnError == nil {
		cb.OnError = func(error) {}
	}
	return cb
}

// Gateway is the contract every provider backend implements.
//
// # Description
//
// Failures are returned (or delivered to OnError) as
// *datatypes.UpstreamError. No method retries.
//
// # Thread Safety
//
// Implementations are safe for concurrent use; each call is independent.
type Gateway interface {
	// Generate produces a full response for prompt in one request.
	Generate(ctx context.Context, prompt string) (Response, error)

	// CountTokens returns the provider's token count for prompt (>= 0).
	CountTokens(ctx context.Context, prompt string) (int, error)

	// GenerateStreaming streams a response for prompt. It returns after
	// the terminal callback has run. final.Text always equals the
	// concatenation of the chunks passed to OnChunk.
	GenerateStreaming(ctx context.Context, prompt string, cb StreamCallbacks)
}
