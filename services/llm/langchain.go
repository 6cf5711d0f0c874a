// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LangChainClient adapts any langchaingo llms.Model to Gateway.
//
// # Description
//
// Prompts are sent as a single human message through GenerateContent.
// Streaming uses llms.WithStreamingFunc. Token counts come from the
// choice's GenerationInfo when the model reports them and from
// llms.CountTokens otherwise.
type LangChainClient struct {
	model     llms.Model
	modelName string
	params    GenerationParams
	logger    *slog.Logger
}

// NewLangChainClient wraps model. modelName selects the tiktoken encoding
// used for local counts.
func NewLangChainClient(model llms.Model, modelName string, params GenerationParams,
	logger *slog.Logger) *LangChainClient {

	if model == nil {
		panic("NewLangChainClient: model must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LangChainClient{model: model, modelName: modelName, params: params, logger: logger}
}

// NewLangChainOllama builds a LangChainClient on langchaingo's Ollama
// driver.
func NewLangChainOllama(serverURL, model string, params GenerationParams,
	logger *slog.Logger) (*LangChainClient, error) {

	if serverURL == "" {
		return nil, fmt.Errorf("langchain ollama server URL is not set")
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	m, err := ollama.New(ollama.WithServerURL(serverURL), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("create langchain ollama model: %w", err)
	}
	return NewLangChainClient(m, model, params, logger), nil
}

func (l *LangChainClient) callOptions(extra ...llms.CallOption) []llms.CallOption {
	var opts []llms.CallOption
	p := l.params
	if p.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*p.Temperature)))
	}
	if p.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*p.MaxTokens))
	}
	if p.TopK != nil {
		opts = append(opts, llms.WithTopK(*p.TopK))
	}
	if p.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*p.TopP)))
	}
	if len(p.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(p.Stop))
	}
	return append(opts, extra...)
}

func humanMessage(prompt string) []llms.MessageContent {
	return []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}
}

// generationCounts reads token counts from GenerationInfo. ok is false
// when neither count is present.
func generationCounts(info map[string]any) (promptTokens, responseTokens int, ok bool) {
	p, pOK := intFromAny(info["PromptTokens"])
	c, cOK := intFromAny(info["CompletionTokens"])
	return p, c, pOK || cOK
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Generate implements Gateway.
func (l *LangChainClient) Generate(ctx context.Context, prompt string) (Response, error) {
	ctx, span := tracer.Start(ctx, "LangChainClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", l.modelName))

	resp, err := l.model.GenerateContent(ctx, humanMessage(prompt), l.callOptions()...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, datatypes.NewUpstreamError(BackendLangChain, "generate", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, datatypes.NewUpstreamError(BackendLangChain, "generate", errors.New("no choices returned"))
	}
	choice := resp.Choices[0]
	out := Response{Text: choice.Content}
	if p, c, ok := generationCounts(choice.GenerationInfo); ok {
		out.PromptTokenCount, out.ResponseTokenCount = p, c
	} else {
		out.PromptTokenCount = llms.CountTokens(l.modelName, prompt)
		out.ResponseTokenCount = llms.CountTokens(l.modelName, choice.Content)
	}
	return out, nil
}

// CountTokens implements Gateway.
func (l *LangChainClient) CountTokens(ctx context.Context, prompt string) (int, error) {
	_, span := tracer.Start(ctx, "LangChainClient.CountTokens")
	defer span.End()
	return llms.CountTokens(l.modelName, prompt), nil
}

// GenerateStreaming implements Gateway.
func (l *LangChainClient) GenerateStreaming(ctx context.Context, prompt string, cb StreamCallbacks) {
	var info map[string]any
	source := func(ctx context.Context, emit func(string) error) error {
		stream := llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return emit(string(chunk))
		})
		resp, err := l.model.GenerateContent(ctx, humanMessage(prompt), l.callOptions(stream)...)
		if err != nil {
			return err
		}
		if len(resp.Choices) > 0 {
			info = resp.Choices[0].GenerationInfo
		}
		return nil
	}
	account := func(_ context.Context, p, text string) (int, int, error) {
		if pt, rt, ok := generationCounts(info); ok {
			return pt, rt, nil
		}
		return llms.CountTokens(l.modelName, p), llms.CountTokens(l.modelName, text), nil
	}
	runStream(ctx, BackendLangChain, prompt, cb, source, account, l.logger)
}

var _ Gateway = (*LangChainClient)(nil)
