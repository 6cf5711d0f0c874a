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
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultSystemRolePersona = "You are a helpful assistant."
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint (OpenAI-compatible servers).
	BaseURL string
	// SystemPrompt is sent before every user prompt.
	SystemPrompt string
	Params       GenerationParams
	HTTPClient   *http.Client
	Tokenizer    Tokenizer
	Logger       *slog.Logger
}

type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
	params       GenerationParams
	tokenizer    Tokenizer
	logger       *slog.Logger
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is not set")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
		cfg.Logger.Warn("OpenAI model not set, defaulting", "model", cfg.Model)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemRolePersona
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = NewTiktokenTokenizer(cfg.Model)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	cfg.Logger.Info("Initializing OpenAI client", "model", cfg.Model)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		params:       cfg.Params,
		tokenizer:    cfg.Tokenizer,
		logger:       cfg.Logger,
	}, nil
}

func (o *OpenAIClient) request(prompt string, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: stream,
	}
	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.MaxTokens != nil {
		req.MaxCompletionTokens = *o.params.MaxTokens
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if len(o.params.Stop) > 0 {
		req.Stop = o.params.Stop
	}
	return req
}

// Generate implements Gateway.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string) (Response, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	o.logger.Debug("Generating text via OpenAI", "model", o.model)

	resp, err := o.client.CreateChatCompletion(ctx, o.request(prompt, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("OpenAI API call failed", "error", err)
		return Response{}, datatypes.NewUpstreamError(BackendOpenAI, "generate", err)
	}
	if len(resp.Choices) == 0 {
		o.logger.Warn("OpenAI returned no choices")
		return Response{}, datatypes.NewUpstreamError(BackendOpenAI, "generate", errors.New("no choices returned"))
	}
	o.logger.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return Response{
		Text:               resp.Choices[0].Message.Content,
		PromptTokenCount:   resp.Usage.PromptTokens,
		ResponseTokenCount: resp.Usage.CompletionTokens,
	}, nil
}

// CountTokens implements Gateway with the local tokenizer.
func (o *OpenAIClient) CountTokens(ctx context.Context, prompt string) (int, error) {
	_, span := tracer.Start(ctx, "OpenAIClient.CountTokens")
	defer span.End()
	n, err := o.tokenizer.CountTokens(prompt)
	if err != nil {
		span.RecordError(err)
		return 0, datatypes.NewUpstreamError(BackendOpenAI, "count_tokens", err)
	}
	return n, nil
}

// GenerateStreaming implements Gateway.
func (o *OpenAIClient) GenerateStreaming(ctx context.Context, prompt string, cb StreamCallbacks) {
	source := func(ctx context.Context, emit func(string) error) error {
		stream, err := o.client.CreateChatCompletionStream(ctx, o.request(prompt, true))
		if err != nil {
			return err
		}
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if err := emit(chunk.Choices[0].Delta.Content); err != nil {
				return err
			}
		}
	}
	account := func(_ context.Context, p, text string) (int, int, error) {
		return countPair(o.tokenizer, p, text)
	}
	runStream(ctx, BackendOpenAI, prompt, cb, source, account, o.logger)
}

var _ Gateway = (*OpenAIClient)(nil)
