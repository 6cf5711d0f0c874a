// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultOllamaModel = "gpt-oss"

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	Params     GenerationParams
	HTTPClient *http.Client
	// Tokenizer sizes prompts for CountTokens and for streams that end
	// without a done frame carrying counts. Defaults to tiktoken.
	Tokenizer Tokenizer
	Logger    *slog.Logger
}

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	params     GenerationParams
	tokenizer  Tokenizer
	logger     *slog.Logger
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// ollamaGenerateResponse is both the single-shot body and one NDJSON line
// of a stream. Counts are only set on the done frame.
type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base URL is not set")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Logger.Warn("Ollama model not set, using default", "model", DefaultOllamaModel)
		cfg.Model = DefaultOllamaModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = NewTiktokenTokenizer(cfg.Model)
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.Logger.Info("Initializing Ollama client", "base_url", baseURL, "default_model", cfg.Model)
	return &OllamaClient{
		httpClient: cfg.HTTPClient,
		baseURL:    baseURL,
		model:      cfg.Model,
		params:     cfg.Params,
		tokenizer:  cfg.Tokenizer,
		logger:     cfg.Logger,
	}, nil
}

// options fills the sampling defaults the service has always used for
// Ollama: temperature 0.2, top_k 20, top_p 0.9, num_predict 8192.
func (o *OllamaClient) options() map[string]interface{} {
	p := o.params
	options := map[string]interface{}{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if p.Temperature != nil {
		options["temperature"] = *p.Temperature
	}
	if p.TopK != nil {
		options["top_k"] = *p.TopK
	}
	if p.TopP != nil {
		options["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		options["num_predict"] = *p.MaxTokens
	}
	if len(p.Stop) > 0 {
		options["stop"] = p.Stop
	}
	return options
}

// post sends one /api/generate call and maps the "model not found" 404 to
// an actionable message.
func (o *OllamaClient) post(ctx context.Context, prompt string, stream bool) (*http.Response, error) {
	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  stream,
		Options: o.options(),
	}
	resp, err := postJSON(ctx, o.httpClient, o.baseURL+"/api/generate", nil, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			o.logger.Warn("Ollama model not found", "model", o.model)
			return nil, fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)
		}
	}
	return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Generate implements Gateway.
func (o *OllamaClient) Generate(ctx context.Context, prompt string) (Response, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	o.logger.Debug("Generating text via Ollama", "model", o.model)

	resp, err := o.post(ctx, prompt, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Ollama API call failed", "error", err)
		return Response{}, datatypes.NewUpstreamError(BackendOllama, "generate", err)
	}
	var out ollamaGenerateResponse
	if err := decodeJSON(resp, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, datatypes.NewUpstreamError(BackendOllama, "generate", err)
	}
	return Response{
		Text:               out.Response,
		PromptTokenCount:   out.PromptEvalCount,
		ResponseTokenCount: out.EvalCount,
	}, nil
}

// CountTokens implements Gateway. Ollama has no counting endpoint, so the
// local tokenizer is used.
func (o *OllamaClient) CountTokens(ctx context.Context, prompt string) (int, error) {
	_, span := tracer.Start(ctx, "OllamaClient.CountTokens")
	defer span.End()
	n, err := o.tokenizer.CountTokens(prompt)
	if err != nil {
		span.RecordError(err)
		return 0, datatypes.NewUpstreamError(BackendOllama, "count_tokens", err)
	}
	return n, nil
}

// GenerateStreaming implements Gateway. Counts from the done frame are
// preferred; without them the tokenizer sizes the reassembled text.
func (o *OllamaClient) GenerateStreaming(ctx context.Context, prompt string, cb StreamCallbacks) {
	var promptEval, eval int
	source := func(ctx context.Context, emit func(string) error) error {
		resp, err := o.post(ctx, prompt, true)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxSSELine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var frame ollamaGenerateResponse
			if err := json.Unmarshal([]byte(line), &frame); err != nil {
				return fmt.Errorf("decode stream frame: %w", err)
			}
			if frame.Error != "" {
				return fmt.Errorf("ollama stream error: %s", frame.Error)
			}
			if err := emit(frame.Response); err != nil {
				return err
			}
			if frame.Done {
				promptEval, eval = frame.PromptEvalCount, frame.EvalCount
				return nil
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		return nil
	}
	account := func(_ context.Context, p, text string) (int, int, error) {
		if promptEval > 0 || eval > 0 {
			return promptEval, eval, nil
		}
		return countPair(o.tokenizer, p, text)
	}
	runStream(ctx, BackendOllama, prompt, cb, source, account, o.logger)
}

var _ Gateway = (*OllamaClient)(nil)
