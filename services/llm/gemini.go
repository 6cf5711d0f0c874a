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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultGeminiModel   = "gemini-2.0-flash"
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// maxSSELine bounds one upstream SSE line (a single JSON chunk).
	maxSSELine = 1024 * 1024
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Params     GenerationParams
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// GeminiClient talks to the Gemini REST API.
//
// # Description
//
// Uses generateContent for single-shot calls, streamGenerateContent with
// alt=sse for streaming, and countTokens for token counting. After a
// stream ends, the prompt and the reassembled response are sized with two
// parallel countTokens calls.
//
// # Thread Safety
//
// Safe for concurrent use.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
	params     GenerationParams
	logger     *slog.Logger
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiGenerateRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// text concatenates the parts of the first candidate.
func (r *geminiGenerateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

type geminiCountTokensRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiCountTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

// NewGeminiClient validates cfg and builds a client.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger.Info("Initializing Gemini client", "model", cfg.Model)
	return &GeminiClient{
		httpClient: cfg.HTTPClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		params:     cfg.Params,
		logger:     cfg.Logger,
	}, nil
}

func (g *GeminiClient) endpoint(method string) string {
	return fmt.Sprintf("%s/models/%s:%s", g.baseURL, g.model, method)
}

func (g *GeminiClient) headers() map[string]string {
	return map[string]string{"x-goog-api-key": g.apiKey}
}

func (g *GeminiClient) request(prompt string) geminiGenerateRequest {
	req := geminiGenerateRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	p := g.params
	if p.Temperature != nil || p.TopK != nil || p.TopP != nil || p.MaxTokens != nil || len(p.Stop) > 0 {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     p.Temperature,
			TopK:            p.TopK,
			TopP:            p.TopP,
			MaxOutputTokens: p.MaxTokens,
			StopSequences:   p.Stop,
		}
	}
	return req
}

// Generate implements Gateway.
func (g *GeminiClient) Generate(ctx context.Context, prompt string) (Response, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	resp, err := postJSON(ctx, g.httpClient, g.endpoint("generateContent"), g.headers(), g.request(prompt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, datatypes.NewUpstreamError(BackendGemini, "generate", err)
	}
	var out geminiGenerateResponse
	if err := decodeJSON(resp, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Error("Gemini generateContent failed", "model", g.model, "error", err)
		return Response{}, datatypes.NewUpstreamError(BackendGemini, "generate", err)
	}

	return Response{
		Text:               out.text(),
		PromptTokenCount:   out.UsageMetadata.PromptTokenCount,
		ResponseTokenCount: out.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// CountTokens implements Gateway.
func (g *GeminiClient) CountTokens(ctx context.Context, prompt string) (int, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.CountTokens")
	defer span.End()

	n, err := g.countTokens(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		return 0, datatypes.NewUpstreamError(BackendGemini, "count_tokens", err)
	}
	return n, nil
}

func (g *GeminiClient) countTokens(ctx context.Context, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	payload := geminiCountTokensRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}},
	}
	resp, err := postJSON(ctx, g.httpClient, g.endpoint("countTokens"), g.headers(), payload)
	if err != nil {
		return 0, err
	}
	var out geminiCountTokensResponse
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.TotalTokens, nil
}

// GenerateStreaming implements Gateway.
func (g *GeminiClient) GenerateStreaming(ctx context.Context, prompt string, cb StreamCallbacks) {
	runStream(ctx, BackendGemini, prompt, cb, g.streamSource(prompt), g.accountTokens, g.logger)
}

// streamSource reads streamGenerateContent?alt=sse, one JSON response per
// "data:" line.
func (g *GeminiClient) streamSource(prompt string) chunkSource {
	return func(ctx context.Context, emit func(string) error) error {
		resp, err := postJSON(ctx, g.httpClient, g.endpoint("streamGenerateContent")+"?alt=sse",
			g.headers(), g.request(prompt))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxSSELine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			var chunk geminiGenerateResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Error != nil {
				return fmt.Errorf("stream error %d %s: %s", chunk.Error.Code, chunk.Error.Status, chunk.Error.Message)
			}
			if err := emit(chunk.text()); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		return nil
	}
}

// accountTokens sizes prompt and response with two parallel countTokens
// calls.
func (g *GeminiClient) accountTokens(ctx context.Context, prompt, text string) (int, int, error) {
	var promptTokens, responseTokens int
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		n, err := g.countTokens(egCtx, prompt)
		promptTokens = n
		return err
	})
	eg.Go(func() error {
		n, err := g.countTokens(egCtx, text)
		responseTokens = n
		return err
	})
	if err := eg.Wait(); err != nil {
		return 0, 0, err
	}
	return promptTokens, responseTokens, nil
}

var _ Gateway = (*GeminiClient)(nil)
