// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// Config selects and configures one backend.
type Config struct {
	Backend      string           `yaml:"backend"`
	Model        string           `yaml:"model"`
	BaseURL      string           `yaml:"base_url"`
	APIKey       string           `yaml:"api_key"`
	SystemPrompt string           `yaml:"system_prompt"`
	Params       GenerationParams `yaml:"params"`

	// RateLimit caps outbound calls per second. Zero disables pacing.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// New builds the Gateway named by cfg.Backend, wrapped in a rate limiter
// when cfg.RateLimit is set.
func New(cfg Config, logger *slog.Logger) (Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		gw  Gateway
		err error
	)
	switch cfg.Backend {
	case BackendGemini, "":
		gw, err = NewGeminiClient(GeminiConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Params: cfg.Params, Logger: logger,
		})
	case BackendOpenAI:
		gw, err = NewOpenAIClient(OpenAIConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			SystemPrompt: cfg.SystemPrompt, Params: cfg.Params, Logger: logger,
		})
	case BackendOllama:
		gw, err = NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, Params: cfg.Params, Logger: logger,
		})
	case BackendLangChain:
		gw, err = NewLangChainOllama(cfg.BaseURL, cfg.Model, cfg.Params, logger)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", cfg.Backend, err)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		gw = NewRateLimited(gw, cfg.Backend, rate.NewLimiter(rate.Limit(cfg.RateLimit), burst))
	}
	return gw, nil
}
