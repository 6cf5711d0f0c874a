// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/chatstore"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
)

func main() {
	// Setup structured logging
	level, err := logging.ParseLevel(getEnvString("LOG_LEVEL", "info"))
	if err != nil {
		level = logging.LevelInfo
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  os.Getenv("LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
		Output:  os.Stdout,
	})
	defer logger.Close()
	logger.SetDefault()

	cfg := configFromEnv()

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLM.Backend,
		"llm_model", cfg.LLM.Model,
		"store_backend", cfg.Store.Backend,
		"traces_exporter", cfg.TracesExporter,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger.Slog()))
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Run the server (blocks until SIGINT/SIGTERM)
	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// configFromEnv builds the orchestrator configuration from environment
// variables. Unset values are left zero for applyConfigDefaults.
func configFromEnv() orchestrator.Config {
	backend := strings.ToLower(getEnvString("LLM_BACKEND_TYPE", llm.BackendGemini))

	llmCfg := llm.Config{
		Backend:   backend,
		Model:     os.Getenv("LLM_MODEL"),
		RateLimit: getEnvFloat("LLM_RATE_LIMIT_RPS", 0),
		RateBurst: getEnvInt("LLM_RATE_LIMIT_BURST", 1),
	}
	switch backend {
	case llm.BackendGemini:
		llmCfg.APIKey = os.Getenv("GEMINI_API_KEY")
		llmCfg.BaseURL = os.Getenv("GEMINI_BASE_URL")
	case llm.BackendOpenAI:
		llmCfg.APIKey = os.Getenv("OPENAI_API_KEY")
		llmCfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	case llm.BackendOllama, llm.BackendLangChain:
		llmCfg.BaseURL = getEnvString("OLLAMA_BASE_URL", "http://localhost:11434")
	}

	return orchestrator.Config{
		Port: getEnvInt("ORCHESTRATOR_PORT", 12210),
		LLM:  llmCfg,
		Store: chatstore.Config{
			Backend:       strings.ToLower(getEnvString("CHAT_STORE_BACKEND", chatstore.BackendBadger)),
			BadgerPath:    os.Getenv("CHAT_STORE_PATH"),
			RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			WeaviateURL:   os.Getenv("WEAVIATE_SERVICE_URL"),
		},
		OTelEndpoint:      getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		TracesExporter:    getEnvString("OTEL_TRACES_EXPORTER", orchestrator.TracesExporterOTLP),
		CORSOrigins:       middleware.ParseOrigins(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:      getEnvFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 0),
		SecureAccumulator: getEnvBool("SECURE_ACCUMULATOR", false),
		GinMode:           os.Getenv("GIN_MODE"),
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
