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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian-chat/config"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Global.Server
	if servePort != 0 {
		cfg.Port = servePort
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKeyFromEnv(cfg.LLM.Backend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger.Slog()))
	if err != nil {
		return fmt.Errorf("failed to start the chat server: %w", err)
	}

	slog.Info("Chat server starting",
		"port", cfg.Port,
		"llm_backend", cfg.LLM.Backend,
		"store_backend", cfg.Store.Backend,
	)
	return svc.Run(ctx)
}

// apiKeyFromEnv keeps provider keys out of the config file.
func apiKeyFromEnv(backend string) string {
	switch backend {
	case llm.BackendGemini:
		return os.Getenv("GEMINI_API_KEY")
	case llm.BackendOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}
