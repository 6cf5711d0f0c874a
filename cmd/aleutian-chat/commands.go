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
	"fmt"
	"os"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian-chat/config"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath       string
	serverURL        string
	personalityLevel string
	servePort        int
	chatID           string
	startNewChat     bool
	noStream         bool
	sessionOverride  string

	// logger is set up by PersistentPreRunE and closed on exit.
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:           "aleutian-chat",
		Short:         "Chat with an LLM through the Aleutian chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(configPath); err != nil {
				return err
			}
			if serverURL != "" {
				config.Global.Client.BaseURL = serverURL
			}
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
			return setupLogger(cmd.Name() == "serve")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE:  runChat, // Defined in cmd_chat.go
	}

	// --- Chats ---
	chatsCmd = &cobra.Command{
		Use:   "chats",
		Short: "Inspect stored chats",
	}
	listChatsCmd = &cobra.Command{
		Use:   "list",
		Short: "List the chats of this client's session",
		Args:  cobra.NoArgs,
		RunE:  runListChats, // Defined in cmd_chats.go
	}
	showChatCmd = &cobra.Command{
		Use:   "show [chat_id]",
		Short: "Print a chat's messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runShowChat, // Defined in cmd_chats.go
	}

	// --- Utilities ---
	tokensCmd = &cobra.Command{
		Use:   "tokens [text]",
		Short: "Count the tokens of a prompt with the server's model",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCountTokens, // Defined in cmd_chats.go
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check that the chat server is reachable",
		Args:  cobra.NoArgs,
		RunE:  runHealth, // Defined in cmd_chats.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.aleutian-chat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "chat server base URL (overrides client.base_url)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "", "output style: full, minimal or machine")

	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")

	chatCmd.Flags().StringVar(&chatID, "chat", "", "open an existing chat")
	chatCmd.Flags().BoolVar(&startNewChat, "new", false, "start a new chat instead of resuming the last one")
	chatCmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for whole responses instead of streaming")

	listChatsCmd.Flags().StringVar(&sessionOverride, "session", "", "list another session's chats")

	chatsCmd.AddCommand(listChatsCmd, showChatCmd)
	rootCmd.AddCommand(serveCmd, chatCmd, chatsCmd, tokensCmd, healthCmd)
}

// setupLogger configures the process logger. The server logs JSON to
// stdout; client commands log text to stderr so the chat output stays
// clean.
func setupLogger(server bool) error {
	level, err := logging.ParseLevel(config.Global.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	cfg := logging.Config{
		Level:   level,
		LogDir:  config.Global.Logging.LogDir,
		Service: "aleutian-chat",
		Output:  os.Stderr,
	}
	if server {
		cfg.Service = "aleutian-chat-server"
		cfg.JSON = true
		cfg.Output = os.Stdout
	}
	logger = logging.New(cfg)
	logger.SetDefault()
	return nil
}
