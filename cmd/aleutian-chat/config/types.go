// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chatclient"
	"github.com/AleutianAI/AleutianChat/services/chatstore"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
)

// ChatConfig is the content of ~/.aleutian-chat/config.yaml.
type ChatConfig struct {
	// Server configures `aleutian-chat serve`.
	Server orchestrator.Config `yaml:"server"`

	// Client configures the terminal chat window.
	Client ClientConfig `yaml:"client"`

	// Logging applies to every command.
	Logging LoggingConfig `yaml:"logging"`
}

type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`        // e.g. http://localhost:12210
	Streaming      bool          `yaml:"streaming"`       // stream responses as they are generated
	RequestTimeout time.Duration `yaml:"request_timeout"` // JSON endpoints
	StreamTimeout  time.Duration `yaml:"stream_timeout"`  // whole stream, first byte to last
	StateDir       string        `yaml:"state_dir"`       // active chat, session id, side buffer
}

type LoggingConfig struct {
	Level  string `yaml:"level"`   // debug, info, warn, error
	LogDir string `yaml:"log_dir"` // empty disables file logging
}

// homeDir returns the per-user config directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aleutian-chat"
	}
	return filepath.Join(home, ".aleutian-chat")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ChatConfig {
	return ChatConfig{
		Server: orchestrator.Config{
			Port: 12210,
			LLM: llm.Config{
				Backend: llm.BackendOllama,
				Model:   "llama3",
				BaseURL: "http://localhost:11434",
			},
			Store: chatstore.Config{
				Backend:    chatstore.BackendBadger,
				BadgerPath: filepath.Join(homeDir(), "chats"),
			},
			TracesExporter: orchestrator.TracesExporterNone,
			EnableMetrics:  true,
			GinMode:        "release",
		},
		Client: ClientConfig{
			BaseURL:        chatclient.DefaultBaseURL,
			Streaming:      true,
			RequestTimeout: chatclient.DefaultRequestTimeout,
			StreamTimeout:  chatclient.DefaultStreamTimeout,
			StateDir:       filepath.Join(homeDir(), "state"),
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}
