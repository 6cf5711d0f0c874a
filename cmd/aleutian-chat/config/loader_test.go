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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chatstore"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := loadFile(path)

	require.NoError(t, err)
	assert.FileExists(t, path)
	def := DefaultConfig()
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, def.Server.LLM.Backend, cfg.Server.LLM.Backend)
	assert.Equal(t, def.Server.Store.BadgerPath, cfg.Server.Store.BadgerPath)
	assert.Equal(t, def.Client, cfg.Client)
	assert.Equal(t, def.Logging, cfg.Logging)
}

func TestLoadFile_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
server:
  port: 9000
  llm:
    backend: openai
    model: gpt-4o-mini
  store:
    backend: redis
    redis_addr: localhost:6379
    redis_ttl: 24h
  shutdown_timeout: 3s
client:
  streaming: false
  request_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	cfg, err := loadFile(path)

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, llm.BackendOpenAI, cfg.Server.LLM.Backend)
	assert.Equal(t, chatstore.BackendRedis, cfg.Server.Store.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Server.Store.RedisTTL)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Client.Streaming)
	assert.Equal(t, 5*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, DefaultConfig().Client.BaseURL, cfg.Client.BaseURL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := loadFile(path)

	assert.Error(t, err)
}
