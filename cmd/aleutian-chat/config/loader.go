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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global ChatConfig
	once   sync.Once
)

// Load ensures the config at path (DefaultPath when empty) is loaded into
// Global. Later calls are no-ops.
func Load(path string) error {
	var err error
	once.Do(func() {
		Global, err = loadFile(path)
	})
	return err
}

// loadFile reads path, creating it with DefaultConfig on first run. Keys
// missing from the file keep their default values.
func loadFile(path string) (ChatConfig, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return ChatConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ChatConfig{}, fmt.Errorf("failed to read the config file %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ChatConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
