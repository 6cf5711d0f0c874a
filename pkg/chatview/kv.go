// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatview

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/badgerdb"
	"github.com/dgraph-io/badger/v4"
)

// Client-local storage keys.
const (
	KeyActiveChatID = "activeChatId"
	KeySessionID    = "chatSessionId"
	KeyMessages     = "chatMessages"
)

// KVStore is client-local key/value storage. Values never expire.
type KVStore interface {
	// Get returns the value and whether the key exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// =============================================================================
// MemoryKV
// =============================================================================

// MemoryKV is an in-process KVStore for tests and throwaway sessions.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryKV returns an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// =============================================================================
// BadgerKV
// =============================================================================

// badgerKeyPrefix namespaces the view's keys inside the state database.
const badgerKeyPrefix = "chatview/"

// BadgerKV persists client state in a badger database so it survives a
// restart of the terminal client.
type BadgerKV struct {
	db *badgerdb.DB
}

// OpenBadgerKV opens (or creates) the state database in dir. An empty dir
// opens an in-memory database.
func OpenBadgerKV(dir string, logger *slog.Logger) (*BadgerKV, error) {
	cfg := badgerdb.DefaultConfig(dir)
	if dir == "" {
		cfg = badgerdb.InMemoryConfig()
	}
	cfg.Logger = logger
	db, err := badgerdb.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open client state: %w", err)
	}
	return &BadgerKV{db: db}, nil
}

func (b *BadgerKV) Get(key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (b *BadgerKV) Set(key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (b *BadgerKV) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (b *BadgerKV) Close() error {
	return b.db.Close()
}

var (
	_ KVStore = (*MemoryKV)(nil)
	_ KVStore = (*BadgerKV)(nil)
)
