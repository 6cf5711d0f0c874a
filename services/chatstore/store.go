// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chatstore persists chat documents.
//
// A chat is one document holding its ordered prompt/response messages.
// Every backend offers the same operations: create, append a pair, fetch
// by id, and list a session's chats newest-activity first. Unknown ids
// surface as datatypes.ErrChatNotFound; every other failure is a
// *datatypes.StoreError.
//
// Backends:
//
//	badger    embedded, single process (default)
//	redis     shared, chat JSON plus a per-session sorted set
//	weaviate  shared, one object per chat in the "Chat" class
package chatstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.chat.store")

// Backend names accepted by New.
const (
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendWeaviate = "weaviate"
)

// Store is the chat persistence contract.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. Concurrent appends to the
// same chat are serialized; neither pair is lost.
type Store interface {
	// CreateChat creates a chat in sessionID and returns its new id. With a
	// nil initial pair the chat is an empty shell titled "New Chat".
	CreateChat(ctx context.Context, sessionID string, initial *datatypes.MessagePair) (string, error)

	// AppendMessagePair adds a prompt and its response to chatID and moves
	// its UpdatedAt forward.
	AppendMessagePair(ctx context.Context, chatID string, pair datatypes.MessagePair) error

	// GetChat returns the chat with all of its messages.
	GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error)

	// ListChats returns the session's chats ordered by UpdatedAt, newest
	// first. An unknown session yields an empty list.
	ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error)

	// Close releases the backend's resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend"`

	BadgerPath     string `yaml:"badger_path"`
	BadgerInMemory bool   `yaml:"badger_in_memory"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`

	WeaviateURL string `yaml:"weaviate_url"`
}

// Option adjusts a backend. Used by tests to pin ids and time.
type Option func(*options)

type options struct {
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// WithIDGenerator replaces uuid v4 chat ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{newID: uuid.NewString, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendBadger, "":
		return NewBadgerStore(cfg.BadgerPath, cfg.BadgerInMemory, opts...)
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		}, opts...)
	case BackendWeaviate:
		return NewWeaviateStore(ctx, cfg.WeaviateURL, opts...)
	default:
		return nil, fmt.Errorf("unknown chat store backend %q", cfg.Backend)
	}
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return &datatypes.ValidationError{Field: "sessionId", Message: datatypes.MsgSessionIDRequired}
	}
	return nil
}

// sortByActivity orders chats newest UpdatedAt first, breaking ties by id
// so listings are stable.
func sortByActivity(chats []*datatypes.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].UpdatedAt != chats[j].UpdatedAt {
			return chats[i].UpdatedAt > chats[j].UpdatedAt
		}
		return chats[i].ID < chats[j].ID
	})
}
