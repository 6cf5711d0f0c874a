// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL expires idle chats. Zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps chats in Redis.
//
// # Description
//
// Layout:
//
//	chat:<chatID>              JSON datatypes.Chat
//	session_chats:<sessionID>  ZSET of chat ids scored by UpdatedAt
//
// Appends WATCH the chat key and commit in MULTI/EXEC; a concurrent write
// aborts the transaction and it is retried.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	opts   options
}

func redisChatKey(chatID string) string {
	return fmt.Sprintf("chat:%s", chatID)
}

func redisSessionKey(sessionID string) string {
	return fmt.Sprintf("session_chats:%s", sessionID)
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreFromClient(ctx, client, cfg.TTL, opts...)
}

// NewRedisStoreFromClient wraps an existing client. The client is closed
// by Close.
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client, ttl time.Duration,
	opts ...Option) (*RedisStore, error) {

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, datatypes.NewStoreError(BackendRedis, "ping", err)
	}
	o := buildOptions(opts)
	o.logger.Info("Chat store opened", "backend", BackendRedis)
	return &RedisStore{client: client, ttl: ttl, opts: o}, nil
}

func (s *RedisStore) CreateChat(ctx context.Context, sessionID string, initial *datatypes.MessagePair) (string, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.CreateChat")
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	chat := datatypes.NewChat(s.opts.newID(), sessionID, initial, s.opts.now())
	data, err := json.Marshal(chat)
	if err != nil {
		return "", datatypes.NewStoreError(BackendRedis, "create_chat", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writeChat(ctx, pipe, chat, data)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return "", datatypes.NewStoreError(BackendRedis, "create_chat", err)
	}
	span.SetAttributes(attribute.String("chat.id", chat.ID))
	return chat.ID, nil
}

// writeChat queues the chat document and its session index entry.
func (s *RedisStore) writeChat(ctx context.Context, pipe redis.Pipeliner, chat *datatypes.Chat, data []byte) {
	pipe.Set(ctx, redisChatKey(chat.ID), data, s.ttl)
	pipe.ZAdd(ctx, redisSessionKey(chat.SessionID), &redis.Z{
		Score:  float64(chat.UpdatedAt),
		Member: chat.ID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, redisSessionKey(chat.SessionID), s.ttl)
	}
}

func (s *RedisStore) AppendMessagePair(ctx context.Context, chatID string, pair datatypes.MessagePair) error {
	ctx, span := tracer.Start(ctx, "RedisStore.AppendMessagePair")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", chatID))

	key := redisChatKey(chatID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return datatypes.ErrChatNotFound
		}
		if err != nil {
			return err
		}
		chat, err := decodeChat(raw)
		if err != nil {
			return err
		}
		chat.Append(pair, s.opts.now())
		data, err := json.Marshal(chat)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeChat(ctx, pipe, chat, data)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.opts.logger.Debug("Append lost a WATCH race, retrying", "chat_id", chatID, "attempt", attempt+1)
	}
	if err != nil {
		span.RecordError(err)
		return datatypes.NewStoreError(BackendRedis, "append_message_pair", err)
	}
	return nil
}

func (s *RedisStore) GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.GetChat")
	defer span.End()

	raw, err := s.client.Get(ctx, redisChatKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, datatypes.ErrChatNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.NewStoreError(BackendRedis, "get_chat", err)
	}
	chat, err := decodeChat(raw)
	if err != nil {
		return nil, datatypes.NewStoreError(BackendRedis, "get_chat", err)
	}
	return chat, nil
}

func (s *RedisStore) ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.ListChats")
	defer span.End()

	ids, err := s.client.ZRevRange(ctx, redisSessionKey(sessionID), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.NewStoreError(BackendRedis, "list_chats", err)
	}
	chats := make([]*datatypes.Chat, 0, len(ids))
	if len(ids) == 0 {
		return chats, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisChatKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.NewStoreError(BackendRedis, "list_chats", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Expired or deleted behind the index.
			s.opts.logger.Warn("Session index points at a missing chat", "session_id", sessionID, "chat_id", ids[i])
			continue
		}
		chat, err := decodeChat([]byte(str))
		if err != nil {
			return nil, datatypes.NewStoreError(BackendRedis, "list_chats", err)
		}
		chats = append(chats, chat)
	}
	sortByActivity(chats)
	return chats, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeChat(raw []byte) (*datatypes.Chat, error) {
	var chat datatypes.Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("decode chat: %w", err)
	}
	if chat.Messages == nil {
		chat.Messages = []datatypes.Message{}
	}
	return &chat, nil
}

var _ Store = (*RedisStore)(nil)
