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
	"log/slog"

	"github.com/AleutianAI/AleutianChat/pkg/badgerdb"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
)

// maxTxnRetries bounds optimistic retries when two appends race.
const maxTxnRetries = 16

// Key layout:
//
//	chat/<chatID>                 JSON datatypes.Chat
//	session/<sessionID>/<chatID>  empty, membership index
func chatKey(chatID string) []byte {
	return []byte("chat/" + chatID)
}

func sessionPrefix(sessionID string) []byte {
	return []byte("session/" + sessionID + "/")
}

func sessionKey(sessionID, chatID string) []byte {
	return append(sessionPrefix(sessionID), chatID...)
}

// BadgerStore keeps chats in an embedded BadgerDB.
//
// # Description
//
// Each chat is one JSON value. Appends run read-modify-write inside a
// Badger transaction; a conflicting concurrent commit makes Badger return
// ErrConflict and the append is retried, so racing appends are both kept.
type BadgerStore struct {
	db   *badgerdb.DB
	opts options
}

// NewBadgerStore opens a store at path, or in memory when inMemory is set.
func NewBadgerStore(path string, inMemory bool, opts ...Option) (*BadgerStore, error) {
	o := buildOptions(opts)
	cfg := badgerdb.DefaultConfig(path)
	if inMemory {
		cfg = badgerdb.InMemoryConfig()
	}
	cfg.Logger = o.logger.With("component", "badger")
	db, err := badgerdb.Open(cfg)
	if err != nil {
		return nil, datatypes.NewStoreError(BackendBadger, "open", err)
	}
	o.logger.Info("Chat store opened", "backend", BackendBadger, "path", path, "in_memory", inMemory)
	return &BadgerStore{db: db, opts: o}, nil
}

func (s *BadgerStore) CreateChat(ctx context.Context, sessionID string, initial *datatypes.MessagePair) (string, error) {
	_, span := tracer.Start(ctx, "BadgerStore.CreateChat")
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	chat := datatypes.NewChat(s.opts.newID(), sessionID, initial, s.opts.now())
	data, err := json.Marshal(chat)
	if err != nil {
		return "", datatypes.NewStoreError(BackendBadger, "create_chat", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(chatKey(chat.ID), data); err != nil {
			return err
		}
		return txn.Set(sessionKey(sessionID, chat.ID), nil)
	})
	if err != nil {
		span.RecordError(err)
		return "", datatypes.NewStoreError(BackendBadger, "create_chat", err)
	}
	span.SetAttributes(attribute.String("chat.id", chat.ID))
	return chat.ID, nil
}

func (s *BadgerStore) AppendMessagePair(ctx context.Context, chatID string, pair datatypes.MessagePair) error {
	_, span := tracer.Start(ctx, "BadgerStore.AppendMessagePair")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", chatID))

	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			chat, err := readChat(txn, chatID)
			if err != nil {
				return err
			}
			chat.Append(pair, s.opts.now())
			data, err := json.Marshal(chat)
			if err != nil {
				return err
			}
			return txn.Set(chatKey(chatID), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.opts.logger.Debug("Append conflicted, retrying", "chat_id", chatID, "attempt", attempt+1)
	}
	if err != nil {
		span.RecordError(err)
		return datatypes.NewStoreError(BackendBadger, "append_message_pair", err)
	}
	return nil
}

func (s *BadgerStore) GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	_, span := tracer.Start(ctx, "BadgerStore.GetChat")
	defer span.End()

	var chat *datatypes.Chat
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		chat, err = readChat(txn, chatID)
		return err
	})
	if err != nil {
		return nil, datatypes.NewStoreError(BackendBadger, "get_chat", err)
	}
	return chat, nil
}

func (s *BadgerStore) ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error) {
	_, span := tracer.Start(ctx, "BadgerStore.ListChats")
	defer span.End()

	chats := []*datatypes.Chat{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := sessionPrefix(sessionID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			chatID := string(it.Item().Key()[len(prefix):])
			chat, err := readChat(txn, chatID)
			if errors.Is(err, datatypes.ErrChatNotFound) {
				s.opts.logger.Warn("Session index points at a missing chat",
					slog.String("session_id", sessionID), slog.String("chat_id", chatID))
				continue
			}
			if err != nil {
				return err
			}
			chats = append(chats, chat)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.NewStoreError(BackendBadger, "list_chats", err)
	}
	sortByActivity(chats)
	span.SetAttributes(attribute.Int("chat.count", len(chats)))
	return chats, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readChat(txn *badger.Txn, chatID string) (*datatypes.Chat, error) {
	item, err := txn.Get(chatKey(chatID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, datatypes.ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeChat(raw)
}

var _ Store = (*BadgerStore)(nil)
