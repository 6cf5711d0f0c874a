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
	"net/http"
	"net/url"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"
)

// weaviateListLimit caps one session listing.
const weaviateListLimit = 1000

// WeaviateStore keeps one object per chat in the Chat class.
//
// # Description
//
// The object UUID is the chat id. Messages are stored as a JSON string in
// messages_json and rewritten on every append with a merge update.
//
// # Limitations
//
//   - Appends to the same chat are serialized per process only. Two
//     orchestrator replicas appending to one chat at once can lose a pair.
type WeaviateStore struct {
	client *weaviate.Client
	opts   options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// chatObject is the typed shape of a Chat object's properties.
type chatObject struct {
	ChatID       string  `json:"chat_id"`
	SessionID    string  `json:"session_id"`
	Title        string  `json:"title"`
	CreatedAt    float64 `json:"created_at"`
	UpdatedAt    float64 `json:"updated_at"`
	MessagesJSON string  `json:"messages_json"`
}

type weaviateChatListResponse struct {
	Get struct {
		Chat []chatObject `json:"Chat"`
	} `json:"Get"`
}

// NewWeaviateStore connects to rawURL and ensures the Chat class exists.
func NewWeaviateStore(ctx context.Context, rawURL string, opts ...Option) (*WeaviateStore, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	o := buildOptions(opts)
	if err := datatypes.EnsureWeaviateSchema(ctx, client, o.logger); err != nil {
		return nil, datatypes.NewStoreError(BackendWeaviate, "ensure_schema", err)
	}
	o.logger.Info("Chat store opened", "backend", BackendWeaviate, "url", rawURL)
	return &WeaviateStore{client: client, opts: o, locks: make(map[string]*sync.Mutex)}, nil
}

// chatLock returns the mutex serializing appends to chatID.
func (s *WeaviateStore) chatLock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

func (s *WeaviateStore) CreateChat(ctx context.Context, sessionID string, initial *datatypes.MessagePair) (string, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.CreateChat")
	defer span.End()

	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	id := s.opts.newID()
	if !strfmt.IsUUID(id) {
		return "", datatypes.NewStoreError(BackendWeaviate, "create_chat", fmt.Errorf("chat id %q is not a UUID", id))
	}
	chat := datatypes.NewChat(id, sessionID, initial, s.opts.now())
	props, err := chatToProperties(chat)
	if err != nil {
		return "", datatypes.NewStoreError(BackendWeaviate, "create_chat", err)
	}
	_, err = s.client.Data().Creator().
		WithClassName(datatypes.ChatClassName).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return "", datatypes.NewStoreError(BackendWeaviate, "create_chat", err)
	}
	span.SetAttributes(attribute.String("chat.id", id))
	return id, nil
}

func (s *WeaviateStore) AppendMessagePair(ctx context.Context, chatID string, pair datatypes.MessagePair) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.AppendMessagePair")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", chatID))

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		return datatypes.NewStoreError(BackendWeaviate, "append_message_pair", err)
	}
	chat.Append(pair, s.opts.now())
	props, err := chatToProperties(chat)
	if err != nil {
		return datatypes.NewStoreError(BackendWeaviate, "append_message_pair", err)
	}
	err = s.client.Data().Updater().
		WithClassName(datatypes.ChatClassName).
		WithID(chatID).
		WithProperties(map[string]interface{}{
			"title":         props["title"],
			"updated_at":    props["updated_at"],
			"messages_json": props["messages_json"],
		}).
		WithMerge().
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return datatypes.NewStoreError(BackendWeaviate, "append_message_pair", err)
	}
	return nil
}

func (s *WeaviateStore) GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.GetChat")
	defer span.End()

	chat, err := s.getChat(ctx, chatID)
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.NewStoreError(BackendWeaviate, "get_chat", err)
	}
	return chat, nil
}

func (s *WeaviateStore) getChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	if !strfmt.IsUUID(chatID) {
		return nil, datatypes.ErrChatNotFound
	}
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(datatypes.ChatClassName).
		WithID(chatID).
		Do(ctx)
	if err != nil {
		var werr *fault.WeaviateClientError
		if errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound {
			return nil, datatypes.ErrChatNotFound
		}
		return nil, err
	}
	if len(objs) == 0 {
		return nil, datatypes.ErrChatNotFound
	}
	return propertiesToChat(objs[0].Properties)
}

func (s *WeaviateStore) ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.ListChats")
	defer span.End()

	fields := []graphql.Field{
		{Name: "chat_id"},
		{Name: "session_id"},
		{Name: "title"},
		{Name: "created_at"},
		{Name: "updated_at"},
		{Name: "messages_json"},
	}
	whereFilter := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)
	sortBy := graphql.Sort{
		Path:  []string{"updated_at"},
		Order: graphql.Desc,
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ChatClassName).
		WithWhere(whereFilter).
		WithSort(sortBy).
		WithLimit(weaviateListLimit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, datatypes.NewStoreError(BackendWeaviate, "list_chats", err)
	}
	if len(result.Errors) > 0 {
		return nil, datatypes.NewStoreError(BackendWeaviate, "list_chats",
			fmt.Errorf("graphql: %s", result.Errors[0].Message))
	}

	chats, err := decodeChatList(result.Data)
	if err != nil {
		return nil, datatypes.NewStoreError(BackendWeaviate, "list_chats", err)
	}
	sortByActivity(chats)
	return chats, nil
}

func (s *WeaviateStore) Close() error {
	return nil
}

// decodeChatList parses a GraphQL Get response into chats.
func decodeChatList(data interface{}) ([]*datatypes.Chat, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var typed weaviateChatListResponse
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}
	chats := make([]*datatypes.Chat, 0, len(typed.Get.Chat))
	for _, obj := range typed.Get.Chat {
		chat, err := obj.toChat()
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func chatToProperties(chat *datatypes.Chat) (map[string]interface{}, error) {
	msgs, err := json.Marshal(chat.Messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return map[string]interface{}{
		"chat_id":       chat.ID,
		"session_id":    chat.SessionID,
		"title":         chat.Title,
		"created_at":    chat.CreatedAt,
		"updated_at":    chat.UpdatedAt,
		"messages_json": string(msgs),
	}, nil
}

// propertiesToChat decodes an object's untyped property map.
func propertiesToChat(props interface{}) (*datatypes.Chat, error) {
	jsonBytes, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal chat properties: %w", err)
	}
	var obj chatObject
	if err := json.Unmarshal(jsonBytes, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal chat properties: %w", err)
	}
	return obj.toChat()
}

func (o chatObject) toChat() (*datatypes.Chat, error) {
	chat := &datatypes.Chat{
		ID:        o.ChatID,
		SessionID: o.SessionID,
		Title:     o.Title,
		CreatedAt: int64(o.CreatedAt),
		UpdatedAt: int64(o.UpdatedAt),
		Messages:  []datatypes.Message{},
	}
	if o.MessagesJSON != "" {
		if err := json.Unmarshal([]byte(o.MessagesJSON), &chat.Messages); err != nil {
			return nil, fmt.Errorf("decode messages of chat %s: %w", o.ChatID, err)
		}
	}
	return chat, nil
}

var _ Store = (*WeaviateStore)(nil)
