// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ChatClassName is the Weaviate class holding one object per chat.
const ChatClassName = "Chat"

// GetChatSchema describes the Chat class. Messages are kept as a JSON
// string; only session_id and updated_at are queried.
func GetChatSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true
	notIndexed := new(bool)

	return &models.Class{
		Class:       ChatClassName,
		Description: "A chat conversation with its ordered prompt/response messages.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "chat_id",
				DataType:        []string{"text"},
				Description:     "The chat identifier, equal to the object UUID.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "The session that owns this chat.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "title",
				DataType:    []string{"text"},
				Description: "Sidebar title derived from the first prompt.",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the chat was created.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the latest message.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "messages_json",
				DataType:        []string{"text"},
				Description:     "The chat's messages encoded as a JSON array.",
				IndexFilterable: notIndexed,
				IndexSearchable: notIndexed,
			},
		},
	}
}

// EnsureWeaviateSchema creates every class this service owns that the
// instance does not have yet.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, getSchema := range []func() *models.Class{GetChatSchema} {
		class := getSchema()
		logger.Info("Checking schema", "class", class.Class)

		// The client returns an error when the class does not exist.
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			logger.Info("Schema already exists", "class", class.Class)
			continue
		}
		logger.Info("Schema not found, creating it...", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create schema for class %s: %w", class.Class, err)
		}
		logger.Info("Successfully created schema", "class", class.Class)
	}
	return nil
}
