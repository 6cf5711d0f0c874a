// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"
	"unicode/utf8"
)

// =============================================================================
// Persisted Chat Records
// =============================================================================

// MessageType distinguishes the two halves of a persisted exchange.
type MessageType string

const (
	MessageTypePrompt   MessageType = "prompt"
	MessageTypeResponse MessageType = "response"
)

const (
	// DefaultChatTitle is used for chats created without an initial prompt.
	DefaultChatTitle = "New Chat"

	// TitleMaxRunes is how much of the first prompt the title keeps.
	TitleMaxRunes = 30
)

// Message is one persisted message inside a Chat document.
//
// Timestamp and TokenSize follow the stored record layout: Timestamp is
// unix milliseconds, TokenSize is zero when the provider did not report a
// count.
type Message struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	TokenSize int         `json:"tokenSize"`
	Timestamp int64       `json:"timestamp"`
}

// Chat is one conversation document keyed by its ID.
//
// # Description
//
// Messages are ordered by Timestamp ascending and appear in prompt/response
// pairs. A chat with no messages is valid (created without a prompt).
// CreatedAt and UpdatedAt are unix milliseconds; UpdatedAt moves on every
// append and drives the session listing order.
type Chat struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// MessagePair is a prompt and its generated response, the unit of every
// append. Token sizes are zero when unknown.
type MessagePair struct {
	Prompt            string
	Response          string
	PromptTokenSize   int
	ResponseTokenSize int
}

// Messages converts the pair into two records stamped at now and now+1ms,
// which keeps the prompt strictly before its response.
func (p MessagePair) Messages(now time.Time) []Message {
	ts := now.UnixMilli()
	return []Message{
		{Type: MessageTypePrompt, Content: p.Prompt, TokenSize: nonNegative(p.PromptTokenSize), Timestamp: ts},
		{Type: MessageTypeResponse, Content: p.Response, TokenSize: nonNegative(p.ResponseTokenSize), Timestamp: ts + 1},
	}
}

// NewChat builds a chat document. A nil initial pair yields an empty shell
// titled DefaultChatTitle.
func NewChat(id, sessionID string, initial *MessagePair, now time.Time) *Chat {
	ms := now.UnixMilli()
	chat := &Chat{
		ID:        id,
		SessionID: sessionID,
		Title:     DefaultChatTitle,
		CreatedAt: ms,
		UpdatedAt: ms,
		Messages:  []Message{},
	}
	if initial != nil {
		chat.Title = ChatTitle(initial.Prompt)
		chat.Messages = initial.Messages(now)
		chat.UpdatedAt = ms + 1
	}
	return chat
}

// Append adds a pair and bumps UpdatedAt. The new messages are never
// stamped earlier than the last existing message. An empty shell still
// titled DefaultChatTitle takes its title from the first prompt.
func (c *Chat) Append(pair MessagePair, now time.Time) {
	if len(c.Messages) == 0 && c.Title == DefaultChatTitle {
		c.Title = ChatTitle(pair.Prompt)
	}
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1].Timestamp
		if now.UnixMilli() <= last {
			now = time.UnixMilli(last + 1)
		}
	}
	msgs := pair.Messages(now)
	c.Messages = append(c.Messages, msgs...)
	c.UpdatedAt = msgs[1].Timestamp
}

// ChatTitle derives a sidebar title from the first prompt: the first 30
// runes followed by "...", or DefaultChatTitle for an empty prompt.
func ChatTitle(prompt string) string {
	if prompt == "" {
		return DefaultChatTitle
	}
	if utf8.RuneCountInString(prompt) <= TitleMaxRunes {
		return prompt + "..."
	}
	runes := []rune(prompt)
	return string(runes[:TitleMaxRunes]) + "..."
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
