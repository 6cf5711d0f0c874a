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

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType is the "type" discriminator of an SSE data payload.
type StreamEventType string

const (
	EventConnectionEstablished StreamEventType = "connection_established"
	EventContentChunk          StreamEventType = "content_chunk"
	EventContentComplete       StreamEventType = "content_complete"
	EventError                 StreamEventType = "error"
)

// IsTerminal reports whether the event ends a stream.
func (t StreamEventType) IsTerminal() bool {
	return t == EventContentComplete || t == EventError
}

// StreamEvent is the decoded form of any event of POST /prompt/stream.
//
// # Description
//
// Fields not used by Type are zero. The server encodes each type with its
// own payload struct (ContentChunkPayload and friends) so that, for
// instance, a zero token count is still sent.
type StreamEvent struct {
	Type              StreamEventType `json:"type"`
	Text              string          `json:"text,omitempty"`
	PromptTokenSize   int             `json:"promptTokenSize,omitempty"`
	ResponseTokenSize int             `json:"responseTokenSize,omitempty"`
	ChatID            string          `json:"chatId,omitempty"`
	Message           string          `json:"message,omitempty"`
}

// ConnectionEstablishedPayload is the first event of every stream.
type ConnectionEstablishedPayload struct {
	Type StreamEventType `json:"type"`
}

// ContentChunkPayload carries one piece of generated text.
type ContentChunkPayload struct {
	Type StreamEventType `json:"type"`
	Text string          `json:"text"`
}

// ContentCompletePayload ends a successful stream.
type ContentCompletePayload struct {
	Type              StreamEventType `json:"type"`
	PromptTokenSize   int             `json:"promptTokenSize"`
	ResponseTokenSize int             `json:"responseTokenSize"`
	ChatID            string          `json:"chatId"`
}

// StreamErrorPayload ends a failed stream. Message is safe to show users.
type StreamErrorPayload struct {
	Type    StreamEventType `json:"type"`
	Message string          `json:"message"`
}

// Client-safe stream error messages.
const (
	StreamMsgMissingChatID    = "Chat id not provided"
	StreamMsgGenerationFailed = "Failed to generate response"
	StreamMsgSaveFailed       = "Failed to save response"
	StreamMsgChatNotFound     = "Chat not found"
	StreamMsgProcessingFailed = "Error processing stream"
)
