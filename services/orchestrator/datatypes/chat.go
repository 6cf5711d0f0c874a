// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the records, wire bodies and error taxonomy
// shared by the orchestrator, the chat stores, the LLM gateways and the
// client library.
//
// This file contains the HTTP request and response bodies and their
// validation. Persisted records live in records.go, errors in errors.go.
package datatypes

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxPromptBytes bounds a single prompt. Checked in bytes, not runes.
	MaxPromptBytes = 32 * 1024 // 32KB

	// MaxIDBytes bounds chat and session identifiers.
	MaxIDBytes = 128
)

// Client-facing validation messages.
const (
	MsgSessionIDRequired     = "Session ID is required"
	MsgChatIDPromptRequired  = "Chat ID and prompt are required"
	MsgPromptRequired        = "Prompt is required"
	MsgPromptTooLarge        = "Prompt exceeds maximum size"
	MsgIdentifierTooLong     = "Identifier exceeds maximum length"
	MsgInvalidRequestPayload = "Invalid request payload"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxPromptBytes on a string field.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxPromptBytes
}

// =============================================================================
// Request Types
// =============================================================================

// CreateChatRequest is the body of POST /chats.
//
// # Fields
//
//   - SessionID: Required. Client-generated session identifier.
//   - InitialPrompt: Optional. When present the first exchange is
//     generated and stored with the new chat.
type CreateChatRequest struct {
	SessionID     string `json:"sessionId" validate:"required,max=128"`
	InitialPrompt string `json:"initialPrompt,omitempty" validate:"maxbytes"`
}

// Validate checks the request and returns a *ValidationError.
func (r *CreateChatRequest) Validate() error {
	return toValidationError(chatValidate.Struct(r), map[string]string{
		"SessionID.required": MsgSessionIDRequired,
	})
}

// SendMessageRequest is the body of POST /chats/message and POST /prompt.
type SendMessageRequest struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
	Prompt string `json:"prompt" validate:"required,maxbytes"`
}

// Validate checks the request and returns a *ValidationError.
func (r *SendMessageRequest) Validate() error {
	return toValidationError(chatValidate.Struct(r), map[string]string{
		"ChatID.required": MsgChatIDPromptRequired,
		"Prompt.required": MsgChatIDPromptRequired,
	})
}

// StreamPromptRequest is the body of POST /prompt/stream.
//
// # Description
//
// With CreateChat set, the chat is created once generation succeeds and
// SessionID is required. Without it, ChatID names the chat to append to.
// A missing ChatID in that case is not a validation failure: it is
// reported on the event stream as a missing-chat-id error, so the client
// sees it the same way as any other stream failure.
type StreamPromptRequest struct {
	Prompt     string `json:"prompt" validate:"required,maxbytes"`
	CreateChat bool   `json:"createChat"`
	SessionID  string `json:"sessionId" validate:"required_if=CreateChat true,max=128"`
	ChatID     string `json:"chatId,omitempty" validate:"max=128"`
}

// Validate checks the request and returns a *ValidationError.
func (r *StreamPromptRequest) Validate() error {
	return toValidationError(chatValidate.Struct(r), map[string]string{
		"Prompt.required":       MsgPromptRequired,
		"SessionID.required_if": MsgSessionIDRequired,
	})
}

// TokenCountRequest is the body of POST /prompt/tokens and
// POST /chat/countTokens.
type TokenCountRequest struct {
	Prompt string `json:"prompt" validate:"required,maxbytes"`
}

// Validate checks the request and returns a *ValidationError.
func (r *TokenCountRequest) Validate() error {
	return toValidationError(chatValidate.Struct(r), map[string]string{
		"Prompt.required": MsgPromptRequired,
	})
}

// =============================================================================
// Response Types
// =============================================================================

// GenerationResult is a single-shot generation as returned to clients.
// Token sizes are zero when the provider reported none.
type GenerationResult struct {
	Text              string `json:"text"`
	PromptTokenSize   int    `json:"promptTokenSize"`
	ResponseTokenSize int    `json:"responseTokenSize"`
}

// CreateChatResponse is the 201 body of POST /chats.
type CreateChatResponse struct {
	ChatID   string           `json:"chatId"`
	Response GenerationResult `json:"response"`
}

// SendMessageResponse is the 200 body of POST /chats/message.
type SendMessageResponse struct {
	Response GenerationResult `json:"response"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// Validation Helpers
// =============================================================================

// toValidationError maps validator failures to a client-facing
// *ValidationError. messages is keyed by "Field.tag"; unmapped failures
// get a generic message chosen by tag.
func toValidationError(err error, messages map[string]string) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: MsgInvalidRequestPayload}
	}
	fe := verrs[0]
	if msg, ok := messages[fe.Field()+"."+fe.Tag()]; ok {
		return &ValidationError{Field: fe.Field(), Message: msg}
	}
	switch fe.Tag() {
	case "maxbytes":
		return &ValidationError{Field: fe.Field(), Message: MsgPromptTooLarge}
	case "max":
		return &ValidationError{Field: fe.Field(), Message: MsgIdentifierTooLong}
	default:
		return &ValidationError{Field: fe.Field(), Message: MsgInvalidRequestPayload}
	}
}
