// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the orchestrator.
//
// This package contains service structs that encapsulate business logic,
// separating it from HTTP handlers. ChatService sequences the LLM gateway
// and the chat store for every chat operation: generate first, persist
// second.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chatstore"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var chatTracer = otel.Tracer("aleutian.orchestrator.services.chat")

// persistTimeout bounds the store writes that follow a finished stream.
const persistTimeout = 15 * time.Second

// errStreamNoResult is reported when a gateway returns from
// GenerateStreaming without completing or failing.
var errStreamNoResult = errors.New("stream ended without a result")

// =============================================================================
// Types
// =============================================================================

// StreamResult is delivered once a streamed response has been persisted.
type StreamResult struct {
	PromptTokenSize   int
	ResponseTokenSize int
	ChatID            string
}

// StreamHandlers receives one StreamMessage call.
//
// OnChunk runs zero or more times, then exactly one of OnComplete or
// OnError. OnChunk is never called after a terminal callback. Nil
// handlers are no-ops.
type StreamHandlers struct {
	OnChunk    func(text string)
	OnComplete func(result StreamResult)
	OnError    func(err error)
}

// ChatService coordinates generation and persistence.
//
// # Description
//
// Every write path generates before it persists, so a provider failure
// never leaves a chat behind. The reverse is not guaranteed: a response
// that was generated (and, when streaming, already shown) can still fail
// to persist. That is surfaced to the caller and not retried.
//
// # Thread Safety
//
// Safe for concurrent use. Calls share no mutable state.
type ChatService struct {
	gateway        llm.Gateway
	store          chatstore.Store
	newAccumulator AccumulatorFactory
	logger         *slog.Logger
}

// ChatServiceOption customizes a ChatService.
type ChatServiceOption func(*ChatService)

// WithAccumulatorFactory replaces the default memguard-backed factory.
func WithAccumulatorFactory(f AccumulatorFactory) ChatServiceOption {
	return func(s *ChatService) { s.newAccumulator = f }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ChatServiceOption {
	return func(s *ChatService) { s.logger = l }
}

// NewChatService creates a ChatService.
//
// # Inputs
//
//   - gateway: LLM gateway. Must not be nil.
//   - store: Chat store. Must not be nil.
//
// # Outputs
//
//   - *ChatService: Ready to use.
//
// # Limitations
//
//   - Panics on nil dependencies; they are wiring errors.
func NewChatService(gateway llm.Gateway, store chatstore.Store, opts ...ChatServiceOption) *ChatService {
	if gateway == nil {
		panic("NewChatService: gateway must not be nil")
	}
	if store == nil {
		panic("NewChatService: store must not be nil")
	}
	s := &ChatService{
		gateway:        gateway,
		store:          store,
		newAccumulator: NewSecureAccumulatorFactory(DefaultMaxResponseBytes),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func toResult(resp llm.Response) datatypes.GenerationResult {
	return datatypes.GenerationResult{
		Text:              resp.Text,
		PromptTokenSize:   resp.PromptTokenCount,
		ResponseTokenSize: resp.ResponseTokenCount,
	}
}

func toPair(prompt string, resp llm.Response) datatypes.MessagePair {
	return datatypes.MessagePair{
		Prompt:            prompt,
		Response:          resp.Text,
		PromptTokenSize:   resp.PromptTokenCount,
		ResponseTokenSize: resp.ResponseTokenCount,
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// =============================================================================
// Single-shot Operations
// =============================================================================

// CreateChat creates a chat, generating its first exchange when an
// initial prompt is given.
//
// # Description
//
// Without a prompt the chat is an empty shell titled "New Chat" and the
// returned result is zero. With a prompt the response is generated first;
// the chat is only created if generation succeeds.
//
// # Outputs
//
//   - datatypes.CreateChatResponse: The new id and the generation result.
//   - error: *ValidationError, *UpstreamError or *StoreError.
func (s *ChatService) CreateChat(ctx context.Context, req datatypes.CreateChatRequest) (datatypes.CreateChatResponse, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.CreateChat")
	defer span.End()

	if err := req.Validate(); err != nil {
		return datatypes.CreateChatResponse{}, err
	}
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Bool("chat.has_initial_prompt", req.InitialPrompt != ""),
	)

	var (
		initial *datatypes.MessagePair
		result  datatypes.GenerationResult
	)
	if req.InitialPrompt != "" {
		resp, err := s.gateway.Generate(ctx, req.InitialPrompt)
		if err != nil {
			recordSpanError(span, err)
			return datatypes.CreateChatResponse{}, err
		}
		pair := toPair(req.InitialPrompt, resp)
		initial = &pair
		result = toResult(resp)
	}

	chatID, err := s.store.CreateChat(ctx, req.SessionID, initial)
	if err != nil {
		recordSpanError(span, err)
		return datatypes.CreateChatResponse{}, err
	}
	span.SetAttributes(attribute.String("chat.id", chatID))
	s.logger.Info("Chat created", "chat_id", chatID, "session_id", req.SessionID)
	return datatypes.CreateChatResponse{ChatID: chatID, Response: result}, nil
}

// SendMessage generates a response to the prompt and appends the pair to
// the chat.
//
// # Outputs
//
//   - datatypes.GenerationResult: The generated response.
//   - error: *ValidationError, *UpstreamError, ErrChatNotFound or
//     *StoreError. Nothing is written on a generation failure.
func (s *ChatService) SendMessage(ctx context.Context, req datatypes.SendMessageRequest) (datatypes.GenerationResult, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.SendMessage")
	defer span.End()

	if err := req.Validate(); err != nil {
		return datatypes.GenerationResult{}, err
	}
	span.SetAttributes(attribute.String("chat.id", req.ChatID))

	resp, err := s.gateway.Generate(ctx, req.Prompt)
	if err != nil {
		recordSpanError(span, err)
		return datatypes.GenerationResult{}, err
	}
	if err := s.store.AppendMessagePair(ctx, req.ChatID, toPair(req.Prompt, resp)); err != nil {
		recordSpanError(span, err)
		s.logger.Error("Generated response was not saved", "chat_id", req.ChatID, "error", err)
		return datatypes.GenerationResult{}, err
	}
	return toResult(resp), nil
}

// CountTokens returns the provider's token count for the prompt.
func (s *ChatService) CountTokens(ctx context.Context, req datatypes.TokenCountRequest) (int, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.CountTokens")
	defer span.End()

	if err := req.Validate(); err != nil {
		return 0, err
	}
	n, err := s.gateway.CountTokens(ctx, req.Prompt)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	return n, nil
}

// GetChat returns one chat with its messages.
func (s *ChatService) GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.GetChat")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", chatID))

	if chatID == "" {
		return nil, datatypes.ErrChatNotFound
	}
	return s.store.GetChat(ctx, chatID)
}

// ListChats returns the session's chats, most recently active first.
func (s *ChatService) ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.ListChats")
	defer span.End()

	if sessionID == "" {
		return nil, &datatypes.ValidationError{Field: "sessionId", Message: datatypes.MsgSessionIDRequired}
	}
	return s.store.ListChats(ctx, sessionID)
}

// =============================================================================
// Streaming
// =============================================================================

// terminalOnce guarantees a single terminal callback and no chunk after it.
type terminalOnce struct {
	mu   sync.Mutex
	done bool
	h    StreamHandlers
}

func newTerminalOnce(h StreamHandlers) *terminalOnce {
	if h.OnChunk == nil {
		h.OnChunk = func(string) {}
	}
	if h.OnComplete == nil {
		h.OnComplete = func(StreamResult) {}
	}
	if h.OnError == nil {
		h.OnError = func(error) {}
	}
	return &terminalOnce{h: h}
}

func (t *terminalOnce) chunk(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.h.OnChunk(text)
	}
}

func (t *terminalOnce) complete(r StreamResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.done = true
		t.h.OnComplete(r)
	}
}

func (t *terminalOnce) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.done = true
		t.h.OnError(err)
	}
}

func (t *terminalOnce) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// StreamMessage streams a response and persists it once generation ends.
//
// # Description
//
// Chunks are forwarded as the provider produces them and collected in a
// ResponseAccumulator. When the provider finishes:
//
//   - CreateChat set: a chat is created in SessionID with no initial
//     prompt, then the pair is appended to it.
//   - otherwise: the pair is appended to ChatID.
//
// OnComplete carries the provider's token counts and the chat id. Any
// failure goes to OnError. A request that neither creates a chat nor
// names one fails with ErrMissingChatID before the provider is called.
//
// # Inputs
//
//   - ctx: Request context. Cancelling it aborts generation. Persistence
//     of a finished stream runs detached from it, bounded by
//     persistTimeout.
//   - req: The stream request.
//   - h: Callbacks.
//
// # Limitations
//
//   - A persistence failure after a successful stream is reported but the
//     already delivered chunks cannot be withdrawn.
func (s *ChatService) StreamMessage(ctx context.Context, req datatypes.StreamPromptRequest, h StreamHandlers) {
	ctx, span := chatTracer.Start(ctx, "ChatService.StreamMessage")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("chat.create", req.CreateChat),
		attribute.String("chat.id", req.ChatID),
	)

	sink := newTerminalOnce(h)

	if err := req.Validate(); err != nil {
		sink.fail(err)
		return
	}
	if !req.CreateChat && req.ChatID == "" {
		s.logger.Warn("Stream request names no chat", "session_id", req.SessionID)
		sink.fail(datatypes.ErrMissingChatID)
		return
	}

	acc, err := s.newAccumulator()
	if err != nil {
		recordSpanError(span, err)
		sink.fail(fmt.Errorf("allocate response buffer: %w", err))
		return
	}
	defer acc.Destroy()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var overflow error
	s.gateway.GenerateStreaming(genCtx, req.Prompt, llm.StreamCallbacks{
		OnChunk: func(text string) {
			if overflow != nil {
				return
			}
			if err := acc.Write(text); err != nil {
				overflow = err
				cancel()
				return
			}
			sink.chunk(text)
		},
		OnComplete: func(final llm.Response) {
			s.persistStream(ctx, span, req, final, acc, sink)
		},
		OnError: func(err error) {
			if overflow != nil {
				err = datatypes.NewUpstreamError("accumulator", "stream", overflow)
			}
			recordSpanError(span, err)
			sink.fail(err)
		},
	})

	if !sink.finished() {
		err := datatypes.NewUpstreamError("gateway", "stream", errStreamNoResult)
		recordSpanError(span, err)
		s.logger.Error("Gateway returned without a terminal callback", "chat_id", req.ChatID)
		sink.fail(err)
	}
}

// persistStream stores a finished stream and reports the outcome.
func (s *ChatService) persistStream(ctx context.Context, span trace.Span, req datatypes.StreamPromptRequest,
	final llm.Response, acc ResponseAccumulator, sink *terminalOnce) {

	text, digest, err := acc.Finalize()
	if err != nil {
		recordSpanError(span, err)
		sink.fail(datatypes.NewUpstreamError("accumulator", "finalize", err))
		return
	}
	final.Text = text

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	chatID := req.ChatID
	if req.CreateChat {
		chatID, err = s.store.CreateChat(storeCtx, req.SessionID, nil)
		if err != nil {
			recordSpanError(span, err)
			s.logger.Error("Generated response was not saved: chat creation failed",
				"session_id", req.SessionID, "error", err)
			sink.fail(err)
			return
		}
	}
	if err := s.store.AppendMessagePair(storeCtx, chatID, toPair(req.Prompt, final)); err != nil {
		recordSpanError(span, err)
		s.logger.Error("Generated response was not saved", "chat_id", chatID, "error", err)
		if req.CreateChat && errors.Is(err, datatypes.ErrChatNotFound) {
			// The chat was created a moment ago, so this is a store fault.
			err = &datatypes.StoreError{Backend: "chatstore", Op: "append_message_pair", Err: err}
		}
		sink.fail(err)
		return
	}

	span.SetAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("llm.prompt_tokens", final.PromptTokenCount),
		attribute.Int("llm.response_tokens", final.ResponseTokenCount),
	)
	s.logger.Debug("Streamed response saved",
		"chat_id", chatID,
		"response_bytes", len(text),
		"response_sha256", digest,
	)
	sink.complete(StreamResult{
		PromptTokenSize:   final.PromptTokenCount,
		ResponseTokenSize: final.ResponseTokenCount,
		ChatID:            chatID,
	})
}
