// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

const (
	// DefaultBaseURL is the orchestrator's default listen address.
	DefaultBaseURL = "http://localhost:12210"

	// DefaultRequestTimeout bounds each JSON request.
	DefaultRequestTimeout = 60 * time.Second

	// DefaultStreamTimeout bounds one streamed response end to end.
	DefaultStreamTimeout = 5 * time.Minute

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 * 1024
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 to datatypes.ErrChatNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return datatypes.ErrChatNotFound
	}
	return nil
}

// =============================================================================
// Client
// =============================================================================

// Client calls the AleutianChat HTTP API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	streamTimeout  time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient. Its Timeout should be zero;
// streams are bounded by the stream timeout instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestTimeout bounds each non-streaming request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithStreamTimeout bounds each streamed response. On expiry the transport
// is aborted and OnError receives context.DeadlineExceeded.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.streamTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     http.DefaultClient,
		requestTimeout: DefaultRequestTimeout,
		streamTimeout:  DefaultStreamTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// JSON Endpoints
// =============================================================================

// Health calls GET /health and returns the liveness text.
func (c *Client) Health(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("read health body: %w", err)
	}
	return string(body), nil
}

// CreateChat calls POST /chats. An empty initialPrompt creates an empty chat.
func (c *Client) CreateChat(ctx context.Context, sessionID, initialPrompt string) (datatypes.CreateChatResponse, error) {
	var out datatypes.CreateChatResponse
	err := c.doJSON(ctx, http.MethodPost, "/chats",
		datatypes.CreateChatRequest{SessionID: sessionID, InitialPrompt: initialPrompt}, &out)
	return out, err
}

// SendMessage calls POST /chats/message.
func (c *Client) SendMessage(ctx context.Context, chatID, prompt string) (datatypes.GenerationResult, error) {
	var out datatypes.SendMessageResponse
	err := c.doJSON(ctx, http.MethodPost, "/chats/message",
		datatypes.SendMessageRequest{ChatID: chatID, Prompt: prompt}, &out)
	return out.Response, err
}

// CountTokens calls POST /prompt/tokens.
func (c *Client) CountTokens(ctx context.Context, prompt string) (int, error) {
	var n int
	err := c.doJSON(ctx, http.MethodPost, "/prompt/tokens", datatypes.TokenCountRequest{Prompt: prompt}, &n)
	return n, err
}

// GetChat calls GET /chats/:chatId. Unknown ids match datatypes.ErrChatNotFound.
func (c *Client) GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	var chat datatypes.Chat
	if err := c.doJSON(ctx, http.MethodGet, "/chats/"+pathEscape(chatID), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListChats calls GET /sessions/:sessionId/chats, newest first.
func (c *Client) ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error) {
	var chats []*datatypes.Chat
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+pathEscape(sessionID)+"/chats", nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// =============================================================================
// Streaming
// =============================================================================

// StreamPrompt calls POST /prompt/stream and feeds the response to Consume.
//
// # Description
//
// Exactly one of cb.OnComplete or cb.OnError runs, including when the
// request itself fails or the server answers with a JSON error. The whole
// exchange is bounded by the stream timeout; cancelling ctx aborts the
// transport.
//
// # Outputs
//
//   - error: The error passed to OnError, or nil.
func (c *Client) StreamPrompt(ctx context.Context, req datatypes.StreamPromptRequest, cb StreamCallbacks) error {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	fail := func(err error) error {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fail(fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt/stream", bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr)
		}
		return fail(fmt.Errorf("open stream: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(readAPIError(resp))
	}
	return Consume(ctx, resp.Body, cb, c.logger)
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// readAPIError turns an error response into *APIError, using the
// {"error": "..."} body when present.
func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body datatypes.ErrorResponse
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}

// IsNotFound reports whether err means the chat does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, datatypes.ErrChatNotFound)
}
