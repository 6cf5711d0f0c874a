// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chatclient"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// ErrBusy is returned by Submit while a request is in flight.
var ErrBusy = errors.New("a request is already in progress")

// Backend is the server API the view calls. *chatclient.Client
// implements it.
type Backend interface {
	Health(ctx context.Context) (string, error)
	CreateChat(ctx context.Context, sessionID, initialPrompt string) (datatypes.CreateChatResponse, error)
	SendMessage(ctx context.Context, chatID, prompt string) (datatypes.GenerationResult, error)
	StreamPrompt(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error
	GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error)
	ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error)
}

var _ Backend = (*chatclient.Client)(nil)

// BackendStatus is the last health check outcome.
type BackendStatus string

const (
	BackendChecking     BackendStatus = "checking"
	BackendConnected    BackendStatus = "connected"
	BackendDisconnected BackendStatus = "disconnected"
)

// =============================================================================
// View
// =============================================================================

// View is the imperative shell around Reduce.
//
// # Description
//
// View performs the I/O of a chat window and turns every outcome into an
// event for Reduce. Dispatches are serialized under a mutex, so the
// message list and its side buffer are always updated together. After
// each dispatch the subscribers see the new state.
//
// Navigation happens in two places only: a replace to /chat/<id> the one
// time a submit mints a chat id, and a replace to "/" when the active chat
// turns out not to exist. SelectChat and NewChat push.
//
// # Thread Safety
//
// Safe for concurrent use. Submit blocks until its request finishes;
// SelectChat, NewChat and ClearChat may be called meanwhile and cancel it.
type View struct {
	backend Backend
	kv      KVStore
	nav     Navigator
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	streaming bool
	sessionID string

	mu           sync.Mutex
	state        State
	inFlight     bool
	creating     bool
	gen          uint64
	cancel       context.CancelFunc
	chats        []*datatypes.Chat
	status       BackendStatus
	subscribers  []func(State)
	lastSavedKey string
}

// Option configures a View.
type Option func(*View)

// WithStreaming selects streamed (true, the default) or single-shot
// responses.
func WithStreaming(on bool) Option {
	return func(v *View) { v.streaming = on }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *View) { v.logger = l }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(fn func() time.Time) Option {
	return func(v *View) { v.now = fn }
}

// WithIDGenerator replaces uuid v4 message and session ids.
func WithIDGenerator(fn func() string) Option {
	return func(v *View) { v.newID = fn }
}

// New creates a view and restores its identity from kv.
//
// # Description
//
// The session id is read from kv, or generated and saved on first use.
// A stored active chat id puts the view in existing-chat mode, and the
// stored side buffer is shown again when it belongs to that chat.
//
// # Outputs
//
//   - *View: Ready to use. Call HandleRoute or Start to load data.
//   - error: kv failures.
func New(backend Backend, kv KVStore, nav Navigator, opts ...Option) (*View, error) {
	if backend == nil || kv == nil || nav == nil {
		return nil, errors.New("chatview: backend, kv and navigator are required")
	}
	v := &View{
		backend:   backend,
		kv:        kv,
		nav:       nav,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		streaming: true,
		status:    BackendChecking,
	}
	for _, opt := range opts {
		opt(v)
	}

	sessionID, ok, err := kv.Get(KeySessionID)
	if err != nil {
		return nil, fmt.Errorf("load session id: %w", err)
	}
	if !ok || sessionID == "" {
		sessionID = v.newID()
		if err := kv.Set(KeySessionID, sessionID); err != nil {
			return nil, fmt.Errorf("save session id: %w", err)
		}
	}
	v.sessionID = sessionID

	chatID, _, err := kv.Get(KeyActiveChatID)
	if err != nil {
		return nil, fmt.Errorf("load active chat: %w", err)
	}
	if chatID != "" {
		v.state = State{Mode: ExistingChat(chatID)}
		if saved := v.loadSideBuffer(chatID); len(saved) > 0 {
			v.state.Messages = saved
			v.state.Persisted = cloneMessages(saved)
		}
	}
	return v, nil
}

// SessionID returns the client session id.
func (v *View) SessionID() string {
	return v.sessionID
}

// Streaming reports whether responses are streamed.
func (v *View) Streaming() bool {
	return v.streaming
}

// State returns a copy of the current state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.state
	s.Messages = cloneMessages(s.Messages)
	s.Persisted = cloneMessages(s.Persisted)
	return s
}

// Chats returns the last loaded chat list, newest first.
func (v *View) Chats() []*datatypes.Chat {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*datatypes.Chat(nil), v.chats...)
}

// Status returns the backend status.
func (v *View) Status() BackendStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Subscribe registers fn to run after every state change.
func (v *View) Subscribe(fn func(State)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subscribers = append(v.subscribers, fn)
}

// =============================================================================
// Startup and Navigation
// =============================================================================

// Start checks the backend and loads the chat list.
func (v *View) Start(ctx context.Context) {
	v.CheckHealth(ctx)
	if err := v.RefreshChats(ctx); err != nil {
		v.logger.Warn("Failed to load chat list", "error", err)
	}
}

// CheckHealth updates Status from GET /health.
func (v *View) CheckHealth(ctx context.Context) BackendStatus {
	v.setStatus(BackendChecking)
	status := BackendConnected
	if _, err := v.backend.Health(ctx); err != nil {
		v.logger.Warn("Backend health check failed", "error", err)
		status = BackendDisconnected
	}
	v.setStatus(status)
	return status
}

// RefreshChats reloads the session's chat list.
func (v *View) RefreshChats(ctx context.Context) error {
	chats, err := v.backend.ListChats(ctx, v.sessionID)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	v.mu.Lock()
	v.chats = chats
	subs, s := v.snapshotLocked()
	v.mu.Unlock()
	notify(subs, s)
	return nil
}

// HandleRoute reacts to the window arriving at route.
//
// # Description
//
// For /chat/<id> of the chat already held, the side buffer is shown again
// without a fetch. That is the case right after a submit minted the id and
// replaced the route. Other chat routes load the history, unless a chat
// creation is in flight. The new-chat route needs no loading.
func (v *View) HandleRoute(ctx context.Context, route string) error {
	chatID := ChatIDFromRoute(route)
	if chatID == "" {
		return nil
	}

	v.mu.Lock()
	held := v.state.Mode.ChatID == chatID
	hasBuffer := len(v.state.Persisted) > 0
	v.mu.Unlock()

	if held && hasBuffer {
		v.dispatch(SideBufferRestored{ChatID: chatID})
		return nil
	}
	if !held {
		v.cancelInFlight()
		v.dispatch(ChatSelected{ChatID: chatID})
		v.saveActiveChat(chatID)
	}
	return v.LoadHistory(ctx, chatID)
}

// SelectChat switches to chatID. The list is cleared before the history
// load starts, and any in-flight request is cancelled.
func (v *View) SelectChat(ctx context.Context, chatID string) error {
	v.cancelInFlight()
	v.dispatch(ChatSelected{ChatID: chatID})
	v.saveActiveChat(chatID)
	v.nav.Push(ChatRoute(chatID))
	return v.LoadHistory(ctx, chatID)
}

// NewChat switches to new-chat mode.
func (v *View) NewChat() {
	v.cancelInFlight()
	v.dispatch(NewChatStarted{})
	v.saveActiveChat("")
	v.nav.Push(RouteNewChat)
}

// ClearChat empties the list, the side buffer and the active chat id.
func (v *View) ClearChat() {
	v.cancelInFlight()
	v.dispatch(ChatCleared{})
	v.saveActiveChat("")
}

// LoadHistory fetches chatID and shows its messages.
//
// # Description
//
// Skipped while a chat creation is in flight. An unknown chat resets the
// view to new-chat mode and replaces the route with "/".
func (v *View) LoadHistory(ctx context.Context, chatID string) error {
	v.mu.Lock()
	creating := v.creating
	v.mu.Unlock()
	if creating {
		v.logger.Debug("Skipping history load during chat creation", "chat_id", chatID)
		return nil
	}

	chat, err := v.backend.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, datatypes.ErrChatNotFound) {
			v.logger.Info("Active chat no longer exists", "chat_id", chatID)
			v.dispatch(NewChatStarted{})
			v.saveActiveChat("")
			v.nav.Replace(RouteNewChat)
			return nil
		}
		return fmt.Errorf("load chat %s: %w", chatID, err)
	}
	v.dispatch(HistoryLoaded{ChatID: chatID, Messages: FromChat(chat)})
	return nil
}

// =============================================================================
// Submit
// =============================================================================

// Submit sends text as the next prompt.
//
// # Description
//
//  1. The optimistic user message is shown before any network call.
//  2. Streaming mode streams, with createChat=true when no chat id is
//     known yet. Single-shot mode calls CreateChat or SendMessage.
//  3. The outcome is folded in; a minted chat id moves the view to that
//     chat with exactly one Navigator.Replace.
//
// # Outputs
//
//   - error: ErrBusy, or the request error (already shown as a system
//     message). nil when the exchange completed.
func (v *View) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	v.mu.Lock()
	if v.inFlight {
		v.mu.Unlock()
		return ErrBusy
	}
	v.inFlight = true
	v.gen++
	gen := v.gen
	chatID := v.state.Mode.ChatID
	reqCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	if chatID == "" {
		v.creating = true
	}
	v.mu.Unlock()

	defer func() {
		cancel()
		v.mu.Lock()
		if v.gen == gen {
			v.inFlight = false
			v.creating = false
			v.cancel = nil
		}
		v.mu.Unlock()
	}()

	userID := v.newID()
	v.dispatch(UserMessageAdded{ID: userID, Text: text, Timestamp: v.now().UnixMilli()})

	var err error
	if v.streaming {
		err = v.stream(reqCtx, gen, userID, chatID, text)
	} else {
		err = v.singleShot(reqCtx, gen, userID, chatID, text)
	}
	if err == nil && chatID == "" {
		if rerr := v.RefreshChats(ctx); rerr != nil {
			v.logger.Warn("Failed to refresh chat list", "error", rerr)
		}
	}
	return err
}

func (v *View) stream(ctx context.Context, gen uint64, userID, chatID, text string) error {
	placeholder := v.newID()
	v.dispatchIf(gen, StreamStarted{PlaceholderID: placeholder, Timestamp: v.now().UnixMilli()})

	req := datatypes.StreamPromptRequest{Prompt: text, ChatID: chatID}
	if chatID == "" {
		req.CreateChat = true
		req.SessionID = v.sessionID
	}

	return v.backend.StreamPrompt(ctx, req, chatclient.StreamCallbacks{
		OnChunk: func(chunk string) {
			v.dispatchIf(gen, ChunkAppended{PlaceholderID: placeholder, Text: chunk})
		},
		OnComplete: func(c chatclient.Completion) {
			v.dispatchIf(gen, StreamCompleted{
				PlaceholderID:     placeholder,
				UserMessageID:     userID,
				PromptTokenSize:   c.PromptTokenSize,
				ResponseTokenSize: c.ResponseTokenSize,
				ChatID:            c.ChatID,
			})
		},
		OnError: func(err error) {
			v.logger.Warn("Stream failed", "error", err)
			v.dispatchIf(gen, StreamFailed{PlaceholderID: placeholder, UserMessageID: userID, Message: errorText(err)})
		},
	})
}

func (v *View) singleShot(ctx context.Context, gen uint64, userID, chatID, text string) error {
	var (
		result datatypes.GenerationResult
		newID  string
		err    error
	)
	if chatID == "" {
		var resp datatypes.CreateChatResponse
		resp, err = v.backend.CreateChat(ctx, v.sessionID, text)
		result, newID = resp.Response, resp.ChatID
	} else {
		result, err = v.backend.SendMessage(ctx, chatID, text)
	}
	if err != nil {
		v.logger.Warn("Request failed", "error", err)
		v.dispatchIf(gen, RequestFailed{
			ID: v.newID(), UserMessageID: userID, Message: errorText(err), Timestamp: v.now().UnixMilli(),
		})
		return err
	}
	v.dispatchIf(gen, ResponseReceived{
		ID:                v.newID(),
		UserMessageID:     userID,
		Text:              result.Text,
		PromptTokenSize:   result.PromptTokenSize,
		ResponseTokenSize: result.ResponseTokenSize,
		ChatID:            newID,
		Timestamp:         v.now().UnixMilli(),
	})
	return nil
}

// errorText picks the part of err worth showing users.
func errorText(err error) string {
	var serr *chatclient.ServerError
	var apiErr *chatclient.APIError
	switch {
	case errors.As(err, &serr):
		return serr.Message
	case errors.As(err, &apiErr):
		return apiErr.Message
	default:
		return err.Error()
	}
}

// =============================================================================
// Dispatch
// =============================================================================

// dispatch folds ev into the state, persists the side buffer and
// performs the id-assignment navigation.
func (v *View) dispatch(ev Event) {
	v.mu.Lock()
	v.applyLocked(ev)
	subs, s := v.snapshotLocked()
	v.mu.Unlock()
	notify(subs, s)
}

// dispatchIf drops events of a request that was cancelled or superseded.
func (v *View) dispatchIf(gen uint64, ev Event) {
	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		return
	}
	v.applyLocked(ev)
	subs, s := v.snapshotLocked()
	v.mu.Unlock()
	notify(subs, s)
}

func (v *View) applyLocked(ev Event) {
	prev := v.state
	v.state = Reduce(prev, ev)

	if prev.Mode.IsNew() && !v.state.Mode.IsNew() {
		switch ev.(type) {
		case StreamCompleted, ResponseReceived:
			v.creating = false
			v.saveActiveChat(v.state.Mode.ChatID)
			v.nav.Replace(ChatRoute(v.state.Mode.ChatID))
		}
	}

	// Chunks only touch the in-memory buffer; the completed text is
	// written once the stream ends.
	if _, chunk := ev.(ChunkAppended); !chunk {
		v.saveSideBuffer()
	}
}

func (v *View) snapshotLocked() ([]func(State), State) {
	s := v.state
	s.Messages = cloneMessages(s.Messages)
	s.Persisted = cloneMessages(s.Persisted)
	return append(([]func(State))(nil), v.subscribers...), s
}

func notify(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s)
	}
}

// cancelInFlight aborts the current request; its late callbacks are
// dropped by dispatchIf.
func (v *View) cancelInFlight() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.gen++
	v.inFlight = false
	v.creating = false
}

func (v *View) setStatus(s BackendStatus) {
	v.mu.Lock()
	v.status = s
	subs, st := v.snapshotLocked()
	v.mu.Unlock()
	notify(subs, st)
}

// =============================================================================
// Client-local Storage
// =============================================================================

// sideBuffer is the stored form of State.Persisted.
type sideBuffer struct {
	ChatID   string    `json:"chatId"`
	Messages []Message `json:"messages"`
}

func (v *View) saveSideBuffer() {
	data, err := json.Marshal(sideBuffer{ChatID: v.state.Mode.ChatID, Messages: v.state.Persisted})
	if err != nil {
		v.logger.Warn("Failed to encode side buffer", "error", err)
		return
	}
	if string(data) == v.lastSavedKey {
		return
	}
	if err := v.kv.Set(KeyMessages, string(data)); err != nil {
		v.logger.Warn("Failed to save side buffer", "error", err)
		return
	}
	v.lastSavedKey = string(data)
}

func (v *View) loadSideBuffer(chatID string) []Message {
	raw, ok, err := v.kv.Get(KeyMessages)
	if err != nil || !ok {
		return nil
	}
	var buf sideBuffer
	if err := json.Unmarshal([]byte(raw), &buf); err != nil {
		v.logger.Warn("Discarding unreadable side buffer", "error", err)
		return nil
	}
	if buf.ChatID != chatID {
		return nil
	}
	// A stream cut off by a restart is not coming back.
	for i := range buf.Messages {
		buf.Messages[i].IsStreaming = false
	}
	return buf.Messages
}

func (v *View) saveActiveChat(chatID string) {
	var err error
	if chatID == "" {
		err = v.kv.Delete(KeyActiveChatID)
	} else {
		err = v.kv.Set(KeyActiveChatID, chatID)
	}
	if err != nil {
		v.logger.Warn("Failed to save active chat", "error", err)
	}
}
