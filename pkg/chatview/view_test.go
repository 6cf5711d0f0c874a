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
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chatclient"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Doubles
// =============================================================================

type fakeBackend struct {
	mu        sync.Mutex
	streamFn  func(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error
	chats     map[string]*datatypes.Chat
	healthErr error
	getCalls  int
	streams   []datatypes.StreamPromptRequest
	creates   int
	sends     int
	sendErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chats: map[string]*datatypes.Chat{}}
}

func (f *fakeBackend) Health(ctx context.Context) (string, error) {
	if f.healthErr != nil {
		return "", f.healthErr
	}
	return "Welcome to the AI API", nil
}

func (f *fakeBackend) CreateChat(ctx context.Context, sessionID, prompt string) (datatypes.CreateChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return datatypes.CreateChatResponse{
		ChatID:   "minted",
		Response: datatypes.GenerationResult{Text: "echo: " + prompt, PromptTokenSize: 1, ResponseTokenSize: 2},
	}, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, chatID, prompt string) (datatypes.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return datatypes.GenerationResult{}, f.sendErr
	}
	return datatypes.GenerationResult{Text: "echo: " + prompt, PromptTokenSize: 1, ResponseTokenSize: 2}, nil
}

func (f *fakeBackend) StreamPrompt(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error {
	f.mu.Lock()
	f.streams = append(f.streams, req)
	fn := f.streamFn
	f.mu.Unlock()
	return fn(ctx, req, cb)
}

func (f *fakeBackend) GetChat(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	chat, ok := f.chats[chatID]
	if !ok {
		return nil, &chatclient.APIError{StatusCode: http.StatusNotFound, Message: "Chat not found"}
	}
	return chat, nil
}

func (f *fakeBackend) ListChats(ctx context.Context, sessionID string) ([]*datatypes.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*datatypes.Chat, 0, len(f.chats))
	for _, c := range f.chats {
		out = append(out, c)
	}
	return out, nil
}

// scriptedStream delivers chunks then a completion carrying chatID.
func scriptedStream(chatID string, chunks ...string) func(context.Context, datatypes.StreamPromptRequest, chatclient.StreamCallbacks) error {
	return func(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error {
		for _, c := range chunks {
			cb.OnChunk(c)
		}
		cb.OnComplete(chatclient.Completion{PromptTokenSize: 1, ResponseTokenSize: len(chunks), ChatID: chatID})
		return nil
	}
}

type navRecorder struct {
	mu       sync.Mutex
	pushes   []string
	replaces []string
}

func (n *navRecorder) Push(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, route)
}

func (n *navRecorder) Replace(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaces = append(n.replaces, route)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestView(t *testing.T, backend *fakeBackend, kv KVStore, opts ...Option) (*View, *navRecorder) {
	t.Helper()
	nav := &navRecorder{}
	base := []Option{
		WithLogger(quietLogger()),
		WithIDGenerator(sequentialIDs()),
		WithClock(func() time.Time { return time.UnixMilli(1000) }),
	}
	v, err := New(backend, kv, nav, append(base, opts...)...)
	require.NoError(t, err)
	return v, nav
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_GeneratesAndReusesSessionID(t *testing.T) {
	kv := NewMemoryKV()

	v1, _ := newTestView(t, newFakeBackend(), kv)
	v2, _ := newTestView(t, newFakeBackend(), kv)

	assert.NotEmpty(t, v1.SessionID())
	assert.Equal(t, v1.SessionID(), v2.SessionID())
	stored, ok, _ := kv.Get(KeySessionID)
	assert.True(t, ok)
	assert.Equal(t, v1.SessionID(), stored)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, NewMemoryKV(), &navRecorder{})
	assert.Error(t, err)
}

func TestNew_RestoresActiveChatAndSideBuffer(t *testing.T) {
	kv := NewMemoryKV()
	buf, _ := json.Marshal(sideBuffer{ChatID: "c1", Messages: []Message{
		{ID: "u1", Sender: SenderUser, Text: "Hi"},
		{ID: "a1", Sender: SenderAI, Text: "Hel", IsStreaming: true},
	}})
	require.NoError(t, kv.Set(KeyActiveChatID, "c1"))
	require.NoError(t, kv.Set(KeyMessages, string(buf)))

	v, _ := newTestView(t, newFakeBackend(), kv)
	s := v.State()

	assert.Equal(t, ExistingChat("c1"), s.Mode)
	require.Len(t, s.Messages, 2)
	assert.False(t, s.Messages[1].IsStreaming)
}

func TestNew_IgnoresSideBufferOfOtherChat(t *testing.T) {
	kv := NewMemoryKV()
	buf, _ := json.Marshal(sideBuffer{ChatID: "old", Messages: []Message{{ID: "u1", Text: "Hi"}}})
	require.NoError(t, kv.Set(KeyActiveChatID, "c1"))
	require.NoError(t, kv.Set(KeyMessages, string(buf)))

	v, _ := newTestView(t, newFakeBackend(), kv)

	assert.Empty(t, v.State().Messages)
}

// =============================================================================
// Submit Tests
// =============================================================================

func TestSubmit_StreamingNewChatReplacesRouteOnce(t *testing.T) {
	backend := newFakeBackend()
	backend.streamFn = scriptedStream("minted", "He", "llo")
	kv := NewMemoryKV()
	v, nav := newTestView(t, backend, kv)

	require.NoError(t, v.Submit(context.Background(), "Hi"))

	s := v.State()
	assert.Equal(t, ExistingChat("minted"), s.Mode)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Hello", s.Messages[1].Text)
	assert.Equal(t, "1", s.Messages[0].TokenSize)
	assert.Equal(t, []string{"/chat/minted"}, nav.replaces)
	assert.Empty(t, nav.pushes)

	require.Len(t, backend.streams, 1)
	assert.True(t, backend.streams[0].CreateChat)
	assert.Equal(t, v.SessionID(), backend.streams[0].SessionID)

	active, _, _ := kv.Get(KeyActiveChatID)
	assert.Equal(t, "minted", active)

	// Arriving at the replaced route shows the side buffer without a fetch.
	require.NoError(t, v.HandleRoute(context.Background(), "/chat/minted"))
	assert.Equal(t, 0, backend.getCalls)
	assert.Len(t, v.State().Messages, 2)
}

func TestSubmit_StreamingExistingChatDoesNotNavigate(t *testing.T) {
	backend := newFakeBackend()
	backend.streamFn = scriptedStream("", "ok")
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(KeyActiveChatID, "c1"))
	v, nav := newTestView(t, backend, kv)

	require.NoError(t, v.Submit(context.Background(), "Hi"))

	assert.Empty(t, nav.replaces)
	assert.False(t, backend.streams[0].CreateChat)
	assert.Equal(t, "c1", backend.streams[0].ChatID)
	assert.Equal(t, ExistingChat("c1"), v.State().Mode)
}

func TestSubmit_StreamErrorShowsSystemMessage(t *testing.T) {
	backend := newFakeBackend()
	backend.streamFn = func(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error {
		cb.OnChunk("par")
		err := &chatclient.ServerError{Message: "LLM provider failed"}
		cb.OnError(err)
		return err
	}
	v, nav := newTestView(t, backend, NewMemoryKV())

	err := v.Submit(context.Background(), "Hi")

	require.Error(t, err)
	s := v.State()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, SenderSystem, s.Messages[1].Sender)
	assert.Equal(t, ErrorMessagePrefix+"LLM provider failed", s.Messages[1].Text)
	assert.True(t, s.Mode.IsNew())
	assert.Empty(t, nav.replaces)
}

func TestSubmit_IgnoresBlankInput(t *testing.T) {
	backend := newFakeBackend()
	v, _ := newTestView(t, backend, NewMemoryKV())

	require.NoError(t, v.Submit(context.Background(), "   "))

	assert.Empty(t, v.State().Messages)
	assert.Empty(t, backend.streams)
}

func TestSubmit_BusyWhileInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := newFakeBackend()
	backend.streamFn = func(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error {
		close(started)
		<-release
		cb.OnComplete(chatclient.Completion{})
		return nil
	}
	v, _ := newTestView(t, backend, NewMemoryKV())

	done := make(chan error, 1)
	go func() { done <- v.Submit(context.Background(), "first") }()
	<-started

	assert.ErrorIs(t, v.Submit(context.Background(), "second"), ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestSubmit_SingleShotNewChat(t *testing.T) {
	backend := newFakeBackend()
	v, nav := newTestView(t, backend, NewMemoryKV(), WithStreaming(false))

	require.NoError(t, v.Submit(context.Background(), "Hi"))

	s := v.State()
	assert.Equal(t, 1, backend.creates)
	assert.Equal(t, ExistingChat("minted"), s.Mode)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "echo: Hi", s.Messages[1].Text)
	assert.Equal(t, "2", s.Messages[1].TokenSize)
	assert.Equal(t, []string{"/chat/minted"}, nav.replaces)
}

func TestSubmit_SingleShotError(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = &chatclient.APIError{StatusCode: http.StatusNotFound, Message: "Chat not found"}
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(KeyActiveChatID, "gone"))
	v, _ := newTestView(t, backend, kv, WithStreaming(false))

	err := v.Submit(context.Background(), "Hi")

	require.Error(t, err)
	s := v.State()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, ErrorMessagePrefix+"Chat not found", s.Messages[1].Text)
	assert.Equal(t, TokenSizeUnknown, s.Messages[0].TokenSize)
}

// =============================================================================
// Navigation Tests
// =============================================================================

func TestNewChat_CancelsStreamAndDropsLateEvents(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := newFakeBackend()
	backend.streamFn = func(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error {
		close(started)
		<-ctx.Done()
		<-release
		cb.OnChunk("late")
		cb.OnComplete(chatclient.Completion{ChatID: "late-chat"})
		return nil
	}
	v, nav := newTestView(t, backend, NewMemoryKV())

	done := make(chan error, 1)
	go func() { done <- v.Submit(context.Background(), "Hi") }()
	<-started

	v.NewChat()
	close(release)
	<-done

	s := v.State()
	assert.True(t, s.Mode.IsNew())
	assert.Empty(t, s.Messages)
	assert.Equal(t, []string{RouteNewChat}, nav.pushes)
	assert.Empty(t, nav.replaces)
}

func TestSelectChat_LoadsHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.chats["c1"] = &datatypes.Chat{ID: "c1", Messages: []datatypes.Message{
		{Type: datatypes.MessageTypePrompt, Content: "Hi", TokenSize: 1},
		{Type: datatypes.MessageTypeResponse, Content: "Hello", TokenSize: 1},
	}}
	kv := NewMemoryKV()
	v, nav := newTestView(t, backend, kv)

	require.NoError(t, v.SelectChat(context.Background(), "c1"))

	s := v.State()
	assert.Equal(t, ExistingChat("c1"), s.Mode)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Hello", s.Messages[1].Text)
	assert.Equal(t, []string{"/chat/c1"}, nav.pushes)
	active, _, _ := kv.Get(KeyActiveChatID)
	assert.Equal(t, "c1", active)
}

func TestLoadHistory_NotFoundResetsToNewChat(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(KeyActiveChatID, "gone"))
	v, nav := newTestView(t, newFakeBackend(), kv)

	require.NoError(t, v.HandleRoute(context.Background(), "/chat/gone"))

	assert.True(t, v.State().Mode.IsNew())
	assert.Equal(t, []string{RouteNewChat}, nav.replaces)
	_, ok, _ := kv.Get(KeyActiveChatID)
	assert.False(t, ok)
}

func TestLoadHistory_SkippedWhileCreating(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := newFakeBackend()
	backend.streamFn = func(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error {
		close(started)
		<-release
		cb.OnComplete(chatclient.Completion{ChatID: "minted"})
		return nil
	}
	v, _ := newTestView(t, backend, NewMemoryKV())

	done := make(chan error, 1)
	go func() { done <- v.Submit(context.Background(), "Hi") }()
	<-started

	require.NoError(t, v.LoadHistory(context.Background(), "minted"))
	assert.Equal(t, 0, backend.getCalls)

	close(release)
	require.NoError(t, <-done)
}

func TestClearChat_RemovesStoredState(t *testing.T) {
	backend := newFakeBackend()
	backend.streamFn = scriptedStream("minted", "ok")
	kv := NewMemoryKV()
	v, _ := newTestView(t, backend, kv)
	require.NoError(t, v.Submit(context.Background(), "Hi"))

	v.ClearChat()

	assert.Empty(t, v.State().Messages)
	_, ok, _ := kv.Get(KeyActiveChatID)
	assert.False(t, ok)
	raw, _, _ := kv.Get(KeyMessages)
	var buf sideBuffer
	require.NoError(t, json.Unmarshal([]byte(raw), &buf))
	assert.Empty(t, buf.Messages)
}

// =============================================================================
// Status and Subscription Tests
// =============================================================================

func TestCheckHealth(t *testing.T) {
	backend := newFakeBackend()
	v, _ := newTestView(t, backend, NewMemoryKV())

	assert.Equal(t, BackendConnected, v.CheckHealth(context.Background()))

	backend.healthErr = errors.New("connection refused")
	assert.Equal(t, BackendDisconnected, v.CheckHealth(context.Background()))
	assert.Equal(t, BackendDisconnected, v.Status())
}

func TestSubmit_RefreshesChatListAfterCreate(t *testing.T) {
	backend := newFakeBackend()
	backend.streamFn = func(ctx context.Context, req datatypes.StreamPromptRequest, cb chatclient.StreamCallbacks) error {
		backend.mu.Lock()
		backend.chats["minted"] = &datatypes.Chat{ID: "minted"}
		backend.mu.Unlock()
		cb.OnComplete(chatclient.Completion{ChatID: "minted"})
		return nil
	}
	v, _ := newTestView(t, backend, NewMemoryKV())

	require.NoError(t, v.Submit(context.Background(), "Hi"))

	require.Len(t, v.Chats(), 1)
	assert.Equal(t, "minted", v.Chats()[0].ID)
}

func TestSubscribe_SeesEveryChunk(t *testing.T) {
	backend := newFakeBackend()
	backend.streamFn = scriptedStream("minted", "a", "b")
	v, _ := newTestView(t, backend, NewMemoryKV())
	var texts []string
	v.Subscribe(func(s State) {
		if n := len(s.Messages); n == 2 {
			texts = append(texts, s.Messages[1].Text)
		}
	})

	require.NoError(t, v.Submit(context.Background(), "Hi"))

	// Placeholder, two chunks, completion, then the chat list refresh.
	assert.Equal(t, []string{"", "a", "ab", "ab", "ab"}, texts)
}

// =============================================================================
// BadgerKV Tests
// =============================================================================

func TestBadgerKV_InMemory(t *testing.T) {
	kv, err := OpenBadgerKV("", nil)
	require.NoError(t, err)
	defer kv.Close()

	_, ok, err := kv.Get(KeySessionID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(KeySessionID, "s1"))
	got, ok, err := kv.Get(KeySessionID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s1", got)

	require.NoError(t, kv.Delete(KeySessionID))
	_, ok, _ = kv.Get(KeySessionID)
	assert.False(t, ok)
}

func TestBadgerKV_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	kv, err := OpenBadgerKV(dir, nil)
	require.NoError(t, err)
	require.NoError(t, kv.Set(KeyActiveChatID, "c1"))
	require.NoError(t, kv.Close())

	kv, err = OpenBadgerKV(dir, nil)
	require.NoError(t, err)
	defer kv.Close()
	got, ok, err := kv.Get(KeyActiveChatID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", got)
}
