// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatview holds the client-side state of one chat window.
//
// # Architecture
//
//	         ┌──────────────┐  events   ┌──────────┐
//	UI ────► │     View     │ ────────► │  Reduce  │ (pure)
//	         │ (imperative) │ ◄──────── │          │
//	         └──────┬───────┘   State   └──────────┘
//	                │
//	     Backend ───┼─── KVStore ─── Navigator
//
// Reduce owns every change to the message list. View performs the I/O
// (HTTP, client-local storage, navigation) and feeds the outcomes back as
// events.
package chatview

import (
	"strconv"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Messages
// =============================================================================

// Sender tags who a visible message is from.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// Token size placeholders shown before the server confirms a count.
const (
	TokenSizeCalculating = "calculating..."
	TokenSizeUnknown     = "?"
)

// User-facing texts.
const (
	ErrorMessagePrefix = "Sorry, there was an error processing your request: "
	EmptyResponseText  = "I received your message, but couldn't formulate a response."
)

// Message is one entry of the visible list. It is a superset of the
// persisted datatypes.Message used only on the client.
type Message struct {
	ID          string `json:"id"`
	Sender      Sender `json:"sender"`
	Text        string `json:"text"`
	TokenSize   string `json:"tokenSize"`
	Timestamp   int64  `json:"timestamp"`
	IsStreaming bool   `json:"isStreaming,omitempty"`
	IsError     bool   `json:"isError,omitempty"`
}

// =============================================================================
// Mode and Phase
// =============================================================================

// Mode is either new-chat (empty ChatID) or existing-chat:<ChatID>.
type Mode struct {
	ChatID string
}

// NewChatMode is the mode before any chat id is known.
var NewChatMode = Mode{}

// ExistingChat returns the mode for chatID.
func ExistingChat(chatID string) Mode {
	return Mode{ChatID: chatID}
}

// IsNew reports new-chat mode.
func (m Mode) IsNew() bool {
	return m.ChatID == ""
}

func (m Mode) String() string {
	if m.IsNew() {
		return "new-chat"
	}
	return "existing-chat:" + m.ChatID
}

// Phase is where the window is in the submit cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseSubmitting:
		return "submitting"
	case PhaseStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// State is everything the window renders.
//
// # Description
//
// Persisted is the side buffer: a copy of Messages refreshed by every
// message mutation. It lets the window survive the navigation from the
// new-chat route to /chat/<id> without refetching and clobbering the
// messages just shown. ActiveStream is the placeholder id of the stream
// the state currently accepts events from.
type State struct {
	Mode         Mode
	Phase        Phase
	Messages     []Message
	Persisted    []Message
	ActiveStream string
}

// =============================================================================
// Events
// =============================================================================

// Event is a tagged update fed to Reduce.
type Event interface {
	isEvent()
}

// UserMessageAdded appends the optimistic user message.
type UserMessageAdded struct {
	ID        string
	Text      string
	Timestamp int64
}

// StreamStarted appends the empty AI placeholder.
type StreamStarted struct {
	PlaceholderID string
	Timestamp     int64
}

// ChunkAppended extends the placeholder's text.
type ChunkAppended struct {
	PlaceholderID string
	Text          string
}

// StreamCompleted finalizes the placeholder. A non-empty ChatID in
// new-chat mode moves the window to that chat.
type StreamCompleted struct {
	PlaceholderID     string
	UserMessageID     string
	PromptTokenSize   int
	ResponseTokenSize int
	ChatID            string
}

// StreamFailed replaces the placeholder with a system error message.
type StreamFailed struct {
	PlaceholderID string
	UserMessageID string
	Message       string
}

// ResponseReceived appends a single-shot response in one step.
type ResponseReceived struct {
	ID                string
	UserMessageID     string
	Text              string
	PromptTokenSize   int
	ResponseTokenSize int
	ChatID            string
	Timestamp         int64
}

// RequestFailed appends a system error message for a single-shot call.
type RequestFailed struct {
	ID            string
	UserMessageID string
	Message       string
	Timestamp     int64
}

// ChatSelected switches to an existing chat and clears the list.
type ChatSelected struct {
	ChatID string
}

// NewChatStarted switches to new-chat mode and clears the list.
type NewChatStarted struct{}

// HistoryLoaded replaces the list with a chat fetched from the server.
type HistoryLoaded struct {
	ChatID   string
	Messages []Message
}

// ChatCleared empties the list, the side buffer and the active chat id.
type ChatCleared struct{}

// SideBufferRestored shows the side buffer again after a navigation.
type SideBufferRestored struct {
	ChatID string
}

func (UserMessageAdded) isEvent()   {}
func (StreamStarted) isEvent()      {}
func (ChunkAppended) isEvent()      {}
func (StreamCompleted) isEvent()    {}
func (StreamFailed) isEvent()       {}
func (ResponseReceived) isEvent()   {}
func (RequestFailed) isEvent()      {}
func (ChatSelected) isEvent()       {}
func (NewChatStarted) isEvent()     {}
func (HistoryLoaded) isEvent()      {}
func (ChatCleared) isEvent()        {}
func (SideBufferRestored) isEvent() {}

// =============================================================================
// Reducer
// =============================================================================

// Reduce returns the state after ev. It never mutates s.
//
// # Description
//
// Stream events whose PlaceholderID is not the ActiveStream are dropped,
// so callbacks of a stream cancelled by a chat switch cannot touch the
// new chat. Every event that changes Messages also refreshes Persisted.
func Reduce(s State, ev Event) State {
	next := s
	next.Messages = cloneMessages(s.Messages)

	switch e := ev.(type) {
	case UserMessageAdded:
		next.Messages = append(next.Messages, Message{
			ID: e.ID, Sender: SenderUser, Text: e.Text,
			TokenSize: TokenSizeCalculating, Timestamp: e.Timestamp,
		})
		next.Phase = PhaseSubmitting

	case StreamStarted:
		next.Messages = append(next.Messages, Message{
			ID: e.PlaceholderID, Sender: SenderAI, TokenSize: TokenSizeCalculating,
			Timestamp: e.Timestamp, IsStreaming: true,
		})
		next.Phase = PhaseStreaming
		next.ActiveStream = e.PlaceholderID

	case ChunkAppended:
		if e.PlaceholderID != s.ActiveStream {
			return s
		}
		i := indexOf(next.Messages, e.PlaceholderID)
		if i < 0 {
			return s
		}
		next.Messages[i].Text += e.Text

	case StreamCompleted:
		if e.PlaceholderID != s.ActiveStream {
			return s
		}
		if i := indexOf(next.Messages, e.PlaceholderID); i >= 0 {
			next.Messages[i].IsStreaming = false
			next.Messages[i].TokenSize = strconv.Itoa(e.ResponseTokenSize)
		}
		setTokenSize(next.Messages, e.UserMessageID, strconv.Itoa(e.PromptTokenSize))
		next.Phase = PhaseIdle
		next.ActiveStream = ""
		next.Mode = assignChat(s.Mode, e.ChatID)

	case StreamFailed:
		if e.PlaceholderID != s.ActiveStream {
			return s
		}
		if i := indexOf(next.Messages, e.PlaceholderID); i >= 0 {
			next.Messages[i] = errorMessage(e.PlaceholderID, e.Message, next.Messages[i].Timestamp)
		}
		setTokenSize(next.Messages, e.UserMessageID, TokenSizeUnknown)
		next.Phase = PhaseIdle
		next.ActiveStream = ""

	case ResponseReceived:
		text := e.Text
		if text == "" {
			text = EmptyResponseText
		}
		setTokenSize(next.Messages, e.UserMessageID, strconv.Itoa(e.PromptTokenSize))
		next.Messages = append(next.Messages, Message{
			ID: e.ID, Sender: SenderAI, Text: text,
			TokenSize: strconv.Itoa(e.ResponseTokenSize), Timestamp: e.Timestamp,
		})
		next.Phase = PhaseIdle
		next.Mode = assignChat(s.Mode, e.ChatID)

	case RequestFailed:
		setTokenSize(next.Messages, e.UserMessageID, TokenSizeUnknown)
		next.Messages = append(next.Messages, errorMessage(e.ID, e.Message, e.Timestamp))
		next.Phase = PhaseIdle

	case ChatSelected:
		next = State{Mode: ExistingChat(e.ChatID)}

	case NewChatStarted, ChatCleared:
		next = State{Mode: NewChatMode}

	case HistoryLoaded:
		if e.ChatID != s.Mode.ChatID || s.Phase != PhaseIdle {
			return s
		}
		next.Messages = cloneMessages(e.Messages)

	case SideBufferRestored:
		if e.ChatID != s.Mode.ChatID {
			return s
		}
		next.Messages = cloneMessages(s.Persisted)

	default:
		return s
	}

	next.Persisted = cloneMessages(next.Messages)
	return next
}

// assignChat moves new-chat mode to the minted chat. An existing chat
// keeps its id.
func assignChat(m Mode, chatID string) Mode {
	if m.IsNew() && chatID != "" {
		return ExistingChat(chatID)
	}
	return m
}

func errorMessage(id, msg string, ts int64) Message {
	return Message{
		ID: id, Sender: SenderSystem, Text: ErrorMessagePrefix + msg,
		TokenSize: TokenSizeUnknown, Timestamp: ts, IsError: true,
	}
}

func setTokenSize(msgs []Message, id, size string) {
	if i := indexOf(msgs, id); i >= 0 {
		msgs[i].TokenSize = size
	}
}

func indexOf(msgs []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// FromChat converts a persisted chat into visible messages.
func FromChat(chat *datatypes.Chat) []Message {
	out := make([]Message, 0, len(chat.Messages))
	for i, m := range chat.Messages {
		sender := SenderAI
		if m.Type == datatypes.MessageTypePrompt {
			sender = SenderUser
		}
		out = append(out, Message{
			ID:        chat.ID + "-" + strconv.Itoa(i),
			Sender:    sender,
			Text:      m.Content,
			TokenSize: strconv.Itoa(m.TokenSize),
			Timestamp: m.Timestamp,
		})
	}
	return out
}
