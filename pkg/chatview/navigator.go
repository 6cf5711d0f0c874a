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
	"strings"
	"sync"
)

// Routes of the chat window.
const (
	RouteNewChat    = "/"
	routeChatPrefix = "/chat/"
)

// ChatRoute returns the route of chatID.
func ChatRoute(chatID string) string {
	return routeChatPrefix + chatID
}

// ChatIDFromRoute extracts the chat id from a /chat/<id> route. Other
// routes yield "".
func ChatIDFromRoute(route string) string {
	id, ok := strings.CutPrefix(route, routeChatPrefix)
	if !ok {
		return ""
	}
	return id
}

// Navigator changes the window's route.
type Navigator interface {
	// Push adds a history entry.
	Push(route string)
	// Replace swaps the current entry without adding one.
	Replace(route string)
}

// History is an in-process Navigator with a back stack. The terminal
// client uses it in place of a browser history.
type History struct {
	mu      sync.Mutex
	entries []string
}

// NewHistory starts at route.
func NewHistory(route string) *History {
	return &History{entries: []string{route}}
}

func (h *History) Push(route string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, route)
}

func (h *History) Replace(route string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		h.entries = []string{route}
		return
	}
	h.entries[len(h.entries)-1] = route
}

// Back pops the current entry and returns the new current route.
func (h *History) Back() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) > 1 {
		h.entries = h.entries[:len(h.entries)-1]
	}
	return h.entries[len(h.entries)-1]
}

// Current returns the current route.
func (h *History) Current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[len(h.entries)-1]
}

// Len returns the number of history entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

var _ Navigator = (*History)(nil)
