// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chatview"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/charmbracelet/lipgloss"
)

// streamingCursor trails a message that is still being generated.
const streamingCursor = "▍"

// RenderMessage formats one chat message.
//
// # Description
//
// Machine output is a tab-separated line: sender, token size, text.
// Other levels render a styled sender label with the token size, then the
// text wrapped to width. A width of 0 disables wrapping.
func RenderMessage(m chatview.Message, level PersonalityLevel, width int) string {
	if level == PersonalityMachine {
		return fmt.Sprintf("%s\t%s\t%s", m.Sender, m.TokenSize, m.Text)
	}

	var label lipgloss.Style
	var name string
	switch m.Sender {
	case chatview.SenderUser:
		label, name = Styles.User, "You"
	case chatview.SenderSystem:
		label, name = Styles.System, "System"
	default:
		label, name = Styles.AI, "AI"
	}

	text := m.Text
	if m.IsStreaming {
		text += streamingCursor
	}
	body := lipgloss.NewStyle()
	if m.IsError {
		body = Styles.Error
	}
	if width > 0 {
		body = body.Width(width)
	}

	header := label.Render(name)
	if level == PersonalityFull {
		header += " " + Styles.Muted.Render(fmt.Sprintf("(%s tokens)", m.TokenSize))
	}
	return header + "\n" + body.Render(text)
}

// RenderMessages joins the rendered messages with blank lines.
func RenderMessages(msgs []chatview.Message, level PersonalityLevel, width int) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, RenderMessage(m, level, width))
	}
	sep := "\n\n"
	if level == PersonalityMachine {
		sep = "\n"
	}
	return strings.Join(parts, sep)
}

// RenderChatList formats a session's chats, newest first, marking active.
func RenderChatList(chats []*datatypes.Chat, active string, level PersonalityLevel) string {
	if len(chats) == 0 {
		if level == PersonalityMachine {
			return ""
		}
		return Styles.Muted.Render("No chats yet.")
	}

	var b strings.Builder
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		if level == PersonalityMachine {
			fmt.Fprintf(&b, "%s\t%d\t%s\n", c.ID, len(c.Messages), title)
			continue
		}
		marker := "  "
		if c.ID == active {
			marker = IconBullet.Render() + " "
		}
		updated := time.UnixMilli(c.UpdatedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(&b, "%s%s %s %s\n", marker, Styles.Bold.Render(title),
			Styles.Muted.Render(c.ID), Styles.Muted.Render(updated))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// RenderStatus formats the backend connection status.
func RenderStatus(status chatview.BackendStatus) string {
	switch status {
	case chatview.BackendConnected:
		return IconSuccess.Render() + " connected"
	case chatview.BackendDisconnected:
		return IconError.Render() + " disconnected"
	default:
		return IconPending.Render() + " checking"
	}
}
