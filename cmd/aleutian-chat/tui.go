// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/chatview"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Messages
// =============================================================================

// stateMsg carries a view state change into the event loop.
type stateMsg chatview.State

// actionDoneMsg ends a Submit, SelectChat or RefreshChats call.
type actionDoneMsg struct {
	err error
}

const (
	inputHeight  = 3
	chromeHeight = inputHeight + 4 // header, status line, borders
)

var tuiHelp = ux.Styles.Muted.Render("enter send • alt+enter newline • ctrl+n new • ctrl+l chats • ctrl+k clear • esc quit")

// =============================================================================
// Model
// =============================================================================

// chatModel is the bubbletea model of the chat window.
//
// # Description
//
// The model renders chatview.State and forwards keys to the view. Calls
// that block (Submit, SelectChat) run as commands; their state changes
// arrive as stateMsg through the view subscription.
//
// # Thread Safety
//
// Single-threaded within the bubbletea event loop.
type chatModel struct {
	ctx  context.Context
	view *chatview.View

	input    textarea.Model
	viewport viewport.Model
	spinner  spinner.Model

	state    chatview.State
	busy     bool
	lastErr  string
	picking  bool
	selected int

	width  int
	height int
	ready  bool
}

func newChatModel(ctx context.Context, view *chatview.View) chatModel {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.CharLimit = 0
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter"))
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ux.ColorTealBright)

	return chatModel{
		ctx:     ctx,
		view:    view,
		input:   ta,
		spinner: sp,
		state:   view.State(),
	}
}

// runTUI runs the full-screen chat window until the user quits.
func runTUI(ctx context.Context, view *chatview.View) error {
	p := tea.NewProgram(newChatModel(ctx, view), tea.WithAltScreen(), tea.WithContext(ctx))
	view.Subscribe(func(s chatview.State) { p.Send(stateMsg(s)) })
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init starts the cursor blink.
func (m chatModel) Init() tea.Cmd {
	return textarea.Blink
}

// Update handles keys, window size and view updates.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.SetWidth(msg.Width - 2)
		vpHeight := max(msg.Height-chromeHeight, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width, m.viewport.Height = msg.Width, vpHeight
		}
		m.refreshViewport()

	case stateMsg:
		m.state = chatview.State(msg)
		m.refreshViewport()

	case actionDoneMsg:
		m.busy = false
		m.lastErr = ""
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.lastErr = msg.err.Error()
		}

	case spinner.TickMsg:
		if m.busy {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.KeyMsg:
		if m.picking {
			return m.updatePicker(msg)
		}
		switch msg.String() {
		case "esc", "ctrl+c":
			return m, tea.Quit
		case "enter":
			return m.submit()
		case "ctrl+n":
			m.view.NewChat()
			m.busy = false
			return m, nil
		case "ctrl+k":
			m.view.ClearChat()
			m.busy = false
			return m, nil
		case "ctrl+l":
			m.picking, m.selected = true, 0
			return m, m.run(func() error { return m.view.RefreshChats(m.ctx) })
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.busy {
		return m, nil
	}
	m.input.Reset()
	m.busy = true
	return m, tea.Batch(
		m.run(func() error { return m.view.Submit(m.ctx, text) }),
		m.spinner.Tick,
	)
}

func (m chatModel) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	chats := m.view.Chats()
	switch msg.String() {
	case "esc", "ctrl+l":
		m.picking = false
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(chats)-1 {
			m.selected++
		}
	case "enter":
		m.picking = false
		if m.selected < len(chats) {
			id := chats[m.selected].ID
			m.busy = true
			return m, tea.Batch(m.run(func() error { return m.view.SelectChat(m.ctx, id) }), m.spinner.Tick)
		}
	}
	return m, nil
}

// run wraps a blocking view call as a command.
func (m chatModel) run(fn func() error) tea.Cmd {
	return func() tea.Msg { return actionDoneMsg{err: fn()} }
}

func (m *chatModel) refreshViewport() {
	if !m.ready {
		return
	}
	content := ux.RenderMessages(m.state.Messages, ux.GetPersonalityLevel(), max(m.width-2, 10))
	if content == "" {
		content = ux.Styles.Muted.Render("Start a conversation.")
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

// View renders the window.
func (m chatModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := ux.Styles.Title.Render("Aleutian Chat") + "  " +
		ux.Styles.Muted.Render(m.state.Mode.String()) + "  " +
		ux.RenderStatus(m.view.Status())

	body := m.viewport.View()
	if m.picking {
		body = m.renderPicker()
	}

	status := tuiHelp
	switch {
	case m.busy:
		status = m.spinner.View() + " " + ux.Styles.Muted.Render(m.state.Phase.String())
	case m.lastErr != "":
		status = ux.Styles.Error.Render(m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		body,
		status,
		ux.Styles.Box.Width(max(m.width-2, 10)).Render(m.input.View()),
	)
}

func (m chatModel) renderPicker() string {
	chats := m.view.Chats()
	if len(chats) == 0 {
		return ux.Styles.Muted.Render("No chats yet. Press esc to go back.")
	}
	var b strings.Builder
	for i, c := range chats {
		title := c.Title
		if title == "" {
			title = c.ID
		}
		line := fmt.Sprintf("  %s", title)
		if i == m.selected {
			line = ux.Styles.Title.Render("> " + title)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
