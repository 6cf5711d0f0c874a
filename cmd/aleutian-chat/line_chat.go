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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/chatview"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

const maxLineBytes = 1024 * 1024

const lineHelp = `Commands:
  /new         start a new chat
  /open <id>   switch to a chat
  /chats       list this session's chats
  /clear       clear the current chat
  /quit        exit`

// lineChat is the chat window for pipes and dumb terminals.
//
// # Description
//
// Each input line is a prompt or a slash command. Streamed text is written
// as it arrives; machine output instead prints one tab-separated line per
// finished message.
type lineChat struct {
	view    *chatview.View
	out     io.Writer
	level   ux.PersonalityLevel
	printer *ux.Printer

	mu       sync.Mutex
	streamID string
	printed  int
}

// runLineChat reads prompts from in until EOF, /quit or ctx is done.
func runLineChat(ctx context.Context, view *chatview.View, in io.Reader, out io.Writer, level ux.PersonalityLevel) error {
	lc := &lineChat{
		view:    view,
		out:     out,
		level:   level,
		printer: ux.NewPrinterWithLevel(out, level),
	}
	view.Subscribe(lc.onState)
	lc.printIntro()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for {
		lc.prompt()
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if quit := lc.handle(ctx, line); quit || ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func (lc *lineChat) printIntro() {
	if lc.level == ux.PersonalityMachine {
		return
	}
	lc.printer.Title("Aleutian Chat")
	lc.printer.Info(fmt.Sprintf("%s  %s", lc.view.State().Mode, ux.RenderStatus(lc.view.Status())))
	if msgs := lc.view.State().Messages; len(msgs) > 0 {
		fmt.Fprintln(lc.out, ux.RenderMessages(msgs, lc.level, 0))
	}
	lc.printer.Info("Type /help for commands.")
}

func (lc *lineChat) prompt() {
	if lc.level != ux.PersonalityMachine {
		fmt.Fprint(lc.out, "> ")
	}
}

// handle runs one input line and reports whether to exit.
func (lc *lineChat) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(lc.out, lineHelp)
	case "/new":
		lc.view.NewChat()
		lc.printer.Info("Started a new chat.")
	case "/clear":
		lc.view.ClearChat()
		lc.printer.Info("Chat cleared.")
	case "/chats":
		if err := lc.view.RefreshChats(ctx); err != nil {
			lc.printer.Error(err.Error())
			break
		}
		if out := ux.RenderChatList(lc.view.Chats(), lc.view.State().Mode.ChatID, lc.level); out != "" {
			fmt.Fprintln(lc.out, out)
		}
	case "/open":
		id := strings.TrimSpace(arg)
		if id == "" {
			lc.printer.Warning("usage: /open <chat id>")
			break
		}
		if err := lc.view.SelectChat(ctx, id); err != nil {
			lc.printer.Error(err.Error())
			break
		}
		if lc.view.State().Mode.IsNew() {
			lc.printer.Warning(fmt.Sprintf("chat %s not found, started a new chat", id))
			break
		}
		fmt.Fprintln(lc.out, ux.RenderMessages(lc.view.State().Messages, lc.level, 0))
	default:
		lc.submit(ctx, line)
	}
	return false
}

func (lc *lineChat) submit(ctx context.Context, text string) {
	before := len(lc.view.State().Messages)
	err := lc.view.Submit(ctx, text)
	if errors.Is(err, chatview.ErrBusy) {
		lc.printer.Warning(err.Error())
		return
	}

	lc.mu.Lock()
	streamed := lc.streamID
	lc.streamID, lc.printed = "", 0
	lc.mu.Unlock()

	msgs := lc.view.State().Messages
	for i := before + 1; i < len(msgs); i++ {
		m := msgs[i]
		if streamed != "" && m.ID == streamed {
			fmt.Fprintln(lc.out)
			if m.Sender == chatview.SenderAI {
				continue
			}
		}
		fmt.Fprintln(lc.out, ux.RenderMessage(m, lc.level, 0))
	}
}

// onState writes the new text of the streaming message.
func (lc *lineChat) onState(s chatview.State) {
	if lc.level == ux.PersonalityMachine || len(s.Messages) == 0 {
		return
	}
	last := s.Messages[len(s.Messages)-1]
	if last.Sender != chatview.SenderAI || !last.IsStreaming {
		return
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if last.ID != lc.streamID {
		lc.streamID, lc.printed = last.ID, 0
		fmt.Fprint(lc.out, ux.Styles.AI.Render("AI")+"\n")
	}
	if len(last.Text) > lc.printed {
		fmt.Fprint(lc.out, last.Text[lc.printed:])
		lc.printed = len(last.Text)
	}
}
