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
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian-chat/config"
	"github.com/AleutianAI/AleutianChat/pkg/chatview"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/spf13/cobra"
)

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := openState()
	if err != nil {
		return err
	}
	defer kv.Close()

	history := chatview.NewHistory(chatview.RouteNewChat)
	view, err := chatview.New(newClient(), kv, history,
		chatview.WithStreaming(config.Global.Client.Streaming && !noStream),
		chatview.WithLogger(logger.Slog()),
	)
	if err != nil {
		return err
	}

	view.Start(ctx)
	if err := openInitialChat(ctx, view, history); err != nil {
		logger.Warn("Failed to open chat", "error", err)
	}

	level := ux.GetPersonalityLevel()
	if level != ux.PersonalityMachine && ux.IsTerminal(os.Stdin) && ux.IsTerminal(os.Stdout) {
		return runTUI(ctx, view)
	}
	return runLineChat(ctx, view, os.Stdin, cmd.OutOrStdout(), level)
}

// openInitialChat puts the view on the chat requested by flags, or on the
// chat that was active when the client last exited.
func openInitialChat(ctx context.Context, view *chatview.View, history *chatview.History) error {
	switch {
	case startNewChat:
		view.NewChat()
		return nil
	case chatID != "":
		return view.SelectChat(ctx, chatID)
	}
	if id := view.State().Mode.ChatID; id != "" {
		history.Replace(chatview.ChatRoute(id))
		return view.HandleRoute(ctx, history.Current())
	}
	return nil
}
