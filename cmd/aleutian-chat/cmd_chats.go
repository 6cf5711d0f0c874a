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
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian-chat/config"
	"github.com/AleutianAI/AleutianChat/pkg/chatclient"
	"github.com/AleutianAI/AleutianChat/pkg/chatview"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/spf13/cobra"
)

// newClient builds a server client from the loaded config.
func newClient() *chatclient.Client {
	c := config.Global.Client
	return chatclient.New(c.BaseURL,
		chatclient.WithRequestTimeout(c.RequestTimeout),
		chatclient.WithStreamTimeout(c.StreamTimeout),
		chatclient.WithLogger(logger.Slog()),
	)
}

// openState opens the client-local state database.
func openState() (*chatview.BadgerKV, error) {
	dir := config.Global.Client.StateDir
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	return chatview.OpenBadgerKV(dir, nil)
}

func runListChats(cmd *cobra.Command, args []string) error {
	sessionID := sessionOverride
	active := ""
	if sessionID == "" {
		kv, err := openState()
		if err != nil {
			return err
		}
		defer kv.Close()
		sessionID, _, err = kv.Get(chatview.KeySessionID)
		if err != nil {
			return err
		}
		active, _, _ = kv.Get(chatview.KeyActiveChatID)
	}
	if sessionID == "" {
		ux.NewPrinter(cmd.OutOrStdout()).Info("No session yet. Run `aleutian-chat chat` first.")
		return nil
	}

	chats, err := newClient().ListChats(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	out := ux.RenderChatList(chats, active, ux.GetPersonalityLevel())
	if out != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return nil
}

func runShowChat(cmd *cobra.Command, args []string) error {
	chat, err := newClient().GetChat(cmd.Context(), args[0])
	if err != nil {
		if chatclient.IsNotFound(err) {
			return fmt.Errorf("chat %s not found", args[0])
		}
		return err
	}
	level := ux.GetPersonalityLevel()
	p := ux.NewPrinterWithLevel(cmd.OutOrStdout(), level)
	title := chat.Title
	if title == "" {
		title = chat.ID
	}
	p.Title(title)
	fmt.Fprintln(cmd.OutOrStdout(), ux.RenderMessages(chatview.FromChat(chat), level, 0))
	return nil
}

func runCountTokens(cmd *cobra.Command, args []string) error {
	n, err := newClient().CountTokens(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := newClient()
	p := ux.NewPrinter(cmd.OutOrStdout())
	msg, err := client.Health(cmd.Context())
	if err != nil {
		p.Error(fmt.Sprintf("%s is unreachable: %v", client.BaseURL(), err))
		return err
	}
	p.Success(fmt.Sprintf("%s: %s", client.BaseURL(), msg))
	return nil
}
