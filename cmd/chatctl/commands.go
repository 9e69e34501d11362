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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatcore/stream"
)

var (
	serverURL      string
	conversationID string
	model          string
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Terminal client for the chat core gateway",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CHATCORE_URL", "http://localhost:12310"),
		"Base URL of the chat core gateway")

	chatCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation id (empty starts a new one)")
	chatCmd.Flags().StringVarP(&model, "model", "m", "", "Model override for this turn")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(cancelCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// =============================================================================
// chat
// =============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message and stream the answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, args[0])
	},
}

func runChat(ctx context.Context, message string) error {
	body, err := json.Marshal(datatypes.SendRequest{
		ConversationID: conversationID,
		Content:        message,
		Model:          model,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(serverURL, "/")+"/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway rejected request with status %d", resp.StatusCode)
	}

	err = stream.ReadFrames(ctx, resp.Body, func(frame datatypes.StreamFrame) error {
		switch frame.Event {
		case datatypes.EventToken:
			fmt.Print(frame.Token.T)

		case datatypes.EventMeta:
			printMeta(*frame.Meta)

		case datatypes.EventError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", frame.Error.Message)
			if frame.Error.IsTokenLimit && frame.Error.TokenInfo != nil {
				fmt.Fprintf(os.Stderr, "prompt used %d of %d tokens\n",
					frame.Error.TokenInfo.PromptTokens, frame.Error.TokenInfo.MaxTokens)
			}
		}
		return nil
	})
	fmt.Println()
	return err
}

func printMeta(meta datatypes.MetaPayload) {
	switch meta.Type {
	case datatypes.MetaConversationCreated:
		fmt.Fprintf(os.Stderr, "[conversation %s]\n", meta.ConversationID)
	case datatypes.MetaOptimisticTitle, datatypes.MetaFinalTitle:
		fmt.Fprintf(os.Stderr, "[title: %s]\n", meta.Title)
	case datatypes.MetaSources:
		for _, s := range meta.Sources {
			fmt.Fprintf(os.Stderr, "[source: %s (%.2f)]\n", s.URL, s.Score)
		}
	case datatypes.MetaWebSearch:
		for _, q := range meta.Queries {
			fmt.Fprintf(os.Stderr, "[searched: %s]\n", q)
		}
	}
}

// =============================================================================
// conversations
// =============================================================================

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Conversations []datatypes.LocalConversation `json:"conversations"`
		}
		if err := getJSON("/api/v1/conversations", &body); err != nil {
			return err
		}
		for _, conv := range body.Conversations {
			title := conv.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s  %s\n", conv.ID, conv.UpdatedAt.Format("2006-01-02 15:04"), title)
		}
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <title>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doJSON(http.MethodPatch, "/api/v1/conversations/"+args[0],
			map[string]string{"title": args[1]})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doJSON(http.MethodDelete, "/api/v1/conversations/"+args[0], nil)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <conversation-id> [discard|commitPartial]",
	Short: "Cancel a conversation's active stream",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := "discard"
		if len(args) == 2 {
			policy = args[1]
		}
		return doJSON(http.MethodPost, "/api/v1/chat/cancel",
			map[string]string{"conversationId": args[0], "policy": policy})
	},
}

// =============================================================================
// HTTP helpers
// =============================================================================

func getJSON(path string, out any) error {
	resp, err := http.Get(strings.TrimSuffix(serverURL, "/") + path)
	if err != nil {
		return fmt.Errorf("could not reach gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func doJSON(method, path string, body any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, strings.TrimSuffix(serverURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}
