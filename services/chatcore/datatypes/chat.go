// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the shared domain and wire types for the chat core:
// conversation context entries, durable messages, send requests, conversation
// records, title state, and the SSE frame payloads.
//
// Types here carry no behavior beyond validation and small helpers so that
// every service package can depend on them without import cycles.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies the author of a context entry or message.
type Role string

const (
	// RoleUser is a message authored by the human user.
	RoleUser Role = "user"

	// RoleAssistant is a message authored by the model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// =============================================================================
// Context Entries
// =============================================================================

// ContextEntry is one turn in a conversation's hot context window.
//
// Entries are immutable once appended; the window only ever removes them
// from the head (trim) or wholesale (clear).
type ContextEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Message is a durably persisted conversation message. Unlike ContextEntry
// it carries an identity, so edit and regenerate flows can address it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// =============================================================================
// Send Request
// =============================================================================

// SendRequest is the payload a caller submits to start a streaming turn.
//
// # Description
//
// A zero ConversationID means "no conversation yet": the session manager
// creates one before connecting and announces it via a conversationCreated
// meta event. Regenerate re-runs the last user turn without persisting a
// duplicate copy of it; TruncateMessageID names the durable message after
// which history is discarded.
//
// # Fields
//
//   - ConversationID: Target conversation, or "" to auto-create.
//   - Content: The user's message text. Required unless Regenerate is set.
//   - Regenerate: Re-run generation for an existing user turn.
//   - TruncateMessageID: Durable message id to truncate after (edit/regenerate).
//   - SkipSaveUserMessage: Do not persist Content as a new user message.
type SendRequest struct {
	ConversationID      string `json:"conversationId,omitempty"`
	Content             string `json:"content"`
	Regenerate          bool   `json:"regenerate,omitempty"`
	TruncateMessageID   string `json:"truncateMessageId,omitempty"`
	SkipSaveUserMessage bool   `json:"skipSaveUserMessage,omitempty"`
	Model               string `json:"model,omitempty"`
	GemID               string `json:"gemId,omitempty"`
}

// Validate checks structural invariants of the request.
//
// Regenerate requests may omit Content (the persisted user turn is replayed);
// every other request must carry non-blank content.
func (r SendRequest) Validate() error {
	if !r.Regenerate && strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("send request: content must not be empty")
	}
	if r.Regenerate && r.ConversationID == "" {
		return fmt.Errorf("send request: regenerate requires a conversation id")
	}
	if r.TruncateMessageID != "" && r.ConversationID == "" {
		return fmt.Errorf("send request: truncation requires a conversation id")
	}
	return nil
}
