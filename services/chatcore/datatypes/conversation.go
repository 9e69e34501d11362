// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Conversation Records
// =============================================================================

// ConversationRecord is the authoritative descriptor of a conversation as
// the backend knows it.
type ConversationRecord struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	Model              string    `json:"model,omitempty"`
	GemID              string    `json:"gemId,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
}

// LocalConversation is the client-side mirror of a ConversationRecord.
// It adds fields that only exist locally and never round-trip to storage.
type LocalConversation struct {
	ConversationRecord

	// ProjectID groups conversations in the local workspace view.
	ProjectID string `json:"projectId,omitempty"`
}

// =============================================================================
// Title State
// =============================================================================

// TitleState tracks the two-phase title of a conversation.
//
// Invariant: once Final is set, Optimistic is cleared and Loading is false.
// The zero value means "no title activity yet".
type TitleState struct {
	Optimistic string `json:"optimistic,omitempty"`
	Final      string `json:"final,omitempty"`
	Loading    bool   `json:"loading,omitempty"`
}

// Display returns the title a UI should render: the final title when
// present, otherwise the optimistic one, otherwise empty.
func (t TitleState) Display() string {
	if t.Final != "" {
		return t.Final
	}
	return t.Optimistic
}

// WithOptimistic returns a copy with the optimistic title set, unless a
// final title already exists (final wins permanently).
func (t TitleState) WithOptimistic(title string) TitleState {
	if t.Final != "" || title == "" {
		return t
	}
	t.Optimistic = title
	return t
}

// WithFinal returns a copy promoted to the final title. An empty title is
// a no-op: normalization can reject a generated title entirely and that
// must never erase what the user already sees.
func (t TitleState) WithFinal(title string) TitleState {
	t.Loading = false
	if title == "" {
		return t
	}
	t.Final = title
	t.Optimistic = ""
	return t
}

// WithLoading returns a copy with the loading flag set or cleared.
func (t TitleState) WithLoading(loading bool) TitleState {
	t.Loading = loading
	return t
}
