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

// =============================================================================
// Stream Wire Format
// =============================================================================

// The stream wire format is Server-Sent Events: frames separated by blank
// lines, each frame an "event:" line naming the type and a "data:" line
// carrying a JSON payload. Three event types exist. The stream has no done
// event; completion is signaled by the transport closing.

// EventType names an SSE frame type on the chat stream.
type EventType string

const (
	// EventToken carries one increment of assistant text.
	EventToken EventType = "token"

	// EventMeta carries side-channel metadata (titles, sources, ids).
	EventMeta EventType = "meta"

	// EventError carries a structured failure and terminates the stream.
	EventError EventType = "error"
)

// MetaType discriminates meta event payloads.
type MetaType string

const (
	// MetaConversationCreated announces the id of a conversation the server
	// created for a request that arrived without one. Sent at most once.
	MetaConversationCreated MetaType = "conversationCreated"

	// MetaOptimisticTitle carries a provisional title for a new conversation.
	MetaOptimisticTitle MetaType = "optimisticTitle"

	// MetaFinalTitle carries the settled title for a conversation.
	MetaFinalTitle MetaType = "finalTitle"

	// MetaSources carries grounding source attributions.
	MetaSources MetaType = "sources"

	// MetaURLContext carries URLs the model consulted as context.
	MetaURLContext MetaType = "urlContext"

	// MetaWebSearch carries web search queries the model issued.
	MetaWebSearch MetaType = "webSearch"
)

// TokenPayload is the data payload of a token event.
type TokenPayload struct {
	T string `json:"t"`
}

// SourceInfo is one grounding attribution inside a sources meta event.
type SourceInfo struct {
	Title string  `json:"title,omitempty"`
	URL   string  `json:"url,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// MetaPayload is the data payload of a meta event. Type selects which of
// the optional fields is meaningful; unknown types are ignored by readers.
type MetaPayload struct {
	Type           MetaType     `json:"type"`
	ConversationID string       `json:"conversationId,omitempty"`
	Title          string       `json:"title,omitempty"`
	Sources        []SourceInfo `json:"sources,omitempty"`
	URLs           []string     `json:"urls,omitempty"`
	Queries        []string     `json:"queries,omitempty"`
}

// TokenLimitInfo describes how a request exceeded the model's context size.
type TokenLimitInfo struct {
	PromptTokens int `json:"promptTokens,omitempty"`
	MaxTokens    int `json:"maxTokens,omitempty"`
}

// ErrorPayload is the data payload of an error event.
//
// Message is always present. The remaining fields are forwarded verbatim
// when the upstream provided them, so callers can branch on token-limit
// failures without string matching.
type ErrorPayload struct {
	Message      string          `json:"message"`
	Code         string          `json:"code,omitempty"`
	Status       int             `json:"status,omitempty"`
	IsTokenLimit bool            `json:"isTokenLimit,omitempty"`
	TokenInfo    *TokenLimitInfo `json:"tokenInfo,omitempty"`
}

// StreamFrame is one parsed frame from the chat stream: exactly one of
// Token, Meta, or Error is non-nil, matching Event.
type StreamFrame struct {
	Event EventType
	Token *TokenPayload
	Meta  *MetaPayload
	Error *ErrorPayload
}

// IsTerminal reports whether this frame ends the stream. Only error frames
// are terminal; successful streams end when the transport closes.
func (f StreamFrame) IsTerminal() bool {
	return f.Event == EventError
}
