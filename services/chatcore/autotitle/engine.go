// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autotitle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

const optimisticPrompt = `Write a very short title (at most 6 words) for a conversation that starts with this message. Reply with the title only, no quotes.

Message:
%MESSAGE%`

const finalPrompt = `Write a very short title (at most 6 words) that captures the topic of this conversation. Reply with the title only, no quotes.

Conversation:
%TRANSCRIPT%`

// finalGenerationTimeout bounds the background final-title call; the timer
// goroutine has no caller context to inherit.
const finalGenerationTimeout = 30 * time.Second

// Engine produces conversation titles in two phases.
//
// # Description
//
// The optimistic phase runs inline when a conversation is created: one fast,
// low-token generation with a deterministic fallback, so the UI never shows
// an untitled conversation. The final phase is debounced per conversation
// id: every schedule call cancels the pending timer and starts a new one, so
// the title settles only after the conversation goes quiet.
//
// Title generation never propagates errors and never blocks the send flow.
// The loading flag is cleared on every exit path.
//
// # Thread Safety
//
// Safe for concurrent use. Timers for different conversations are
// independent; scheduling for one id never disturbs another.
type Engine struct {
	gen      llm.Generator
	states   *StateStore
	debounce time.Duration

	// onFinal is invoked off the timer goroutine with every settled title,
	// so callers can patch the conversation list and notify clients.
	onFinal func(conversationID, title string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewEngine creates a title engine.
//
// # Inputs
//
//   - gen: Backend for title generation. May be nil; the engine then relies
//     entirely on deterministic fallbacks.
//   - states: Title state store shared with the UI layer.
//   - debounce: Quiet period before final-title generation runs.
//   - onFinal: Optional callback for settled titles. May be nil.
func NewEngine(gen llm.Generator, states *StateStore, debounce time.Duration, onFinal func(conversationID, title string)) *Engine {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &Engine{
		gen:      gen,
		states:   states,
		debounce: debounce,
		onFinal:  onFinal,
		timers:   make(map[string]*time.Timer),
	}
}

// OptimisticTitle generates and records a provisional title from the first
// user message. Returns the title, or "" when nothing usable could be made.
//
// Never returns an error: generation failures fall back to a deterministic
// title derived from the message itself.
func (e *Engine) OptimisticTitle(ctx context.Context, conversationID, firstUserMessage string) string {
	e.states.SetLoading(conversationID, true)
	defer e.states.SetLoading(conversationID, false)

	title := ""
	if e.gen != nil {
		prompt := strings.Replace(optimisticPrompt, "%MESSAGE%", firstUserMessage, 1)
		raw, err := e.gen.Generate(ctx, prompt, fastParams())
		if err != nil {
			slog.Debug("optimistic title generation failed, using fallback",
				"conversationId", conversationID, "error", err)
		} else {
			title = Normalize(raw)
		}
	}
	if title == "" {
		title = Normalize(firstUserMessage)
	}
	if title != "" {
		e.states.SetOptimistic(conversationID, title)
	}
	return title
}

// AdoptOptimistic records a provisional title produced elsewhere (for
// example by the streaming backend). Empty titles are ignored.
func (e *Engine) AdoptOptimistic(conversationID, title string) {
	if title == "" {
		return
	}
	e.states.SetOptimistic(conversationID, title)
}

// AdoptFinal records a settled title produced elsewhere. Any pending local
// final-title timer is dropped; the external title wins.
func (e *Engine) AdoptFinal(conversationID, title string) {
	if title == "" {
		return
	}
	e.CancelPending(conversationID)
	e.states.SetFinal(conversationID, title)
}

// ScheduleFinal (re)arms the debounced final-title generation for a
// conversation. Each call supersedes the previous pending one; generation
// runs only after the conversation has been quiet for the debounce period.
func (e *Engine) ScheduleFinal(conversationID string, transcript []datatypes.ContextEntry) {
	if e.gen == nil || len(transcript) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if prev, ok := e.timers[conversationID]; ok {
		prev.Stop()
	}
	e.timers[conversationID] = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		delete(e.timers, conversationID)
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		e.generateFinal(conversationID, transcript)
	})
}

// CancelPending drops any pending final-title timer for a conversation.
// Used when the conversation is deleted mid-debounce.
func (e *Engine) CancelPending(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[conversationID]; ok {
		t.Stop()
		delete(e.timers, conversationID)
	}
}

// Close stops all pending timers. Titles already being generated finish
// writing their state; no new generations start.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) generateFinal(conversationID string, transcript []datatypes.ContextEntry) {
	e.states.SetLoading(conversationID, true)
	defer e.states.SetLoading(conversationID, false)

	ctx, cancel := context.WithTimeout(context.Background(), finalGenerationTimeout)
	defer cancel()

	prompt := strings.Replace(finalPrompt, "%TRANSCRIPT%", renderTranscript(transcript), 1)
	raw, err := e.gen.Generate(ctx, prompt, fastParams())
	if err != nil {
		slog.Debug("final title generation failed, keeping current title",
			"conversationId", conversationID, "error", err)
		return
	}

	title := Normalize(raw)
	if title == "" {
		// Normalization rejected the output; the visible title stands.
		return
	}

	e.states.SetFinal(conversationID, title)
	if e.onFinal != nil {
		e.onFinal(conversationID, title)
	}
}

// renderTranscript flattens recent turns for the title prompt. Long turns
// are clipped; the title only needs the gist.
func renderTranscript(entries []datatypes.ContextEntry) string {
	const perTurnLimit = 500

	var b strings.Builder
	for _, entry := range entries {
		content := entry.Content
		if len(content) > perTurnLimit {
			content = content[:perTurnLimit]
		}
		b.WriteString(string(entry.Role))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func fastParams() llm.GenerationParams {
	temp := float32(0.1)
	maxTokens := 24
	return llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}
