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
	"sync"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

// StateStore tracks per-conversation TitleState in memory.
//
// All mutation goes through datatypes.TitleState's pure transition helpers,
// so the invariants (final clears optimistic, empty final never overwrites)
// hold regardless of call order.
//
// Thread Safety: safe for concurrent use.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]datatypes.TitleState
}

// NewStateStore creates an empty title state store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]datatypes.TitleState)}
}

// Get returns the title state for a conversation. The zero state is
// returned for unknown ids.
func (s *StateStore) Get(conversationID string) datatypes.TitleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[conversationID]
}

// SetOptimistic records an optimistic title unless a final one exists.
func (s *StateStore) SetOptimistic(conversationID, title string) {
	s.apply(conversationID, func(ts datatypes.TitleState) datatypes.TitleState {
		return ts.WithOptimistic(title)
	})
}

// SetFinal promotes the conversation to its final title. Empty titles are
// ignored apart from clearing the loading flag.
func (s *StateStore) SetFinal(conversationID, title string) {
	s.apply(conversationID, func(ts datatypes.TitleState) datatypes.TitleState {
		return ts.WithFinal(title)
	})
}

// SetLoading sets or clears the loading flag.
func (s *StateStore) SetLoading(conversationID string, loading bool) {
	s.apply(conversationID, func(ts datatypes.TitleState) datatypes.TitleState {
		return ts.WithLoading(loading)
	})
}

// Drop removes all title state for a conversation.
func (s *StateStore) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, conversationID)
}

func (s *StateStore) apply(conversationID string, fn func(datatypes.TitleState) datatypes.TitleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[conversationID] = fn(s.states[conversationID])
}
