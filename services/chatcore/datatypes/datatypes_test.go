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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     SendRequest
		wantErr bool
	}{
		{
			name: "plain message",
			req:  SendRequest{Content: "hello"},
		},
		{
			name:    "empty content",
			req:     SendRequest{Content: "   "},
			wantErr: true,
		},
		{
			name: "regenerate without content",
			req:  SendRequest{ConversationID: "conv-1", Regenerate: true},
		},
		{
			name:    "regenerate without conversation",
			req:     SendRequest{Regenerate: true},
			wantErr: true,
		},
		{
			name:    "truncate without conversation",
			req:     SendRequest{Content: "x", TruncateMessageID: "msg-1"},
			wantErr: true,
		},
		{
			name: "edit resend",
			req:  SendRequest{ConversationID: "conv-1", Content: "edited", TruncateMessageID: "msg-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTitleStateTransitions(t *testing.T) {
	var ts TitleState

	ts = ts.WithLoading(true)
	ts = ts.WithOptimistic("Quick Draft Title")
	assert.Equal(t, "Quick Draft Title", ts.Display())
	assert.True(t, ts.Loading)

	ts = ts.WithFinal("Settled Title")
	assert.Equal(t, "Settled Title", ts.Display())
	assert.Empty(t, ts.Optimistic, "final must clear optimistic")
	assert.False(t, ts.Loading, "final must clear loading")

	// Final wins permanently: a late optimistic update is dropped.
	ts = ts.WithOptimistic("Late Optimistic")
	assert.Equal(t, "Settled Title", ts.Display())
}

func TestTitleStateEmptyFinalKeepsExisting(t *testing.T) {
	ts := TitleState{Optimistic: "Draft", Loading: true}

	ts = ts.WithFinal("")
	assert.Equal(t, "Draft", ts.Display(), "empty final must not erase the visible title")
	assert.False(t, ts.Loading, "loading clears even when the title is rejected")
}

func TestStreamFrameTerminal(t *testing.T) {
	assert.False(t, StreamFrame{Event: EventToken}.IsTerminal())
	assert.False(t, StreamFrame{Event: EventMeta}.IsTerminal())
	assert.True(t, StreamFrame{Event: EventError}.IsTerminal())
}
