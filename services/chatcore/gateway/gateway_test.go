// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chatcore/autotitle"
	"github.com/AleutianAI/AleutianChat/services/chatcore/contextwindow"
	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatcore/reconcile"
	"github.com/AleutianAI/AleutianChat/services/chatcore/storage"
	"github.com/AleutianAI/AleutianChat/services/chatcore/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// wireBackend replays a fixed SSE payload to the session manager.
type wireBackend struct {
	wire string
}

func (b *wireBackend) OpenStream(_ context.Context, _ datatypes.SendRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(b.wire)), nil
}

type gatewayFixture struct {
	server        *httptest.Server
	conversations storage.ConversationStore
	messages      storage.MessageStore
	window        contextwindow.Store
	reconciler    *reconcile.Reconciler
	titleStates   *autotitle.StateStore
}

func newGatewayFixture(t *testing.T, wire string) *gatewayFixture {
	t.Helper()

	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	window := contextwindow.NewStore(db, contextwindow.DefaultConfig())
	conversations := storage.NewConversationStore(db)
	messages := storage.NewMessageStore(db)
	reconciler := reconcile.New(nil)
	titleStates := autotitle.NewStateStore()
	titles := autotitle.NewEngine(nil, titleStates, time.Second, nil)
	t.Cleanup(titles.Close)

	manager, err := stream.NewManager(stream.ManagerConfig{
		Backend:       &wireBackend{wire: wire},
		Window:        window,
		Conversations: conversations,
		Messages:      messages,
		Reconciler:    reconciler,
		WindowSize:    8,
	})
	require.NoError(t, err)

	handler, err := NewHandler(HandlerConfig{
		Manager:       manager,
		Reconciler:    reconciler,
		Conversations: conversations,
		Messages:      messages,
		Window:        window,
		Gems:          storage.NewGemStore(db),
		Titles:        titles,
		TitleStates:   titleStates,
	})
	require.NoError(t, err)

	router := gin.New()
	handler.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{
		server:        server,
		conversations: conversations,
		messages:      messages,
		window:        window,
		reconciler:    reconciler,
		titleStates:   titleStates,
	}
}

func (f *gatewayFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

// =============================================================================
// Streaming
// =============================================================================

func TestStreamEndpointWireRoundTrip(t *testing.T) {
	wire := "event: token\ndata: {\"t\":\"Hel\"}\n\n" +
		"event: token\ndata: {\"t\":\"lo\"}\n\n" +
		"event: meta\ndata: {\"type\":\"sources\",\"sources\":[{\"title\":\"Doc\",\"url\":\"https://x\",\"score\":0.7}]}\n\n"
	f := newGatewayFixture(t, wire)

	resp := f.postJSON(t, "/api/v1/chat/stream", datatypes.SendRequest{Content: "hello"})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The gateway's output must parse with the same frame reader clients use.
	var tokens []string
	var metas []datatypes.MetaPayload
	err := stream.ReadFrames(context.Background(), resp.Body, func(frame datatypes.StreamFrame) error {
		switch frame.Event {
		case datatypes.EventToken:
			tokens = append(tokens, frame.Token.T)
		case datatypes.EventMeta:
			metas = append(metas, *frame.Meta)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, tokens)

	// conversationCreated (the request carried no id) plus the sources meta.
	require.Len(t, metas, 2)
	assert.Equal(t, datatypes.MetaConversationCreated, metas[0].Type)
	assert.NotEmpty(t, metas[0].ConversationID)
	assert.Equal(t, datatypes.MetaSources, metas[1].Type)
}

func TestStreamEndpointRelaysErrorFrame(t *testing.T) {
	wire := "event: error\ndata: {\"message\":\"model overloaded\",\"code\":\"overloaded\",\"status\":503}\n\n"
	f := newGatewayFixture(t, wire)
	rec, err := f.conversations.Create(context.Background(), "", "", "")
	require.NoError(t, err)

	resp := f.postJSON(t, "/api/v1/chat/stream", datatypes.SendRequest{
		ConversationID: rec.ID,
		Content:        "hi",
	})
	defer resp.Body.Close()

	var errFrame *datatypes.ErrorPayload
	err = stream.ReadFrames(context.Background(), resp.Body, func(frame datatypes.StreamFrame) error {
		if frame.Event == datatypes.EventError {
			errFrame = frame.Error
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, errFrame)
	assert.Equal(t, "model overloaded", errFrame.Message)
	assert.Equal(t, 503, errFrame.Status)
}

func TestStreamEndpointRejectsInvalidRequest(t *testing.T) {
	f := newGatewayFixture(t, "")

	resp := f.postJSON(t, "/api/v1/chat/stream", datatypes.SendRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	f := newGatewayFixture(t, "")

	resp := f.postJSON(t, "/api/v1/chat/cancel",
		map[string]string{"conversationId": "conv-1", "policy": "commitPartial"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Cancelled bool `json:"cancelled"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Cancelled, "no active session for that conversation")

	resp2 := f.postJSON(t, "/api/v1/chat/cancel",
		map[string]string{"conversationId": "conv-1", "policy": "nonsense"})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	// The conversation being cancelled must be named.
	resp3 := f.postJSON(t, "/api/v1/chat/cancel", map[string]string{"policy": "discard"})
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

// =============================================================================
// Conversations
// =============================================================================

func TestListConversationsAndMessages(t *testing.T) {
	f := newGatewayFixture(t, "")
	ctx := context.Background()

	rec, err := f.conversations.Create(ctx, "Trip", "", "")
	require.NoError(t, err)
	f.reconciler.Upsert(datatypes.LocalConversation{ConversationRecord: rec})
	_, err = f.messages.AppendMessage(ctx, rec.ID, datatypes.RoleUser, "where to go?")
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/api/v1/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Conversations []datatypes.LocalConversation `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "Trip", list.Conversations[0].Title)

	resp2, err := http.Get(f.server.URL + "/api/v1/conversations/" + rec.ID + "/messages")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var msgs struct {
		Messages []datatypes.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&msgs))
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "where to go?", msgs.Messages[0].Content)
}

func TestPatchConversationTitle(t *testing.T) {
	f := newGatewayFixture(t, "")
	ctx := context.Background()

	rec, err := f.conversations.Create(ctx, "old", "", "")
	require.NoError(t, err)
	f.reconciler.Upsert(datatypes.LocalConversation{ConversationRecord: rec})

	req, err := http.NewRequest(http.MethodPatch,
		f.server.URL+"/api/v1/conversations/"+rec.ID,
		strings.NewReader(`{"title":"Renamed"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := f.conversations.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	local, ok := f.reconciler.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "Renamed", local.Title)

	// A user-chosen title is final in the title state machine.
	assert.Equal(t, "Renamed", f.titleStates.Get(rec.ID).Display())
}

func TestPatchUnknownConversation(t *testing.T) {
	f := newGatewayFixture(t, "")

	req, err := http.NewRequest(http.MethodPatch,
		f.server.URL+"/api/v1/conversations/ghost",
		strings.NewReader(`{"title":"x"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGemRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, "")

	req, err := http.NewRequest(http.MethodPut, f.server.URL+"/api/v1/gems/coach",
		strings.NewReader(`{"name":"Coach","instructions":"Be encouraging."}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.server.URL + "/api/v1/gems/coach")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var gem storage.Gem
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&gem))
	assert.Equal(t, "coach", gem.ID)
	assert.Equal(t, "Be encouraging.", gem.Instructions)

	resp3, err := http.Get(f.server.URL + "/api/v1/gems/nope")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestDeleteConversationRemovesEverywhere(t *testing.T) {
	f := newGatewayFixture(t, "")
	ctx := context.Background()

	rec, err := f.conversations.Create(ctx, "doomed", "", "")
	require.NoError(t, err)
	f.reconciler.Upsert(datatypes.LocalConversation{ConversationRecord: rec})
	require.NoError(t, f.window.Append(ctx, rec.ID, datatypes.ContextEntry{
		Role: datatypes.RoleUser, Content: "hi",
	}))

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/conversations/"+rec.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = f.conversations.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := f.window.Read(ctx, rec.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok := f.reconciler.Get(rec.ID)
	assert.False(t, ok, "tombstoned from the mirror")

	// Tombstone holds: a later upsert must not resurrect it.
	f.reconciler.Upsert(datatypes.LocalConversation{ConversationRecord: rec})
	_, ok = f.reconciler.Get(rec.ID)
	assert.False(t, ok)
}
