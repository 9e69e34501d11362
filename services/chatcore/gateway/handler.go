// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway exposes the chat core over HTTP: an SSE streaming
// endpoint plus JSON endpoints for conversations, messages, and titles.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/chatcore/autotitle"
	"github.com/AleutianAI/AleutianChat/services/chatcore/contextwindow"
	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatcore/observability"
	"github.com/AleutianAI/AleutianChat/services/chatcore/reconcile"
	"github.com/AleutianAI/AleutianChat/services/chatcore/storage"
	"github.com/AleutianAI/AleutianChat/services/chatcore/stream"
)

var gatewayTracer = otel.Tracer("aleutian.chat.gateway")

// heartbeatInterval is the keepalive ping cadence. 15s stays well under
// typical load balancer idle timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// =============================================================================
// Struct Definition
// =============================================================================

// Handler serves the chat core HTTP API.
type Handler struct {
	manager       *stream.Manager
	reconciler    *reconcile.Reconciler
	conversations storage.ConversationStore
	messages      storage.MessageStore
	window        contextwindow.Store
	gems          storage.GemStore
	titles        *autotitle.Engine
	titleStates   *autotitle.StateStore
	metrics       *observability.ChatMetrics
}

// HandlerConfig wires a Handler's collaborators. Manager is required;
// nil optional fields disable the corresponding endpoints' side effects.
type HandlerConfig struct {
	Manager       *stream.Manager
	Reconciler    *reconcile.Reconciler
	Conversations storage.ConversationStore
	Messages      storage.MessageStore
	Window        contextwindow.Store
	Gems          storage.GemStore
	Titles        *autotitle.Engine
	TitleStates   *autotitle.StateStore
	Metrics       *observability.ChatMetrics
}

// NewHandler creates the HTTP handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("gateway: stream manager is required")
	}
	return &Handler{
		manager:       cfg.Manager,
		reconciler:    cfg.Reconciler,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		window:        cfg.Window,
		gems:          cfg.Gems,
		titles:        cfg.Titles,
		titleStates:   cfg.TitleStates,
		metrics:       cfg.Metrics,
	}, nil
}

// RegisterRoutes mounts the API on a gin router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/chat/stream", h.HandleChatStream)
		v1.POST("/chat/cancel", h.HandleCancel)

		v1.GET("/conversations", h.HandleListConversations)
		v1.GET("/conversations/:id/messages", h.HandleListMessages)
		v1.GET("/conversations/:id/title", h.HandleGetTitle)
		v1.PATCH("/conversations/:id", h.HandlePatchConversation)
		v1.DELETE("/conversations/:id", h.HandleDeleteConversation)

		v1.PUT("/gems/:id", h.HandlePutGem)
		v1.GET("/gems/:id", h.HandleGetGem)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// =============================================================================
// Streaming
// =============================================================================

// HandleChatStream runs one streaming chat turn over SSE.
//
// # Description
//
// Binds a send request, then relays the session's frames to the client:
// tokens as they arrive, meta frames (conversationCreated, titles, sources)
// inline, and on failure a terminal error frame. A heartbeat goroutine
// pings every 15s so slow generations survive proxy idle timeouts.
//
// There is no closing frame; a successful stream ends when the response
// body closes. Client disconnects cancel the session via the request
// context, which the manager treats as a discard.
func (h *Handler) HandleChatStream(c *gin.Context) {
	ctx, span := gatewayTracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	var req datatypes.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("chat.conversation_id", req.ConversationID))

	SetSSEHeaders(c.Writer)
	writer, err := NewFrameWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.heartbeat(writer, heartbeatDone)

	result, err := h.manager.Start(ctx, req, stream.Events{
		OnToken: func(t string) {
			if err := writer.WriteToken(t); err != nil {
				slog.Debug("token write failed, client likely gone", "error", err)
			}
		},
		OnMeta: func(meta datatypes.MetaPayload) {
			if err := writer.WriteMeta(meta); err != nil {
				slog.Debug("meta write failed, client likely gone", "error", err)
			}
		},
		OnError: func(e datatypes.ErrorPayload) {
			if err := writer.WriteError(e); err != nil {
				slog.Debug("error write failed, client likely gone", "error", err)
			}
		},
	})
	if err != nil {
		// Validation passed above; this is unreachable in practice but the
		// client still deserves a terminal frame.
		_ = writer.WriteError(datatypes.ErrorPayload{Message: "stream failed", Code: "internal"})
		return
	}

	slog.Info("stream finished",
		"conversationId", result.ConversationID,
		"phase", string(result.Phase),
		"answerBytes", len(result.Answer))
}

func (h *Handler) heartbeat(writer FrameWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
			h.metrics.RecordKeepAlive()
		case <-done:
			return
		}
	}
}

// cancelRequest names the conversation whose stream should stop and how to
// treat the partial answer.
type cancelRequest struct {
	ConversationID string `json:"conversationId"`
	Policy         string `json:"policy"`
}

// HandleCancel stops one conversation's active streaming session. Streams
// for other conversations are untouched.
func (h *Handler) HandleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}

	policy := stream.CancelDiscard
	switch req.Policy {
	case "", string(stream.CancelDiscard):
	case string(stream.CancelCommitPartial):
		policy = stream.CancelCommitPartial
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown cancel policy"})
		return
	}

	cancelled := h.manager.Cancel(req.ConversationID, policy)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// =============================================================================
// Conversations
// =============================================================================

// HandleListConversations returns the merged conversation list, newest
// activity first, tombstoned entries excluded.
func (h *Handler) HandleListConversations(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusOK, gin.H{"conversations": []datatypes.LocalConversation{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": h.reconciler.List()})
}

// HandleListMessages returns the durable message history of a conversation.
func (h *Handler) HandleListMessages(c *gin.Context) {
	if h.messages == nil {
		c.JSON(http.StatusOK, gin.H{"messages": []datatypes.Message{}})
		return
	}
	msgs, err := h.messages.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		slog.Error("message list failed", "conversationId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// HandleGetTitle returns the current title state of a conversation.
func (h *Handler) HandleGetTitle(c *gin.Context) {
	if h.titleStates == nil {
		c.JSON(http.StatusOK, gin.H{"title": "", "loading": false})
		return
	}
	state := h.titleStates.Get(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"title": state.Display(), "loading": state.Loading})
}

// patchConversationRequest carries the mutable conversation fields.
// Absent fields are left unchanged.
type patchConversationRequest struct {
	Title *string `json:"title"`
	Model *string `json:"model"`
}

// HandlePatchConversation renames a conversation or changes its model,
// updating both the durable record and the local mirror.
func (h *Handler) HandlePatchConversation(c *gin.Context) {
	id := c.Param("id")

	var req patchConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Title == nil && req.Model == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	if req.Title != nil {
		if h.conversations != nil {
			if err := h.conversations.Rename(c.Request.Context(), id, *req.Title); err != nil {
				h.patchError(c, id, err)
				return
			}
		}
		if h.reconciler != nil {
			h.reconciler.PatchTitle(id, *req.Title)
		}
		if h.titles != nil {
			// A user-chosen title is final; pending auto-titles must not
			// overwrite it.
			h.titles.AdoptFinal(id, *req.Title)
		}
	}

	if req.Model != nil {
		if h.conversations != nil {
			if err := h.conversations.SetModel(c.Request.Context(), id, *req.Model); err != nil {
				h.patchError(c, id, err)
				return
			}
		}
		if h.reconciler != nil {
			h.reconciler.PatchModel(id, *req.Model)
		}
	}

	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) patchError(c *gin.Context, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	slog.Error("conversation update failed", "conversationId", id, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update conversation"})
}

// =============================================================================
// Gems
// =============================================================================

// putGemRequest carries a gem's mutable fields; the id comes from the path.
type putGemRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// HandlePutGem stores or replaces a gem (a reusable persona a conversation
// can be bound to via its gemId).
func (h *Handler) HandlePutGem(c *gin.Context) {
	if h.gems == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "gems not configured"})
		return
	}

	var req putGemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	gem := storage.Gem{ID: c.Param("id"), Name: req.Name, Instructions: req.Instructions}
	if err := h.gems.Put(c.Request.Context(), gem); err != nil {
		slog.Error("gem store failed", "gemId", gem.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store gem"})
		return
	}
	c.JSON(http.StatusOK, gem)
}

// HandleGetGem returns one gem by id.
func (h *Handler) HandleGetGem(c *gin.Context) {
	if h.gems == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "gems not configured"})
		return
	}

	gem, err := h.gems.Lookup(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "gem not found"})
		return
	}
	if err != nil {
		slog.Error("gem lookup failed", "gemId", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load gem"})
		return
	}
	c.JSON(http.StatusOK, gem)
}

// HandleDeleteConversation removes a conversation everywhere: durable
// record and messages, hot context window, local mirror (tombstoned so a
// later refresh cannot resurrect it), and any pending title work.
func (h *Handler) HandleDeleteConversation(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if h.conversations != nil {
		if err := h.conversations.Delete(ctx, id); err != nil {
			slog.Error("conversation delete failed", "conversationId", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete conversation"})
			return
		}
	}
	if h.window != nil {
		if err := h.window.Clear(ctx, id); err != nil {
			slog.Warn("context window clear failed", "conversationId", id, "error", err)
		}
	}
	if h.reconciler != nil {
		h.reconciler.Remove(id)
	}
	if h.titles != nil {
		h.titles.CancelPending(id)
	}
	if h.titleStates != nil {
		h.titleStates.Drop(id)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
