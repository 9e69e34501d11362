// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianChat/services/chatcore/autotitle"
	"github.com/AleutianAI/AleutianChat/services/chatcore/contextwindow"
	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatcore/observability"
	"github.com/AleutianAI/AleutianChat/services/chatcore/reconcile"
	"github.com/AleutianAI/AleutianChat/services/chatcore/storage"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

var sessionTracer = otel.Tracer("aleutian.chat.stream")

// =============================================================================
// Phases and Cancellation
// =============================================================================

// Phase is a streaming session lifecycle state.
//
// Transitions: idle → connecting → streaming → {completed, cancelled, failed}.
// Terminal phases never transition further.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseStreaming  Phase = "streaming"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

// CancelPolicy selects what happens to accumulated partial text when a
// session is cancelled.
type CancelPolicy string

const (
	// CancelDiscard drops the partial answer. Used when the user switches
	// away from the conversation mid-stream.
	CancelDiscard CancelPolicy = "discard"

	// CancelCommitPartial keeps the accumulated text as the final assistant
	// message (with no source attributions). Used for the user's stop button.
	CancelCommitPartial CancelPolicy = "commitPartial"
)

// =============================================================================
// Events and Result
// =============================================================================

// Events carries the callbacks a caller registers for one streaming turn.
// Any field may be nil. Frame callbacks run on the session goroutine in
// arrival order; the locally generated optimisticTitle meta may arrive from
// the title goroutine instead (see Manager).
type Events struct {
	// OnPhase observes every lifecycle transition.
	OnPhase func(phase Phase)

	// OnToken receives each token increment as it arrives.
	OnToken func(t string)

	// OnMeta receives every meta event, including the synthesized
	// conversationCreated when the manager created the conversation itself.
	OnMeta func(meta datatypes.MetaPayload)

	// OnError receives the structured error payload of a failed session.
	OnError func(e datatypes.ErrorPayload)

	// OnMessages receives the durably reloaded message list after a
	// committed turn. Skipped when the reload fails; the reload is
	// best-effort by design.
	OnMessages func(msgs []datatypes.Message)
}

func (e Events) phase(p Phase) {
	if e.OnPhase != nil {
		e.OnPhase(p)
	}
}

func (e Events) meta(m datatypes.MetaPayload) {
	if e.OnMeta != nil {
		e.OnMeta(m)
	}
}

// Result summarizes a finished streaming turn.
type Result struct {
	Phase          Phase
	ConversationID string
	Answer         string
	Sources        []datatypes.SourceInfo
	URLs           []string
	Queries        []string
	Err            *datatypes.ErrorPayload
}

// =============================================================================
// Manager
// =============================================================================

// Manager runs streaming chat turns against a backend and keeps the
// surrounding state machinery consistent: the hot context window, durable
// messages, the conversation mirror, and titles.
//
// # Description
//
// The manager holds at most one active session per conversation: starting a
// new turn for a conversation cancels that conversation's previous session
// with discard semantics before the new stream opens, while sessions for
// different conversations proceed concurrently and independently.
// Conversation auto-creation is gated through singleflight so concurrent
// Starts against "no conversation yet" create exactly one conversation, and
// the conversationCreated notification fires exactly once per session no
// matter how the id was obtained.
//
// # Thread Safety
//
// Start and Cancel are safe to call from different goroutines. Frame
// callbacks for one session run on the session goroutine in arrival order;
// the locally generated optimisticTitle meta is the one exception, delivered
// from the title goroutine while the stream may still be flowing. Sinks that
// receive both must tolerate that (the gateway's frame writer serializes).
type Manager struct {
	backend       Backend
	window        contextwindow.Store
	conversations storage.ConversationStore
	messages      storage.MessageStore
	reconciler    *reconcile.Reconciler
	titles        *autotitle.Engine
	summarizer    llm.Generator
	metrics       *observability.ChatMetrics

	// windowSize is the keep-count for trims and the threshold for the
	// summarization pass.
	windowSize int

	mu          sync.Mutex
	active      map[string]*activeSession
	createGroup singleflight.Group
}

type activeSession struct {
	cancel context.CancelFunc

	// key is the conversation id this session is registered under,
	// guarded by the Manager mutex. Starts with the request's id (possibly
	// empty) and moves to the real id once creation or adoption resolves it.
	key string

	mu            sync.Mutex
	userCancelled bool
	policy        CancelPolicy
	done          bool
}

func (s *activeSession) markCancelled(policy CancelPolicy) {
	s.mu.Lock()
	s.userCancelled = true
	s.policy = policy
	s.mu.Unlock()
	s.cancel()
}

func (s *activeSession) cancelledWith() (bool, CancelPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userCancelled, s.policy
}

func (s *activeSession) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// emitMeta delivers a meta event produced off the session goroutine.
// Dropped once the session is finished: the caller's sinks may be gone.
func (s *activeSession) emitMeta(events Events, meta datatypes.MetaPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	events.meta(meta)
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Backend       Backend
	Window        contextwindow.Store
	Conversations storage.ConversationStore
	Messages      storage.MessageStore
	Reconciler    *reconcile.Reconciler
	Titles        *autotitle.Engine
	Summarizer    llm.Generator
	Metrics       *observability.ChatMetrics
	WindowSize    int
}

// NewManager creates a session manager.
//
// Backend and Window are required; everything else degrades gracefully
// when nil (no durable persistence, no titles, no summarization).
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session manager: backend is required")
	}
	if cfg.Window == nil {
		return nil, errors.New("session manager: context window is required")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = contextwindow.DefaultConfig().WindowSize
	}
	return &Manager{
		backend:       cfg.Backend,
		window:        cfg.Window,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		reconciler:    cfg.Reconciler,
		titles:        cfg.Titles,
		summarizer:    cfg.Summarizer,
		metrics:       cfg.Metrics,
		windowSize:    cfg.WindowSize,
		active:        make(map[string]*activeSession),
	}, nil
}

// Cancel stops the active session of one conversation, if any, with the
// given policy. Sessions for other conversations are untouched.
// Returns true when there was a session to cancel.
func (m *Manager) Cancel(conversationID string, policy CancelPolicy) bool {
	m.mu.Lock()
	s := m.active[conversationID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.markCancelled(policy)
	m.metrics.RecordCancellation(string(policy))
	return true
}

// Regenerate re-runs generation for an existing assistant message: the
// message and everything after it are truncated, the user turn is replayed
// without being saved again, and a fresh stream replaces the old answer.
func (m *Manager) Regenerate(ctx context.Context, conversationID, assistantMessageID string, events Events) (Result, error) {
	return m.Start(ctx, datatypes.SendRequest{
		ConversationID:      conversationID,
		Regenerate:          true,
		SkipSaveUserMessage: true,
		TruncateMessageID:   assistantMessageID,
	}, events)
}

// Edit resends an edited user message: history is truncated at the edited
// message and the new content is sent as a persisted user turn.
func (m *Manager) Edit(ctx context.Context, conversationID, messageID, newContent string, events Events) (Result, error) {
	return m.Start(ctx, datatypes.SendRequest{
		ConversationID:    conversationID,
		Content:           newContent,
		TruncateMessageID: messageID,
	}, events)
}

// Start runs one streaming turn to its terminal phase.
//
// # Description
//
// Blocks until the session reaches completed, cancelled, or failed,
// invoking the Events callbacks along the way. Callers who need it
// non-blocking run Start in a goroutine and use Cancel from outside.
//
// Starting while this conversation already has an active session cancels
// that session with discard semantics first; the newest turn always wins.
// Sessions for other conversations keep streaming.
//
// # Outputs
//
//   - Result: Terminal phase plus everything accumulated.
//   - error: Non-nil only for invalid requests; stream failures are
//     reported through Result.Err and PhaseFailed, not the error return.
func (m *Manager) Start(ctx context.Context, req datatypes.SendRequest, events Events) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	ctx, span := sessionTracer.Start(ctx, "Manager.Start")
	defer span.End()

	// One slot per conversation: this conversation's previous session (if
	// any) is discarded. Other conversations' sessions are untouched.
	sessionCtx, cancel := context.WithCancel(ctx)
	session := &activeSession{cancel: cancel, key: req.ConversationID}

	m.mu.Lock()
	if prev := m.active[req.ConversationID]; prev != nil {
		prev.markCancelled(CancelDiscard)
	}
	m.active[req.ConversationID] = session
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		if m.active[session.key] == session {
			delete(m.active, session.key)
		}
		m.mu.Unlock()
	}()

	m.metrics.StreamStarted()
	started := time.Now()

	result := m.run(sessionCtx, session, req, events)
	session.finish()

	span.SetAttributes(
		attribute.String("chat.conversation_id", result.ConversationID),
		attribute.String("chat.terminal_phase", string(result.Phase)),
	)
	m.metrics.StreamEnded(string(result.Phase), time.Since(started).Seconds())
	return result, nil
}

// =============================================================================
// Session Run
// =============================================================================

func (m *Manager) run(ctx context.Context, session *activeSession, req datatypes.SendRequest, events Events) Result {
	events.phase(PhaseConnecting)

	result := Result{ConversationID: req.ConversationID}

	// The id arrives either here (manager-side creation) or from the
	// backend's conversationCreated meta; announced guards the notification
	// to exactly one firing per session either way.
	announced := false

	if req.ConversationID == "" && m.conversations != nil {
		id, err := m.createConversation(ctx, req)
		if err != nil {
			return m.fail(events, result, datatypes.ErrorPayload{
				Message: "could not create conversation",
				Code:    "conversation_create",
			})
		}
		req.ConversationID = id
		result.ConversationID = id
		m.adoptSessionKey(session, id)
		announced = true
		events.meta(datatypes.MetaPayload{
			Type:           datatypes.MetaConversationCreated,
			ConversationID: id,
		})
		m.optimisticTitle(session, id, req.Content, events)
	}
	// Without a conversation store the backend owns creation: the stream
	// opens id-less and the backend's conversationCreated meta supplies it.

	if err := m.prepareTurn(ctx, req); err != nil {
		return m.fail(events, result, datatypes.ErrorPayload{
			Message: err.Error(),
			Code:    "history_truncate",
		})
	}

	body, err := m.backend.OpenStream(ctx, req)
	if err != nil {
		if cancelled, policy := session.cancelledWith(); cancelled {
			return m.cancelled(ctx, events, result, policy, "")
		}
		return m.fail(events, result, datatypes.ErrorPayload{
			Message: fmt.Sprintf("stream connect failed: %v", err),
			Code:    "connect",
		})
	}
	defer body.Close()

	events.phase(PhaseStreaming)

	var answer strings.Builder
	var streamErr *datatypes.ErrorPayload

	readErr := ReadFrames(ctx, body, func(frame datatypes.StreamFrame) error {
		switch frame.Event {
		case datatypes.EventToken:
			answer.WriteString(frame.Token.T)
			m.metrics.RecordToken()
			if events.OnToken != nil {
				events.OnToken(frame.Token.T)
			}

		case datatypes.EventMeta:
			m.handleMeta(ctx, *frame.Meta, session, &req, &result, &announced, events)

		case datatypes.EventError:
			streamErr = frame.Error
		}
		return nil
	})

	result.Answer = answer.String()

	// Terminal classification. Order matters: a user cancel that races a
	// transport error is still a cancel, and a protocol error frame beats
	// the transport EOF that follows it.
	if cancelled, policy := session.cancelledWith(); cancelled {
		return m.cancelled(ctx, events, result, policy, result.Answer)
	}
	if streamErr != nil {
		return m.fail(events, result, *streamErr)
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return m.fail(events, result, datatypes.ErrorPayload{
			Message: fmt.Sprintf("stream transport failed: %v", readErr),
			Code:    "transport",
		})
	}
	if errors.Is(readErr, context.Canceled) || ctx.Err() != nil {
		// Parent context died without a user Cancel: treat as discard.
		return m.cancelled(ctx, events, result, CancelDiscard, "")
	}

	m.commitTurn(result.ConversationID, result.Answer, events)
	result.Phase = PhaseCompleted
	events.phase(PhaseCompleted)
	return result
}

// adoptSessionKey re-registers a session under its resolved conversation id.
// A session already streaming under that id is discarded; the resolving
// session takes the slot.
func (m *Manager) adoptSessionKey(session *activeSession, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[session.key] == session {
		delete(m.active, session.key)
	}
	if prev := m.active[conversationID]; prev != nil && prev != session {
		prev.markCancelled(CancelDiscard)
	}
	session.key = conversationID
	m.active[conversationID] = session
}

// createConversation creates the conversation exactly once even when
// several Starts race: concurrent callers share the singleflight slot.
func (m *Manager) createConversation(ctx context.Context, req datatypes.SendRequest) (string, error) {
	if m.conversations == nil {
		return "", errors.New("no conversation store configured")
	}

	v, err, _ := m.createGroup.Do("create-conversation", func() (interface{}, error) {
		rec, err := m.conversations.Create(ctx, "", req.Model, req.GemID)
		if err != nil {
			return nil, err
		}
		if m.reconciler != nil {
			m.reconciler.Upsert(datatypes.LocalConversation{ConversationRecord: rec})
		}
		slog.Info("conversation created", "conversationId", rec.ID)
		return rec.ID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// optimisticTitleTimeout bounds the background optimistic-title generation.
// Detached from the session context: a discarded stream does not waste the
// title, and a slow title backend cannot stall anything.
const optimisticTitleTimeout = 10 * time.Second

// optimisticTitle kicks off provisional title generation off the send path.
// Tokens start flowing regardless of how long the title model takes; the
// optimisticTitle meta is emitted when (and if) the title resolves while the
// session is still alive. The state store and mirror are updated either way.
func (m *Manager) optimisticTitle(session *activeSession, conversationID, firstUserMessage string, events Events) {
	if m.titles == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), optimisticTitleTimeout)
		defer cancel()

		title := m.titles.OptimisticTitle(ctx, conversationID, firstUserMessage)
		if title == "" {
			return
		}
		if m.reconciler != nil {
			m.reconciler.PatchTitle(conversationID, title)
		}
		session.emitMeta(events, datatypes.MetaPayload{
			Type:           datatypes.MetaOptimisticTitle,
			ConversationID: conversationID,
			Title:          title,
		})
	}()
}

// prepareTurn applies pre-stream history surgery: retracting a regenerated
// assistant entry from the hot window, truncating durable history, and
// persisting the outgoing user turn.
func (m *Manager) prepareTurn(ctx context.Context, req datatypes.SendRequest) error {
	if req.ConversationID == "" {
		// Backend-owned creation: the id is not known until the stream's
		// conversationCreated meta arrives, so there is no local history to
		// prepare. The backend keeps its own.
		return nil
	}

	if req.Regenerate {
		// Best-effort: under concurrent appends the tail may no longer be
		// the assistant turn being replaced, in which case nothing happens.
		if _, err := m.window.UndoLastAppend(ctx, req.ConversationID, datatypes.RoleAssistant); err != nil {
			slog.Warn("undo of assistant context entry failed",
				"conversationId", req.ConversationID, "error", err)
		}
	}

	if req.TruncateMessageID != "" && m.messages != nil {
		err := m.messages.TruncateAfter(ctx, req.ConversationID, req.TruncateMessageID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("truncate history: %w", err)
		}
	}

	if !req.SkipSaveUserMessage && req.Content != "" {
		if m.messages != nil {
			if _, err := m.messages.AppendMessage(ctx, req.ConversationID, datatypes.RoleUser, req.Content); err != nil {
				// Durable append failing must not block the turn; the
				// post-stream reload will reconcile what actually landed.
				slog.Warn("user message persist failed",
					"conversationId", req.ConversationID, "error", err)
			}
		}
		entry := datatypes.ContextEntry{Role: datatypes.RoleUser, Content: req.Content}
		if err := m.window.Append(ctx, req.ConversationID, entry); err != nil {
			slog.Warn("user context append failed",
				"conversationId", req.ConversationID, "error", err)
		}
	}
	return nil
}

func (m *Manager) handleMeta(ctx context.Context, meta datatypes.MetaPayload, session *activeSession, req *datatypes.SendRequest, result *Result, announced *bool, events Events) {
	switch meta.Type {
	case datatypes.MetaConversationCreated:
		// Exactly one notification per session: if the manager already
		// created (and announced) the conversation, the backend's echo is
		// swallowed.
		if *announced || meta.ConversationID == "" {
			return
		}
		*announced = true
		req.ConversationID = meta.ConversationID
		result.ConversationID = meta.ConversationID
		m.adoptSessionKey(session, meta.ConversationID)
		if m.reconciler != nil {
			m.reconciler.Upsert(datatypes.LocalConversation{
				ConversationRecord: datatypes.ConversationRecord{
					ID:        meta.ConversationID,
					CreatedAt: time.Now().UTC(),
					UpdatedAt: time.Now().UTC(),
				},
			})
		}
		events.meta(meta)

	case datatypes.MetaOptimisticTitle:
		// The backend's title goes through the same state machinery as a
		// locally generated one.
		id := meta.ConversationID
		if id == "" {
			id = result.ConversationID
		}
		if meta.Title != "" && id != "" {
			if m.titles != nil {
				m.titles.AdoptOptimistic(id, meta.Title)
			}
			if m.reconciler != nil {
				m.reconciler.PatchTitle(id, meta.Title)
			}
		}
		events.meta(meta)

	case datatypes.MetaFinalTitle:
		id := meta.ConversationID
		if id == "" {
			id = result.ConversationID
		}
		if meta.Title != "" && id != "" {
			m.applyFinalTitle(ctx, id, meta.Title)
		}
		events.meta(meta)

	case datatypes.MetaSources:
		result.Sources = append(result.Sources, meta.Sources...)
		events.meta(meta)

	case datatypes.MetaURLContext:
		result.URLs = append(result.URLs, meta.URLs...)
		events.meta(meta)

	case datatypes.MetaWebSearch:
		result.Queries = append(result.Queries, meta.Queries...)
		events.meta(meta)

	default:
		// Unknown meta types are forwarded untouched; the caller may know
		// more than we do.
		events.meta(meta)
	}
}

// applyFinalTitle settles a title everywhere it lives: the title state
// store, the conversation mirror, and the durable record.
func (m *Manager) applyFinalTitle(ctx context.Context, conversationID, title string) {
	if m.titles != nil {
		m.titles.AdoptFinal(conversationID, title)
	}
	if m.reconciler != nil {
		m.reconciler.PatchTitle(conversationID, title)
	}
	if m.conversations != nil {
		if err := m.conversations.Rename(ctx, conversationID, title); err != nil {
			slog.Warn("final title persist failed",
				"conversationId", conversationID, "error", err)
		}
	}
}

// =============================================================================
// Terminal Handling
// =============================================================================

func (m *Manager) fail(events Events, result Result, payload datatypes.ErrorPayload) Result {
	m.metrics.RecordError(payload.Code)
	result.Err = &payload
	result.Phase = PhaseFailed
	if events.OnError != nil {
		events.OnError(payload)
	}
	events.phase(PhaseFailed)
	return result
}

func (m *Manager) cancelled(ctx context.Context, events Events, result Result, policy CancelPolicy, partial string) Result {
	if policy == CancelCommitPartial && strings.TrimSpace(partial) != "" {
		// The partial answer becomes the final assistant message, with no
		// source attributions: sources may describe content that never
		// arrived.
		result.Sources = nil
		result.URLs = nil
		result.Queries = nil
		m.persistAssistantTurn(result.ConversationID, partial, events)
	} else {
		result.Answer = ""
	}
	result.Phase = PhaseCancelled
	events.phase(PhaseCancelled)
	return result
}

// commitTurn persists a completed answer and runs post-stream maintenance:
// durable append, conversation touch, one best-effort reload, the
// summarization pass, and the final-title schedule.
func (m *Manager) commitTurn(conversationID, answer string, events Events) {
	if strings.TrimSpace(answer) == "" {
		return
	}
	m.persistAssistantTurn(conversationID, answer, events)
}

func (m *Manager) persistAssistantTurn(conversationID, answer string, events Events) {
	if conversationID == "" {
		// The backend never announced an id; there is nothing to key the
		// persisted turn by.
		return
	}

	// The stream context may already be cancelled; maintenance gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry := datatypes.ContextEntry{Role: datatypes.RoleAssistant, Content: answer}
	if err := m.window.Append(ctx, conversationID, entry); err != nil {
		slog.Warn("assistant context append failed",
			"conversationId", conversationID, "error", err)
	}

	if m.messages != nil {
		if _, err := m.messages.AppendMessage(ctx, conversationID, datatypes.RoleAssistant, answer); err != nil {
			slog.Warn("assistant message persist failed",
				"conversationId", conversationID, "error", err)
		}
	}

	if m.conversations != nil {
		if err := m.conversations.Touch(ctx, conversationID, preview(answer)); err != nil {
			slog.Warn("conversation touch failed",
				"conversationId", conversationID, "error", err)
		}
	}
	if m.reconciler != nil {
		m.reconciler.BumpActivity(conversationID)
	}

	m.reloadMessages(ctx, conversationID, events)
	m.maintainWindow(ctx, conversationID)
	m.scheduleFinalTitle(ctx, conversationID)
}

// reloadMessages performs the single best-effort durable reload after a
// committed turn. Failure is logged and swallowed: the local view already
// holds the streamed content.
func (m *Manager) reloadMessages(ctx context.Context, conversationID string, events Events) {
	if m.messages == nil || events.OnMessages == nil {
		return
	}
	msgs, err := m.messages.ListMessages(ctx, conversationID)
	if err != nil {
		slog.Warn("post-stream message reload failed",
			"conversationId", conversationID, "error", err)
		return
	}
	events.OnMessages(msgs)
}

const summaryPrompt = `Update the running summary of a conversation. Fold the new turns into the previous summary, keeping facts, decisions, and open questions. Reply with the updated summary only.

Previous summary:
%SUMMARY%

New turns:
%TURNS%`

// maintainWindow runs the grow-then-summarize-then-trim pass: when the
// buffer has outgrown the nominal window, the overflow is folded into the
// rolling summary and only then trimmed away. Any failure leaves the buffer
// long, which is always safe; the hard cap bounds it regardless.
func (m *Manager) maintainWindow(ctx context.Context, conversationID string) {
	if m.summarizer == nil {
		return
	}

	length, err := m.window.Length(ctx, conversationID)
	if err != nil || length <= m.windowSize {
		return
	}

	overflow, err := m.window.OverflowForSummary(ctx, conversationID, m.windowSize)
	if err != nil || len(overflow) == 0 {
		return
	}

	prev, err := m.window.Summary(ctx, conversationID)
	if err != nil {
		slog.Warn("summary read failed, keeping long buffer",
			"conversationId", conversationID, "error", err)
		return
	}

	prompt := strings.Replace(summaryPrompt, "%SUMMARY%", prev, 1)
	prompt = strings.Replace(prompt, "%TURNS%", renderTurns(overflow), 1)

	summary, err := m.summarizer.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil || strings.TrimSpace(summary) == "" {
		slog.Warn("summarization failed, keeping long buffer",
			"conversationId", conversationID, "error", err)
		return
	}

	if err := m.window.SetSummary(ctx, conversationID, strings.TrimSpace(summary)); err != nil {
		slog.Warn("summary write failed, keeping long buffer",
			"conversationId", conversationID, "error", err)
		return
	}

	// Trim only after the summary is durably in place: the overflow is
	// never dropped before it has been condensed.
	if err := m.window.TrimToLast(ctx, conversationID, m.windowSize); err != nil {
		slog.Warn("window trim failed",
			"conversationId", conversationID, "error", err)
	}
}

func renderTurns(entries []datatypes.ContextEntry) string {
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(string(entry.Role))
		b.WriteString(": ")
		b.WriteString(entry.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Manager) scheduleFinalTitle(ctx context.Context, conversationID string) {
	if m.titles == nil {
		return
	}
	transcript, err := m.window.Read(ctx, conversationID, 0)
	if err != nil || len(transcript) == 0 {
		return
	}
	m.titles.ScheduleFinal(conversationID, transcript)
}

func preview(answer string) string {
	const previewLimit = 120
	answer = strings.TrimSpace(answer)
	if len(answer) > previewLimit {
		return answer[:previewLimit]
	}
	return answer
}
