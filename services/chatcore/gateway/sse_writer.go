// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// FrameWriter writes streaming chat frames to an HTTP response as
// Server-Sent Events.
//
// # Description
//
// FrameWriter abstracts SSE serialization from HTTP response mechanics.
// Implementations handle the wire format (event: type\ndata: json\n\n)
// internally and flush after every write so tokens reach the client as
// they are generated.
//
// The stream has no closing frame: a successful turn simply ends with the
// transport closing. Only error frames are terminal.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: tokens and keepalives
// are written from different goroutines.
type FrameWriter interface {
	// WriteToken writes one token frame.
	WriteToken(t string) error

	// WriteMeta writes one meta frame (conversationCreated, titles,
	// sources, urlContext, webSearch).
	WriteMeta(meta datatypes.MetaPayload) error

	// WriteError writes the terminal error frame. The stream must be
	// closed after this.
	WriteError(payload datatypes.ErrorPayload) error

	// WriteKeepAlive sends an SSE comment (": ping") to keep the TCP
	// connection alive through load balancer idle timeouts.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// frameWriter implements FrameWriter on an http.ResponseWriter.
type frameWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewFrameWriter creates a FrameWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - FrameWriter: Ready to write frames.
//   - error: Non-nil if the ResponseWriter does not support flushing.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write.
func NewFrameWriter(w http.ResponseWriter) (FrameWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &frameWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *frameWriter) WriteToken(t string) error {
	return w.writeFrame(datatypes.EventToken, datatypes.TokenPayload{T: t})
}

func (w *frameWriter) WriteMeta(meta datatypes.MetaPayload) error {
	return w.writeFrame(datatypes.EventMeta, meta)
}

func (w *frameWriter) WriteError(payload datatypes.ErrorPayload) error {
	if payload.Message == "" {
		payload.Message = "stream failed"
	}
	return w.writeFrame(datatypes.EventError, payload)
}

func (w *frameWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *frameWriter) writeFrame(event datatypes.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures response headers for SSE streaming.
//
// Must be called before writing any response body. X-Accel-Buffering
// disables nginx proxy buffering, which would otherwise hold tokens back.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ FrameWriter = (*frameWriter)(nil)
