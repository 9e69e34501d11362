// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

// Backend opens a token stream for a send request.
//
// Implementations own the transport. The returned body yields the SSE wire
// format and is closed by the caller.
type Backend interface {
	OpenStream(ctx context.Context, req datatypes.SendRequest) (io.ReadCloser, error)
}

// =============================================================================
// HTTP Backend
// =============================================================================

// HTTPBackend streams from a chat gateway over HTTP.
type HTTPBackend struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPBackend creates a backend for the gateway at baseURL.
//
// The client carries no overall timeout: a stream legitimately lasts
// minutes. Cancellation comes from the request context.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// OpenStream POSTs the send request and returns the response body.
//
// Non-200 responses are drained (briefly) and surfaced as errors; the
// session manager maps them to a failed terminal state.
func (b *HTTPBackend) OpenStream(ctx context.Context, req datatypes.SendRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg := readErrorBody(resp.Body)
		return nil, fmt.Errorf("stream rejected with status %d: %s", resp.StatusCode, msg)
	}
	return resp.Body, nil
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no details"
	}
	return strings.TrimSpace(string(data))
}

var _ Backend = (*HTTPBackend)(nil)
