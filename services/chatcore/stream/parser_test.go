// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

func parseAll(t *testing.T, wire string) []datatypes.StreamFrame {
	t.Helper()
	var frames []datatypes.StreamFrame
	err := ReadFrames(context.Background(), strings.NewReader(wire), func(f datatypes.StreamFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	return frames
}

func TestParseTokenFrames(t *testing.T) {
	wire := "event: token\ndata: {\"t\":\"Hello\"}\n\n" +
		"event: token\ndata: {\"t\":\" world\"}\n\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 2)
	assert.Equal(t, datatypes.EventToken, frames[0].Event)
	assert.Equal(t, "Hello", frames[0].Token.T)
	assert.Equal(t, " world", frames[1].Token.T)
}

func TestParseMetaFrames(t *testing.T) {
	wire := "event: meta\ndata: {\"type\":\"conversationCreated\",\"conversationId\":\"conv-9\"}\n\n" +
		"event: meta\ndata: {\"type\":\"optimisticTitle\",\"title\":\"Trip Planning\"}\n\n" +
		"event: meta\ndata: {\"type\":\"sources\",\"sources\":[{\"title\":\"Doc\",\"url\":\"https://x\",\"score\":0.9}]}\n\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 3)
	assert.Equal(t, datatypes.MetaConversationCreated, frames[0].Meta.Type)
	assert.Equal(t, "conv-9", frames[0].Meta.ConversationID)
	assert.Equal(t, "Trip Planning", frames[1].Meta.Title)
	require.Len(t, frames[2].Meta.Sources, 1)
	assert.Equal(t, "Doc", frames[2].Meta.Sources[0].Title)
}

func TestParseErrorFrameStopsStream(t *testing.T) {
	wire := "event: error\ndata: {\"message\":\"rate limited\",\"code\":\"429\",\"status\":429}\n\n" +
		"event: token\ndata: {\"t\":\"never seen\"}\n\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 1, "error frame terminates the read")
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, "rate limited", frames[0].Error.Message)
	assert.Equal(t, 429, frames[0].Error.Status)
}

func TestParseTokenLimitError(t *testing.T) {
	wire := "event: error\ndata: {\"message\":\"context too long\",\"isTokenLimit\":true,\"tokenInfo\":{\"promptTokens\":9000,\"maxTokens\":8192}}\n\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Error.IsTokenLimit)
	require.NotNil(t, frames[0].Error.TokenInfo)
	assert.Equal(t, 9000, frames[0].Error.TokenInfo.PromptTokens)
}

func TestMalformedTokenAndMetaDropped(t *testing.T) {
	wire := "event: token\ndata: {not json\n\n" +
		"event: meta\ndata: 42\n\n" +
		"event: meta\ndata: {}\n\n" +
		"event: token\ndata: {\"t\":\"ok\"}\n\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 1, "malformed token/meta frames are dropped, stream continues")
	assert.Equal(t, "ok", frames[0].Token.T)
}

func TestMalformedErrorSynthesizesGenericFailure(t *testing.T) {
	wire := "event: error\ndata: {broken\n\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0].Error)
	assert.Equal(t, "stream failed", frames[0].Error.Message)
}

func TestUnrecognizedEventIgnored(t *testing.T) {
	wire := "event: telemetry\ndata: {\"whatever\":1}\n\n" +
		"event: token\ndata: {\"t\":\"after\"}\n\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 1)
	assert.Equal(t, "after", frames[0].Token.T)
}

func TestCommentsAndCRLFHandled(t *testing.T) {
	wire := ": ping\r\n" +
		"event: token\r\ndata: {\"t\":\"crlf\"}\r\n\r\n" +
		": ping\r\n"

	frames := parseAll(t, wire)
	require.Len(t, frames, 1)
	assert.Equal(t, "crlf", frames[0].Token.T)
}

func TestTrailingFrameWithoutBlankLineFlushed(t *testing.T) {
	wire := "event: token\ndata: {\"t\":\"tail\"}"

	frames := parseAll(t, wire)
	require.Len(t, frames, 1)
	assert.Equal(t, "tail", frames[0].Token.T)
}

func TestReaderContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ReadFrames(ctx, strings.NewReader("event: token\ndata: {\"t\":\"x\"}\n\n"), func(datatypes.StreamFrame) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallbackErrorStopsRead(t *testing.T) {
	wire := "event: token\ndata: {\"t\":\"a\"}\n\n" +
		"event: token\ndata: {\"t\":\"b\"}\n\n"

	seen := 0
	err := ReadFrames(context.Background(), strings.NewReader(wire), func(datatypes.StreamFrame) error {
		seen++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, seen)
}
