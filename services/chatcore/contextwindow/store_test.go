// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextwindow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatcore/storage"
)

func newTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, cfg)
}

func userEntry(s string) datatypes.ContextEntry {
	return datatypes.ContextEntry{Role: datatypes.RoleUser, Content: s}
}

func assistantEntry(s string) datatypes.ContextEntry {
	return datatypes.ContextEntry{Role: datatypes.RoleAssistant, Content: s}
}

func TestAppendAndReadOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	require.NoError(t, s.Append(ctx, "c1", userEntry("one")))
	require.NoError(t, s.Append(ctx, "c1", assistantEntry("two")))
	require.NoError(t, s.Append(ctx, "c1", userEntry("three")))

	all, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Content)
	assert.Equal(t, "three", all[2].Content)

	last2, err := s.Read(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "two", last2[0].Content)
	assert.Equal(t, "three", last2[1].Content)
}

func TestReadMissingWindowIsEmpty(t *testing.T) {
	s := newTestStore(t, Config{})

	entries, err := s.Read(context.Background(), "nope", 5)
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err := s.Length(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHardCapDropsOldest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{WindowSize: 2, HardCapFactor: 2})

	for i := 1; i <= 6; i++ {
		require.NoError(t, s.Append(ctx, "c1", userEntry(fmt.Sprintf("m%d", i))))
	}

	n, err := s.Length(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "buffer bounded at WindowSize*HardCapFactor")

	entries, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, "m3", entries[0].Content, "oldest entries dropped from the head")
	assert.Equal(t, "m6", entries[3].Content)
}

func TestTrimToLast(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, "c1", userEntry(fmt.Sprintf("m%d", i))))
	}

	require.NoError(t, s.TrimToLast(ctx, "c1", 2))
	entries, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m4", entries[0].Content)

	// Trim to zero empties the buffer but not the summary.
	require.NoError(t, s.SetSummary(ctx, "c1", "what came before"))
	require.NoError(t, s.TrimToLast(ctx, "c1", 0))
	n, err := s.Length(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)

	summary, err := s.Summary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "what came before", summary)
}

func TestOverflowForSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, "c1", userEntry(fmt.Sprintf("m%d", i))))
	}

	overflow, err := s.OverflowForSummary(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, overflow, 3)
	assert.Equal(t, "m1", overflow[0].Content)
	assert.Equal(t, "m3", overflow[2].Content)

	// OverflowForSummary must not modify the buffer.
	n, err := s.Length(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// No overflow when the buffer fits.
	overflow, err = s.OverflowForSummary(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, overflow)
}

func TestSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	summary, err := s.Summary(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, summary)

	require.NoError(t, s.SetSummary(ctx, "c1", "the story so far"))
	summary, err = s.Summary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "the story so far", summary)

	require.NoError(t, s.SetSummary(ctx, "c1", ""))
	summary, err = s.Summary(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestUndoLastAppend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	require.NoError(t, s.Append(ctx, "c1", userEntry("question")))
	require.NoError(t, s.Append(ctx, "c1", assistantEntry("answer")))

	// Role mismatch: nothing removed.
	removed, err := s.UndoLastAppend(ctx, "c1", datatypes.RoleUser)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.UndoLastAppend(ctx, "c1", datatypes.RoleAssistant)
	require.NoError(t, err)
	assert.True(t, removed)

	entries, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "question", entries[0].Content)

	// Empty buffer: undo is a no-op, not an error.
	removed, err = s.UndoLastAppend(ctx, "c2", datatypes.RoleAssistant)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestClearRemovesBufferAndSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	require.NoError(t, s.Append(ctx, "c1", userEntry("hello")))
	require.NoError(t, s.SetSummary(ctx, "c1", "summary"))

	require.NoError(t, s.Clear(ctx, "c1"))

	entries, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	summary, err := s.Summary(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestConversationsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	require.NoError(t, s.Append(ctx, "a", userEntry("for a")))
	require.NoError(t, s.Append(ctx, "b", userEntry("for b")))

	require.NoError(t, s.Clear(ctx, "a"))

	entries, err := s.Read(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "for b", entries[0].Content)
}

func TestTTLExpiryReadsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{TTL: time.Second})

	require.NoError(t, s.Append(ctx, "c1", userEntry("short lived")))

	// Badger TTL resolution is one second; wait past it.
	time.Sleep(1500 * time.Millisecond)

	entries, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "expired window reads as empty, not as an error")
}

func TestInvalidRoleRejected(t *testing.T) {
	s := newTestStore(t, Config{})

	err := s.Append(context.Background(), "c1", datatypes.ContextEntry{Role: "tool", Content: "x"})
	assert.Error(t, err)
}
