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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

func fixedGenerator(output string, err error) llm.GenerateFunc {
	return func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		return output, err
	}
}

func transcript(contents ...string) []datatypes.ContextEntry {
	var entries []datatypes.ContextEntry
	for i, c := range contents {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		entries = append(entries, datatypes.ContextEntry{Role: role, Content: c})
	}
	return entries
}

func TestOptimisticTitleFromGenerator(t *testing.T) {
	states := NewStateStore()
	e := NewEngine(fixedGenerator("trip planning", nil), states, time.Second, nil)
	defer e.Close()

	title := e.OptimisticTitle(context.Background(), "c1", "help me plan a trip")
	assert.Equal(t, "Trip Planning", title)

	st := states.Get("c1")
	assert.Equal(t, "Trip Planning", st.Optimistic)
	assert.False(t, st.Loading, "loading cleared after generation")
}

func TestOptimisticTitleFallsBackOnError(t *testing.T) {
	states := NewStateStore()
	e := NewEngine(fixedGenerator("", errors.New("backend down")), states, time.Second, nil)
	defer e.Close()

	title := e.OptimisticTitle(context.Background(), "c1", "how do solar panels work?")
	assert.Equal(t, "How Do Solar Panels Work", title)
	assert.False(t, states.Get("c1").Loading)
}

func TestOptimisticTitleUnusableEverywhere(t *testing.T) {
	states := NewStateStore()
	e := NewEngine(fixedGenerator("???", nil), states, time.Second, nil)
	defer e.Close()

	title := e.OptimisticTitle(context.Background(), "c1", "!!!")
	assert.Empty(t, title)
	assert.Empty(t, states.Get("c1").Optimistic, "no title recorded when nothing usable")
	assert.False(t, states.Get("c1").Loading)
}

func TestFinalTitleDebounce(t *testing.T) {
	var calls atomic.Int32
	gen := llm.GenerateFunc(func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		calls.Add(1)
		return "settled topic", nil
	})

	states := NewStateStore()

	var mu sync.Mutex
	var notified []string
	e := NewEngine(gen, states, 50*time.Millisecond, func(id, title string) {
		mu.Lock()
		notified = append(notified, id+"="+title)
		mu.Unlock()
	})
	defer e.Close()

	// Rapid rescheduling: only the last timer fires.
	for i := 0; i < 5; i++ {
		e.ScheduleFinal("c1", transcript("question", "answer"))
	}

	require.Eventually(t, func() bool {
		return states.Get("c1").Final == "Settled Topic"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load(), "debounce coalesces rapid schedules into one generation")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1=Settled Topic"}, notified)
}

func TestFinalTitleIndependentPerConversation(t *testing.T) {
	states := NewStateStore()
	e := NewEngine(fixedGenerator("shared title", nil), states, 30*time.Millisecond, nil)
	defer e.Close()

	e.ScheduleFinal("a", transcript("q1"))
	e.ScheduleFinal("b", transcript("q2"))
	// Rescheduling a must not delay b.
	e.ScheduleFinal("a", transcript("q1", "a1"))

	require.Eventually(t, func() bool {
		return states.Get("a").Final != "" && states.Get("b").Final != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFinalTitleEmptyResultKeepsExisting(t *testing.T) {
	states := NewStateStore()
	states.SetOptimistic("c1", "Draft Title")

	e := NewEngine(fixedGenerator("...", nil), states, 20*time.Millisecond, nil)
	defer e.Close()

	e.ScheduleFinal("c1", transcript("q"))

	require.Eventually(t, func() bool {
		return !states.Get("c1").Loading
	}, 2*time.Second, 10*time.Millisecond)
	// Give the timer goroutine a beat to have run fully.
	time.Sleep(50 * time.Millisecond)

	st := states.Get("c1")
	assert.Empty(t, st.Final)
	assert.Equal(t, "Draft Title", st.Display(), "rejected title never erases the visible one")
}

func TestCancelPending(t *testing.T) {
	var calls atomic.Int32
	gen := llm.GenerateFunc(func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		calls.Add(1)
		return "title", nil
	})

	states := NewStateStore()
	e := NewEngine(gen, states, 30*time.Millisecond, nil)
	defer e.Close()

	e.ScheduleFinal("c1", transcript("q"))
	e.CancelPending("c1")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load(), "cancelled timer never generates")
}

func TestCloseStopsTimers(t *testing.T) {
	var calls atomic.Int32
	gen := llm.GenerateFunc(func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		calls.Add(1)
		return "title", nil
	})

	states := NewStateStore()
	e := NewEngine(gen, states, 30*time.Millisecond, nil)

	e.ScheduleFinal("c1", transcript("q"))
	e.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())

	// Scheduling after close is a no-op.
	e.ScheduleFinal("c2", transcript("q"))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
