// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile maintains the client-visible conversation list: an
// in-memory mirror of durable storage that absorbs local edits immediately
// and periodically reconciles with what storage actually holds.
//
// # Description
//
// Local state is optimistic: renames, model switches, and activity bumps
// land in the mirror first and reach storage asynchronously. Refresh merges
// the durable list back in without ever undoing a local edit: local field
// values win, timestamps resolve to max(updatedAt)/min(createdAt), and
// deleted conversations are tracked in a tombstone set so a stale fetch
// cannot resurrect them.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Refresh is single-flighted:
// concurrent callers share one fetch.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

// FetchFunc loads the authoritative conversation list from durable storage.
type FetchFunc func(ctx context.Context) ([]datatypes.ConversationRecord, error)

// =============================================================================
// Pure Merge
// =============================================================================

// Merge combines the local mirror with a freshly fetched remote list.
//
// # Description
//
// The result is seeded from remote: every remote conversation appears unless
// tombstoned. Where a local counterpart exists, local field values win and
// timestamps reconcile to max(UpdatedAt) / min(CreatedAt). Local-only
// conversations (created optimistically, not yet fetched back) are kept.
// The result sorts by UpdatedAt descending, ties broken by CreatedAt
// descending.
//
// Merge is pure and idempotent: merging the same inputs twice yields the
// same output.
func Merge(local []datatypes.LocalConversation, remote []datatypes.ConversationRecord, tombstones map[string]struct{}) []datatypes.LocalConversation {
	merged := make(map[string]datatypes.LocalConversation, len(remote)+len(local))

	for _, rec := range remote {
		if _, dead := tombstones[rec.ID]; dead {
			continue
		}
		merged[rec.ID] = datatypes.LocalConversation{ConversationRecord: rec}
	}

	for _, loc := range local {
		if _, dead := tombstones[loc.ID]; dead {
			continue
		}
		rem, ok := merged[loc.ID]
		if !ok {
			merged[loc.ID] = loc
			continue
		}

		out := loc // local fields win wholesale
		if rem.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = rem.UpdatedAt
		}
		if !rem.CreatedAt.IsZero() && (out.CreatedAt.IsZero() || rem.CreatedAt.Before(out.CreatedAt)) {
			out.CreatedAt = rem.CreatedAt
		}
		merged[loc.ID] = out
	}

	result := make([]datatypes.LocalConversation, 0, len(merged))
	for _, c := range merged {
		result = append(result, c)
	}
	sortConversations(result)
	return result
}

func sortConversations(list []datatypes.LocalConversation) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler holds the mutable conversation mirror.
type Reconciler struct {
	mu         sync.RWMutex
	local      map[string]datatypes.LocalConversation
	tombstones map[string]struct{}

	fetch FetchFunc
	sf    singleflight.Group
	now   func() time.Time
}

// New creates a reconciler. fetch may be nil; Refresh then fails fast.
func New(fetch FetchFunc) *Reconciler {
	return &Reconciler{
		local:      make(map[string]datatypes.LocalConversation),
		tombstones: make(map[string]struct{}),
		fetch:      fetch,
		now:        time.Now,
	}
}

// List returns the current mirror, newest activity first.
// Tombstoned conversations never appear.
func (r *Reconciler) List() []datatypes.LocalConversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]datatypes.LocalConversation, 0, len(r.local))
	for _, c := range r.local {
		out = append(out, c)
	}
	sortConversations(out)
	return out
}

// Get returns one conversation from the mirror.
func (r *Reconciler) Get(id string) (datatypes.LocalConversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.local[id]
	return c, ok
}

// Upsert inserts or replaces a conversation in the mirror.
// Tombstoned ids are ignored; deletion is final until restart.
func (r *Reconciler) Upsert(conv datatypes.LocalConversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dead := r.tombstones[conv.ID]; dead {
		return
	}
	r.local[conv.ID] = conv
}

// PatchTitle sets the title of a known conversation and bumps activity.
// Unknown ids are a no-op.
func (r *Reconciler) PatchTitle(id, title string) {
	r.patch(id, func(c *datatypes.LocalConversation) {
		c.Title = title
	})
}

// PatchModel records the model a conversation uses and bumps activity.
func (r *Reconciler) PatchModel(id, model string) {
	r.patch(id, func(c *datatypes.LocalConversation) {
		c.Model = model
	})
}

// BumpActivity moves a conversation to the top of the list. An explicit
// timestamp (for example the durable record's UpdatedAt) may be supplied;
// without one the current time is stamped.
func (r *Reconciler) BumpActivity(id string, at ...time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.local[id]
	if !ok {
		return
	}
	ts := r.now()
	if len(at) > 0 && !at[0].IsZero() {
		ts = at[0]
	}
	c.UpdatedAt = ts.UTC()
	r.local[id] = c
}

func (r *Reconciler) patch(id string, fn func(*datatypes.LocalConversation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.local[id]
	if !ok {
		return
	}
	fn(&c)
	c.UpdatedAt = r.now().UTC()
	r.local[id] = c
}

// Remove deletes a conversation and tombstones its id, so no later refresh
// or upsert can bring it back. Tombstones persist until process restart.
func (r *Reconciler) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, id)
	r.tombstones[id] = struct{}{}
}

// Refresh fetches the durable conversation list and merges it into the
// mirror. Concurrent calls share a single fetch. The merge never replaces
// local state, it reconciles with it.
func (r *Reconciler) Refresh(ctx context.Context) error {
	if r.fetch == nil {
		return fmt.Errorf("reconcile refresh: no fetcher configured")
	}

	_, err, _ := r.sf.Do("refresh", func() (interface{}, error) {
		remote, err := r.fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch conversations: %w", err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		merged := Merge(r.snapshotLocked(), remote, r.tombstones)
		r.local = make(map[string]datatypes.LocalConversation, len(merged))
		for _, c := range merged {
			r.local[c.ID] = c
		}
		return nil, nil
	})
	return err
}

func (r *Reconciler) snapshotLocked() []datatypes.LocalConversation {
	out := make([]datatypes.LocalConversation, 0, len(r.local))
	for _, c := range r.local {
		out = append(out, c)
	}
	return out
}
