// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextwindow implements the per-conversation hot context window:
// a bounded, ordered buffer of recent turns plus a rolling summary of the
// turns that aged out of it.
//
// # Description
//
// The window lives on BadgerDB with a per-key TTL, so an idle conversation's
// context expires on its own and an active one stays warm: reading the
// buffer (Read) or the summary rewrites the entry with a fresh TTL. Size
// probes like Length stay read-only and leave the expiry alone. The buffer grows past the nominal
// window size between summarization passes; a hard cap bounds it even when
// summarization keeps failing, by dropping oldest entries on append.
//
// Lifecycle of a turn:
//
//	Append (grow) → OverflowForSummary + SetSummary (condense) → TrimToLast (shrink)
//
// Each step is an independent single-key transaction. If condensing fails,
// the buffer is simply left long, which is always safe.
//
// # Thread Safety
//
// All methods are safe for concurrent use. BadgerDB serializes conflicting
// single-key transactions; concurrent appends to one conversation both land,
// in some order, without loss.
package contextwindow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatcore/storage"
)

const (
	bufKeyPrefix     = "ctx:"
	summaryKeyPrefix = "sum:"
)

func bufKey(conversationID string) []byte {
	return []byte(bufKeyPrefix + conversationID)
}

func summaryKey(conversationID string) []byte {
	return []byte(summaryKeyPrefix + conversationID)
}

// =============================================================================
// Interface Definition
// =============================================================================

// Store is the per-conversation context window contract.
//
// # Description
//
// All operations key by conversation id and are independent across ids.
// Entries are immutable once appended; removal happens only from the head
// (TrimToLast) or wholesale (Clear). A missing or expired window reads as
// empty, never as an error.
//
// # Limitations
//
//   - UndoLastAppend is best-effort: under concurrent appends it may observe
//     a newer tail and decline to remove anything.
type Store interface {
	// Append adds one entry at the tail of the conversation's buffer and
	// refreshes the TTL. If the buffer is at the hard cap, the oldest entry
	// is dropped to make room.
	Append(ctx context.Context, conversationID string, entry datatypes.ContextEntry) error

	// Read returns up to limit most recent entries in chronological order
	// and refreshes the TTL. limit <= 0 means the whole buffer. A missing
	// window yields an empty slice.
	Read(ctx context.Context, conversationID string, limit int) ([]datatypes.ContextEntry, error)

	// Length returns the current number of buffered entries. A size probe
	// only: unlike Read it does not refresh the TTL.
	Length(ctx context.Context, conversationID string) (int, error)

	// TrimToLast discards everything but the last keep entries.
	// keep <= 0 clears the buffer (the summary is kept).
	TrimToLast(ctx context.Context, conversationID string, keep int) error

	// OverflowForSummary returns the head entries that TrimToLast(keep)
	// would discard, without modifying the buffer or refreshing the TTL.
	// Empty when the buffer holds keep entries or fewer.
	OverflowForSummary(ctx context.Context, conversationID string, keep int) ([]datatypes.ContextEntry, error)

	// Summary returns the rolling summary, or "" when none exists.
	// Reading refreshes the summary's TTL.
	Summary(ctx context.Context, conversationID string) (string, error)

	// SetSummary replaces the rolling summary.
	SetSummary(ctx context.Context, conversationID, summary string) error

	// UndoLastAppend removes the tail entry if its role matches.
	// Returns true when an entry was removed. Used by regenerate to retract
	// the assistant turn being replaced.
	UndoLastAppend(ctx context.Context, conversationID string, role datatypes.Role) (bool, error)

	// Clear removes the buffer and the summary.
	Clear(ctx context.Context, conversationID string) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config bounds and ages the context window.
type Config struct {
	// WindowSize is the nominal number of entries kept after trimming.
	WindowSize int

	// HardCapFactor caps the buffer at HardCapFactor * WindowSize entries.
	HardCapFactor int

	// TTL is the idle lifetime of a conversation's window and summary.
	TTL time.Duration
}

// DefaultConfig returns the production defaults: window of 8 turns,
// hard cap at 5x, one hour idle lifetime.
func DefaultConfig() Config {
	return Config{
		WindowSize:    8,
		HardCapFactor: 5,
		TTL:           time.Hour,
	}
}

func (c Config) hardCap() int {
	return c.WindowSize * c.HardCapFactor
}

// =============================================================================
// Badger Implementation
// =============================================================================

type store struct {
	db  *storage.DB
	cfg Config
}

// NewStore creates a context window store on the given database.
//
// # Inputs
//
//   - db: Opened database. The window shares it with the durable stores
//     but uses its own key prefixes.
//   - cfg: Window bounds and TTL. Zero fields fall back to defaults.
//
// # Outputs
//
//   - Store: Ready for use. Safe for concurrent use.
func NewStore(db *storage.DB, cfg Config) Store {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.HardCapFactor < 1 {
		cfg.HardCapFactor = def.HardCapFactor
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &store{db: db, cfg: cfg}
}

func (s *store) Append(ctx context.Context, conversationID string, entry datatypes.ContextEntry) error {
	if !entry.Role.Valid() {
		return fmt.Errorf("context window append: invalid role %q", entry.Role)
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entries, err := readBuffer(txn, conversationID)
		if err != nil {
			return err
		}

		entries = append(entries, entry)

		// Hard cap: drop oldest entries rather than grow without bound.
		if cap := s.cfg.hardCap(); len(entries) > cap {
			entries = entries[len(entries)-cap:]
		}

		return s.writeBuffer(txn, conversationID, entries)
	})
	if err != nil {
		return fmt.Errorf("context window append: %w", err)
	}
	return nil
}

func (s *store) Read(ctx context.Context, conversationID string, limit int) ([]datatypes.ContextEntry, error) {
	var out []datatypes.ContextEntry
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entries, err := readBuffer(txn, conversationID)
		if err != nil {
			return err
		}
		if entries == nil {
			return nil
		}

		// Refresh the TTL: an active conversation never expires mid-use.
		if err := s.writeBuffer(txn, conversationID, entries); err != nil {
			return err
		}

		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		out = entries
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("context window read: %w", err)
	}
	if out == nil {
		out = []datatypes.ContextEntry{}
	}
	return out, nil
}

func (s *store) Length(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		entries, err := readBuffer(txn, conversationID)
		if err != nil {
			return err
		}
		n = len(entries)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("context window length: %w", err)
	}
	return n, nil
}

func (s *store) TrimToLast(ctx context.Context, conversationID string, keep int) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entries, err := readBuffer(txn, conversationID)
		if err != nil {
			return err
		}
		if entries == nil {
			return nil
		}

		if keep <= 0 {
			return txn.Delete(bufKey(conversationID))
		}
		if len(entries) > keep {
			entries = entries[len(entries)-keep:]
		}
		return s.writeBuffer(txn, conversationID, entries)
	})
	if err != nil {
		return fmt.Errorf("context window trim: %w", err)
	}
	return nil
}

func (s *store) OverflowForSummary(ctx context.Context, conversationID string, keep int) ([]datatypes.ContextEntry, error) {
	if keep < 0 {
		keep = 0
	}

	var overflow []datatypes.ContextEntry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		entries, err := readBuffer(txn, conversationID)
		if err != nil {
			return err
		}
		if len(entries) > keep {
			overflow = append(overflow, entries[:len(entries)-keep]...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("context window overflow: %w", err)
	}
	return overflow, nil
}

func (s *store) Summary(ctx context.Context, conversationID string) (string, error) {
	var summary string
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(summaryKey(conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			summary = string(val)
			return nil
		}); err != nil {
			return err
		}
		// Refresh the summary TTL alongside the buffer's.
		return s.setWithTTL(txn, summaryKey(conversationID), []byte(summary))
	})
	if err != nil {
		return "", fmt.Errorf("context window summary: %w", err)
	}
	return summary, nil
}

func (s *store) SetSummary(ctx context.Context, conversationID, summary string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if summary == "" {
			return txn.Delete(summaryKey(conversationID))
		}
		return s.setWithTTL(txn, summaryKey(conversationID), []byte(summary))
	})
	if err != nil {
		return fmt.Errorf("context window set summary: %w", err)
	}
	return nil
}

func (s *store) UndoLastAppend(ctx context.Context, conversationID string, role datatypes.Role) (bool, error) {
	var removed bool
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entries, err := readBuffer(txn, conversationID)
		if err != nil {
			return err
		}
		if len(entries) == 0 || entries[len(entries)-1].Role != role {
			return nil
		}
		removed = true
		return s.writeBuffer(txn, conversationID, entries[:len(entries)-1])
	})
	if err != nil {
		return false, fmt.Errorf("context window undo: %w", err)
	}
	return removed, nil
}

func (s *store) Clear(ctx context.Context, conversationID string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(bufKey(conversationID)); err != nil {
			return err
		}
		return txn.Delete(summaryKey(conversationID))
	})
	if err != nil {
		return fmt.Errorf("context window clear: %w", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func readBuffer(txn *badger.Txn, conversationID string) ([]datatypes.ContextEntry, error) {
	item, err := txn.Get(bufKey(conversationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []datatypes.ContextEntry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entries)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *store) writeBuffer(txn *badger.Txn, conversationID string, entries []datatypes.ContextEntry) error {
	if len(entries) == 0 {
		return txn.Delete(bufKey(conversationID))
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal context buffer: %w", err)
	}
	return s.setWithTTL(txn, bufKey(conversationID), data)
}

func (s *store) setWithTTL(txn *badger.Txn, key, val []byte) error {
	return txn.SetEntry(badger.NewEntry(key, val).WithTTL(s.cfg.TTL))
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Store = (*store)(nil)
