// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

const convKeyPrefix = "conv:"

func convKey(id string) []byte {
	return []byte(convKeyPrefix + id)
}

// =============================================================================
// Interface Definition
// =============================================================================

// ConversationStore persists conversation records.
//
// # Description
//
// The durable conversation list the reconciler refreshes from. Records are
// stored one per key, JSON-encoded. All methods are safe for concurrent
// use; per-record updates run inside single-key transactions.
type ConversationStore interface {
	// Create persists a new conversation and returns its record.
	// The id is generated; CreatedAt and UpdatedAt are set to now.
	Create(ctx context.Context, title, model, gemID string) (datatypes.ConversationRecord, error)

	// Get returns one conversation. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (datatypes.ConversationRecord, error)

	// List returns all conversations, newest activity first.
	List(ctx context.Context) ([]datatypes.ConversationRecord, error)

	// Rename sets the conversation title and bumps UpdatedAt.
	Rename(ctx context.Context, id, title string) error

	// SetModel records the model the conversation uses and bumps UpdatedAt.
	SetModel(ctx context.Context, id, model string) error

	// Touch bumps UpdatedAt and optionally records a last-message preview.
	Touch(ctx context.Context, id, lastMessagePreview string) error

	// Delete removes the conversation record and its messages.
	Delete(ctx context.Context, id string) error
}

// =============================================================================
// Badger Implementation
// =============================================================================

type conversationStore struct {
	db  *DB
	now func() time.Time
}

// NewConversationStore creates a ConversationStore on the given database.
func NewConversationStore(db *DB) ConversationStore {
	return &conversationStore{db: db, now: time.Now}
}

func (s *conversationStore) Create(ctx context.Context, title, model, gemID string) (datatypes.ConversationRecord, error) {
	now := s.now().UTC()
	rec := datatypes.ConversationRecord{
		ID:        uuid.New().String(),
		Title:     title,
		Model:     model,
		GemID:     gemID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		return txn.Set(convKey(rec.ID), data)
	})
	if err != nil {
		return datatypes.ConversationRecord{}, fmt.Errorf("create conversation: %w", err)
	}
	return rec, nil
}

func (s *conversationStore) Get(ctx context.Context, id string) (datatypes.ConversationRecord, error) {
	var rec datatypes.ConversationRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(convKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return datatypes.ConversationRecord{}, err
	}
	return rec, nil
}

func (s *conversationStore) List(ctx context.Context) ([]datatypes.ConversationRecord, error) {
	var records []datatypes.ConversationRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(convKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec datatypes.ConversationRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// update applies fn to a stored record inside one transaction.
func (s *conversationStore) update(ctx context.Context, id string, fn func(*datatypes.ConversationRecord)) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(convKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec datatypes.ConversationRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		fn(&rec)
		rec.UpdatedAt = s.now().UTC()

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		return txn.Set(convKey(id), data)
	})
}

func (s *conversationStore) Rename(ctx context.Context, id, title string) error {
	return s.update(ctx, id, func(rec *datatypes.ConversationRecord) {
		rec.Title = title
	})
}

func (s *conversationStore) SetModel(ctx context.Context, id, model string) error {
	return s.update(ctx, id, func(rec *datatypes.ConversationRecord) {
		rec.Model = model
	})
}

func (s *conversationStore) Touch(ctx context.Context, id, lastMessagePreview string) error {
	return s.update(ctx, id, func(rec *datatypes.ConversationRecord) {
		if lastMessagePreview != "" {
			rec.LastMessagePreview = lastMessagePreview
		}
	})
}

func (s *conversationStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete(convKey(id)); err != nil {
			return err
		}
		// Messages live under their own key; drop them with the record.
		return txn.Delete(msgKey(id))
	})
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ ConversationStore = (*conversationStore)(nil)
