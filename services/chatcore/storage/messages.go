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
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

const msgKeyPrefix = "msgs:"

func msgKey(conversationID string) []byte {
	return []byte(msgKeyPrefix + conversationID)
}

// =============================================================================
// Interface Definition
// =============================================================================

// MessageStore persists the durable message history of conversations.
//
// # Description
//
// Each conversation's history is one JSON-encoded slice under a single key,
// so append and truncate are atomic single-key transactions and ordering is
// the slice order. Histories are expected to stay small enough for this;
// the hot path reads the context window, not this store.
type MessageStore interface {
	// AppendMessage persists a message at the end of the conversation's
	// history and returns it with id and timestamp assigned.
	AppendMessage(ctx context.Context, conversationID string, role datatypes.Role, content string) (datatypes.Message, error)

	// ListMessages returns the full history in append order.
	// A conversation with no messages yields an empty slice, not an error.
	ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error)

	// TruncateAfter removes the named message and everything after it.
	// Returns ErrNotFound if the message is not in the history.
	TruncateAfter(ctx context.Context, conversationID, messageID string) error
}

// =============================================================================
// Badger Implementation
// =============================================================================

type messageStore struct {
	db  *DB
	now func() time.Time
}

// NewMessageStore creates a MessageStore on the given database.
func NewMessageStore(db *DB) MessageStore {
	return &messageStore{db: db, now: time.Now}
}

func (s *messageStore) AppendMessage(ctx context.Context, conversationID string, role datatypes.Role, content string) (datatypes.Message, error) {
	if !role.Valid() {
		return datatypes.Message{}, fmt.Errorf("append message: invalid role %q", role)
	}

	msg := datatypes.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		msgs, err := readMessages(txn, conversationID)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return writeMessages(txn, conversationID, msgs)
	})
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *messageStore) ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	var msgs []datatypes.Message
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		msgs, err = readMessages(txn, conversationID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []datatypes.Message{}
	}
	return msgs, nil
}

func (s *messageStore) TruncateAfter(ctx context.Context, conversationID, messageID string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		msgs, err := readMessages(txn, conversationID)
		if err != nil {
			return err
		}

		idx := -1
		for i, m := range msgs {
			if m.ID == messageID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotFound
		}

		return writeMessages(txn, conversationID, msgs[:idx])
	})
}

func readMessages(txn *badger.Txn, conversationID string) ([]datatypes.Message, error) {
	item, err := txn.Get(msgKey(conversationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []datatypes.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msgs)
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func writeMessages(txn *badger.Txn, conversationID string, msgs []datatypes.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	return txn.Set(msgKey(conversationID), data)
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ MessageStore = (*messageStore)(nil)
