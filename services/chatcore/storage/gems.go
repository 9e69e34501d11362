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

	"github.com/dgraph-io/badger/v4"
)

const gemKeyPrefix = "gem:"

func gemKey(id string) []byte {
	return []byte(gemKeyPrefix + id)
}

// Gem is a reusable per-conversation persona: a named system instruction
// block a conversation can be bound to via ConversationRecord.GemID.
type Gem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

// GemStore persists and resolves gems.
type GemStore interface {
	// Put stores or replaces a gem.
	Put(ctx context.Context, gem Gem) error

	// Lookup returns the gem with the given id, or ErrNotFound.
	Lookup(ctx context.Context, id string) (Gem, error)
}

type gemStore struct {
	db *DB
}

// NewGemStore creates a GemStore on the given database.
func NewGemStore(db *DB) GemStore {
	return &gemStore{db: db}
}

func (s *gemStore) Put(ctx context.Context, gem Gem) error {
	if gem.ID == "" {
		return fmt.Errorf("put gem: id must not be empty")
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		data, err := json.Marshal(gem)
		if err != nil {
			return fmt.Errorf("marshal gem: %w", err)
		}
		return txn.Set(gemKey(gem.ID), data)
	})
}

func (s *gemStore) Lookup(ctx context.Context, id string) (Gem, error) {
	var gem Gem
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(gemKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &gem)
		})
	})
	if err != nil {
		return Gem{}, err
	}
	return gem, nil
}

var _ GemStore = (*gemStore)(nil)
