//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of HealthETL.
//
// HealthETL is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// HealthETL is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with HealthETL. If not, see https://www.gnu.org/licenses/.

package rowstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/validators"
)

// ErrSessionClosed is returned when a session is used after Commit or Rollback.
var ErrSessionClosed = errors.New("session already closed")

// MemoryStore is an in-process RowStore. A session works on a private copy
// of the tables which replaces the store's tables on Commit.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[validators.Entity]*memTable
	now    func() time.Time
}

type memTable struct {
	rows   []core.Record
	index  map[string]int
	nextID int64
}

func (t *memTable) clone() *memTable {
	out := &memTable{
		rows:   make([]core.Record, len(t.rows)),
		index:  make(map[string]int, len(t.index)),
		nextID: t.nextID,
	}
	for i, r := range t.rows {
		out.rows[i] = r.Clone()
	}
	for k, v := range t.index {
		out.index[k] = v
	}
	return out
}

// NewMemoryStore returns an empty store with no tables.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[validators.Entity]*memTable), now: time.Now}
}

// CreateSchema creates the entity tables that do not exist.
func (m *MemoryStore) CreateSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range validators.AllEntities() {
		if _, ok := m.tables[e]; !ok {
			m.tables[e] = &memTable{index: make(map[string]int)}
		}
	}
	return nil
}

// DropSchema removes every table.
func (m *MemoryStore) DropSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = make(map[validators.Entity]*memTable)
	return nil
}

// Begin snapshots the tables into a new session.
func (m *MemoryStore) Begin(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := make(map[validators.Entity]*memTable, len(m.tables))
	for e, t := range m.tables {
		staged[e] = t.clone()
	}
	return &memorySession{store: m, tables: staged}, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Rows returns a copy of the committed rows of an entity in insertion order.
func (m *MemoryStore) Rows(entity validators.Entity) []core.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[entity]
	if !ok {
		return nil
	}
	out := make([]core.Record, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Clone()
	}
	return out
}

type memorySession struct {
	store  *MemoryStore
	tables map[validators.Entity]*memTable
	closed bool
}

func (s *memorySession) table(op string, entity validators.Entity) (*memTable, error) {
	if s.closed {
		return nil, &StoreError{Backend: "memory", Op: op, Entity: entity, Err: ErrSessionClosed}
	}
	t, ok := s.tables[entity]
	if !ok {
		return nil, &StoreError{Backend: "memory", Op: op, Entity: entity, Err: fmt.Errorf("table %s does not exist", entity.TableName())}
	}
	return t, nil
}

func (s *memorySession) BulkInsert(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error) {
	t, err := s.table("bulk_insert", entity)
	if err != nil {
		return 0, err
	}
	now := s.store.now()
	for _, row := range rows {
		rec := make(core.Record, len(row)+2)
		for _, col := range entity.Contract().Columns() {
			rec[col] = row[col]
		}
		rec[UpdatedAtColumn] = now

		if entity.HasBusinessKey() {
			key, err := KeyOf(entity, row)
			if err != nil {
				return 0, &StoreError{Backend: "memory", Op: "bulk_insert", Entity: entity, Err: err}
			}
			if _, dup := t.index[key]; dup {
				return 0, &StoreError{Backend: "memory", Op: "bulk_insert", Entity: entity, Err: fmt.Errorf("duplicate key %q", key)}
			}
			t.index[key] = len(t.rows)
		} else {
			t.nextID++
			rec["id"] = t.nextID
		}
		t.rows = append(t.rows, rec)
	}
	return int64(len(rows)), nil
}

func (s *memorySession) BulkUpdate(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error) {
	t, err := s.table("bulk_update", entity)
	if err != nil {
		return 0, err
	}
	if !entity.HasBusinessKey() {
		return 0, &StoreError{Backend: "memory", Op: "bulk_update", Entity: entity, Err: ErrNoBusinessKey}
	}

	now := s.store.now()
	var updated int64
	var missing []string
	for _, row := range rows {
		key, err := KeyOf(entity, row)
		if err != nil {
			return updated, &StoreError{Backend: "memory", Op: "bulk_update", Entity: entity, Err: err}
		}
		i, ok := t.index[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		rec := t.rows[i]
		for _, col := range entity.Contract().Columns() {
			rec[col] = row[col]
		}
		rec[UpdatedAtColumn] = now
		updated++
	}
	if len(missing) > 0 {
		return updated, &NoMatchError{Entity: entity, Keys: sortedKeys(missing)}
	}
	return updated, nil
}

func (s *memorySession) ExistingKeys(ctx context.Context, entity validators.Entity) (map[string]struct{}, error) {
	t, err := s.table("existing_keys", entity)
	if err != nil {
		return nil, err
	}
	if !entity.HasBusinessKey() {
		return nil, &StoreError{Backend: "memory", Op: "existing_keys", Entity: entity, Err: ErrNoBusinessKey}
	}
	keys := make(map[string]struct{}, len(t.index))
	for k := range t.index {
		keys[k] = struct{}{}
	}
	return keys, nil
}

func (s *memorySession) Commit(ctx context.Context) error {
	if s.closed {
		return &StoreError{Backend: "memory", Op: "commit", Err: ErrSessionClosed}
	}
	s.closed = true
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.tables = s.tables
	return nil
}

func (s *memorySession) Rollback(ctx context.Context) error {
	s.closed = true
	s.tables = nil
	return nil
}
