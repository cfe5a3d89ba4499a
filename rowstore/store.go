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

// Package rowstore provides the transactional relational store the load
// strategies write to.
//
// A RowStore owns the entity tables; a Session is one transaction over them.
// Backends are provided for database/sql with lib/pq, for pgx, and in memory.
package rowstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/validators"
)

// ErrNoBusinessKey is returned by key-based operations on entities without a business key.
var ErrNoBusinessKey = errors.New("entity has no business key")

// RowStore manages the entity tables and opens sessions on them.
type RowStore interface {
	// CreateSchema creates every entity table that does not exist.
	CreateSchema(ctx context.Context) error
	// DropSchema drops every entity table.
	DropSchema(ctx context.Context) error
	// Begin opens a session scoped to one transaction.
	Begin(ctx context.Context) (Session, error)
	// Close releases the store's connections.
	Close() error
}

// Session is a single transaction against the row store.
// Nothing written through a session is visible to others until Commit.
type Session interface {
	// BulkInsert inserts rows and returns the number written.
	BulkInsert(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error)
	// BulkUpdate updates rows matched by business key and returns the number updated.
	// Rows whose key has no match produce a *NoMatchError.
	BulkUpdate(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error)
	// ExistingKeys returns the set of business keys currently stored for entity.
	ExistingKeys(ctx context.Context, entity validators.Entity) (map[string]struct{}, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NoMatchError reports update rows whose business key does not exist.
type NoMatchError struct {
	Entity validators.Entity
	Keys   []string
}

func (e *NoMatchError) Error() string {
	keys := e.Keys
	suffix := ""
	if len(keys) > 5 {
		keys = keys[:5]
		suffix = fmt.Sprintf(" and %d more", len(e.Keys)-5)
	}
	return fmt.Sprintf("%s: no existing row for key(s) %s%s", e.Entity, strings.Join(keys, ", "), suffix)
}

// StoreError provides structured error information for row store operations.
type StoreError struct {
	Backend string            // Backend that failed (e.g., "postgres", "pgx", "memory")
	Op      string            // Operation that failed (e.g., "bulk_insert", "commit")
	Entity  validators.Entity // Entity involved, zero when not entity-specific
	Err     error             // Underlying error
}

func (e *StoreError) Error() string {
	if e.Entity != 0 {
		return fmt.Sprintf("%s row store %s %s: %v", e.Backend, e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s row store %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// KeyOf returns a row's business key as a string.
func KeyOf(entity validators.Entity, row core.Record) (string, error) {
	pk := entity.PrimaryKey()
	if pk == "" {
		return "", ErrNoBusinessKey
	}
	v, ok := row[pk]
	if !ok || v == nil {
		return "", fmt.Errorf("%s: row has no %s", entity, pk)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func sortedKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}
