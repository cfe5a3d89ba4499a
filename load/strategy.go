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

// Package load reconciles validated tables against the row store.
//
// Four strategies are provided: Insert, Update, Upsert and Incremental. Each
// call to Loader.Load runs in a single row store session, so a failure in any
// batch rolls back everything the call wrote.
package load

import (
	"fmt"
	"strings"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/rowstore"
	"github.com/aaronlmathis/healthetl/validators"
)

// DefaultBatchSize is the number of rows written per batch unless configured.
const DefaultBatchSize = 5000

// ErrNoBusinessKey is returned when Update targets an entity whose rows are
// identified only by a surrogate key. Upsert and Incremental insert every row
// of such an entity.
var ErrNoBusinessKey = rowstore.ErrNoBusinessKey

// Strategy selects how incoming rows are reconciled with stored rows.
type Strategy int

const (
	// Insert writes every row without looking at existing keys.
	Insert Strategy = iota
	// Update rewrites stored rows matched by key. Unmatched rows fail the load.
	Update
	// Upsert updates rows whose key exists and inserts the rest.
	// Rows without a business key are always inserted.
	Upsert
	// Incremental inserts only rows whose key does not exist yet.
	// Rows without a business key are always inserted.
	Incremental
)

var strategyNames = []string{"insert", "update", "upsert", "incremental"}

func (s Strategy) String() string {
	if s >= 0 && int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy resolves a strategy name such as "upsert".
func ParseStrategy(name string) (Strategy, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range strategyNames {
		if s == n {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown load strategy %q (want one of %s)", name, strings.Join(strategyNames, ", "))
}

// Batches splits rows into consecutive batches of at most size rows.
// The last batch may be shorter. A non-positive size yields a single batch.
func Batches(rows []core.Record, size int) [][]core.Record {
	if len(rows) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(rows)
	}
	out := make([][]core.Record, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end:end])
	}
	return out
}

// LoadError reports the failure of a load call. Batch is the zero-based
// index of the failing batch within its phase, or -1 when the failure is not
// tied to a batch.
type LoadError struct {
	Entity   validators.Entity
	Strategy Strategy
	Phase    string // e.g. "begin", "existing_keys", "update", "insert", "commit"
	Batch    int
	Err      error
}

func (e *LoadError) Error() string {
	if e.Batch >= 0 {
		return fmt.Sprintf("load %s (%s): %s batch %d: %v", e.Entity, e.Strategy, e.Phase, e.Batch, e.Err)
	}
	return fmt.Sprintf("load %s (%s): %s: %v", e.Entity, e.Strategy, e.Phase, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
