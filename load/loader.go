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

package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/logging"
	"github.com/aaronlmathis/healthetl/rowstore"
	"github.com/aaronlmathis/healthetl/validators"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize int
	Logger    *slog.Logger
}

// LoaderOption represents a configuration function for a Loader.
type LoaderOption func(*LoaderOptions)

// WithBatchSize sets the number of rows per batch.
func WithBatchSize(size int) LoaderOption {
	return func(opts *LoaderOptions) {
		opts.BatchSize = size
	}
}

// WithLogger sets the logger used for progress reporting.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(opts *LoaderOptions) {
		opts.Logger = logger
	}
}

func (o *LoaderOptions) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
}

// Report summarizes one load call.
type Report struct {
	Entity   validators.Entity `json:"-"`
	Table    string            `json:"table"`
	Strategy string            `json:"strategy"`
	Rows     int               `json:"rows"`
	Inserted int64             `json:"inserted"`
	Updated  int64             `json:"updated"`
	Skipped  int               `json:"skipped"`
	Batches  int               `json:"batches"`
	NoOp     bool              `json:"no_op"`
	Duration time.Duration     `json:"duration"`
}

// Loader applies a Strategy to validated tables.
type Loader struct {
	store rowstore.RowStore
	opts  LoaderOptions
}

// NewLoader creates a loader writing to store.
func NewLoader(store rowstore.RowStore, opts ...LoaderOption) (*Loader, error) {
	if store == nil {
		return nil, errors.New("load: row store is required")
	}
	options := LoaderOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	options.withDefaults()
	return &Loader{store: store, opts: options}, nil
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.opts.BatchSize
}

// Load writes table into the entity's row store table using strategy.
// An empty table, or an incremental load with no new keys, is a no-op and
// returns a Report with NoOp set.
func (l *Loader) Load(ctx context.Context, entity validators.Entity, table *core.Table, strategy Strategy) (Report, error) {
	started := time.Now()
	report := Report{Entity: entity, Table: entity.TableName(), Strategy: strategy.String(), Rows: table.Len()}
	logger := logging.WithFields(ctx, l.opts.Logger, "entity", entity.String(), "strategy", strategy.String())

	fail := func(phase string, batch int, err error) *LoadError {
		return &LoadError{Entity: entity, Strategy: strategy, Phase: phase, Batch: batch, Err: err}
	}

	if strategy == Update && !entity.HasBusinessKey() {
		return report, fail("plan", -1, ErrNoBusinessKey)
	}
	if table.Empty() {
		logger.Warn("no rows to load")
		report.NoOp = true
		return report, nil
	}

	sess, err := l.store.Begin(ctx)
	if err != nil {
		return report, fail("begin", -1, err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := sess.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
		}
	}()

	var inserts, updates []core.Record
	switch strategy {
	case Insert:
		inserts = table.Rows
	case Update:
		updates = table.Rows
	case Upsert, Incremental:
		// Rows identified only by a store-assigned key can never match a stored row.
		if !entity.HasBusinessKey() {
			inserts = table.Rows
			break
		}
		existing, err := sess.ExistingKeys(ctx, entity)
		if err != nil {
			return report, fail("existing_keys", -1, err)
		}
		fresh, known, err := partition(entity, table.Rows, existing)
		if err != nil {
			return report, fail("partition", -1, err)
		}
		inserts = fresh
		if strategy == Upsert {
			updates = known
		} else {
			report.Skipped = len(known)
		}
	default:
		return report, fail("plan", -1, fmt.Errorf("unsupported strategy %s", strategy))
	}

	if len(inserts) == 0 && len(updates) == 0 {
		logger.Info("no new rows to load", "skipped", report.Skipped)
		report.NoOp = true
		report.Duration = time.Since(started)
		return report, nil
	}

	total := len(inserts) + len(updates)
	done := 0
	for i, batch := range Batches(updates, l.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return report, fail("update", i, err)
		}
		n, err := sess.BulkUpdate(ctx, entity, batch)
		if err != nil {
			return report, fail("update", i, err)
		}
		report.Updated += n
		report.Batches++
		done += len(batch)
		logger.Debug("rows written", "phase", "update", "batch", i, "done", done, "total", total)
	}
	for i, batch := range Batches(inserts, l.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return report, fail("insert", i, err)
		}
		n, err := sess.BulkInsert(ctx, entity, batch)
		if err != nil {
			return report, fail("insert", i, err)
		}
		report.Inserted += n
		report.Batches++
		done += len(batch)
		logger.Debug("rows written", "phase", "insert", "batch", i, "done", done, "total", total)
	}

	if err := sess.Commit(ctx); err != nil {
		return report, fail("commit", -1, err)
	}
	committed = true
	report.Duration = time.Since(started)

	logger.Info("entity loaded",
		"inserted", report.Inserted,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"batches", report.Batches,
		"duration", report.Duration)
	return report, nil
}

// LoadAll loads every table in entity dependency order and stops at the
// first failure. Each entity is loaded in its own session, so entities loaded
// before the failure stay committed.
func (l *Loader) LoadAll(ctx context.Context, tables map[string]*core.Table, strategy Strategy) ([]Report, error) {
	for name := range tables {
		if _, err := validators.ParseEntity(name); err != nil {
			return nil, err
		}
	}

	var reports []Report
	for _, entity := range validators.AllEntities() {
		table, ok := tables[entity.String()]
		if !ok {
			continue
		}
		report, err := l.Load(ctx, entity, table, strategy)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// partition splits rows into those whose key is absent from existing and
// those whose key is present, using a single snapshot of existing keys.
func partition(entity validators.Entity, rows []core.Record, existing map[string]struct{}) (fresh, known []core.Record, err error) {
	for _, row := range rows {
		key, err := rowstore.KeyOf(entity, row)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := existing[key]; ok {
			known = append(known, row)
		} else {
			fresh = append(fresh, row)
		}
	}
	return fresh, known, nil
}
