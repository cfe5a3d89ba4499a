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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/validators"
)

// This file implements the row store on a pgx connection pool.
// Inserts use the COPY protocol and updates are pipelined in a single batch.

// PgxStoreOptions configures the pgx row store.
type PgxStoreOptions struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PgxStoreOption represents a configuration function for PgxStoreOptions.
type PgxStoreOption func(*PgxStoreOptions)

// WithPgxURL sets the connection URL.
func WithPgxURL(url string) PgxStoreOption {
	return func(opts *PgxStoreOptions) {
		opts.URL = url
	}
}

// WithPgxPool configures pool sizing and connection lifetimes.
func WithPgxPool(maxConns, minConns int32, maxLifetime, maxIdleTime time.Duration) PgxStoreOption {
	return func(opts *PgxStoreOptions) {
		opts.MaxConns = maxConns
		opts.MinConns = minConns
		opts.MaxConnLifetime = maxLifetime
		opts.MaxConnIdleTime = maxIdleTime
	}
}

// PgxStore implements RowStore on a pgx pool.
type PgxStore struct {
	pool *pgxpool.Pool
}

// NewPgxStore parses the URL, configures and pings the pool.
func NewPgxStore(ctx context.Context, opts ...PgxStoreOption) (*PgxStore, error) {
	options := PgxStoreOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	poolConfig, err := pgxpool.ParseConfig(options.URL)
	if err != nil {
		return nil, &StoreError{Backend: "pgx", Op: "parse_config", Err: err}
	}
	if options.MaxConns > 0 {
		poolConfig.MaxConns = options.MaxConns
	}
	if options.MinConns > 0 {
		poolConfig.MinConns = options.MinConns
	}
	if options.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = options.MaxConnLifetime
	}
	if options.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = options.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, &StoreError{Backend: "pgx", Op: "connect", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &StoreError{Backend: "pgx", Op: "ping", Err: err}
	}
	return NewPgxStoreFromPool(pool), nil
}

// NewPgxStoreFromPool wraps an existing pool. Close closes the pool.
func NewPgxStoreFromPool(pool *pgxpool.Pool) *PgxStore {
	return &PgxStore{pool: pool}
}

// CreateSchema creates the entity tables in load order.
func (s *PgxStore) CreateSchema(ctx context.Context) error {
	for _, e := range validators.AllEntities() {
		if _, err := s.pool.Exec(ctx, CreateTableSQL(e)); err != nil {
			return &StoreError{Backend: "pgx", Op: "create_schema", Entity: e, Err: err}
		}
	}
	return nil
}

// DropSchema drops the entity tables in reverse load order.
func (s *PgxStore) DropSchema(ctx context.Context) error {
	entities := validators.AllEntities()
	for i := len(entities) - 1; i >= 0; i-- {
		if _, err := s.pool.Exec(ctx, DropTableSQL(entities[i])); err != nil {
			return &StoreError{Backend: "pgx", Op: "drop_schema", Entity: entities[i], Err: err}
		}
	}
	return nil
}

// Begin opens a transaction on a pooled connection.
func (s *PgxStore) Begin(ctx context.Context) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &StoreError{Backend: "pgx", Op: "begin", Err: err}
	}
	return &pgxSession{tx: tx}, nil
}

// Close closes the pool.
func (s *PgxStore) Close() error {
	s.pool.Close()
	return nil
}

type pgxSession struct {
	tx pgx.Tx
}

func (s *pgxSession) BulkInsert(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = InsertValues(entity, row)
	}
	copied, err := s.tx.CopyFrom(ctx,
		pgx.Identifier{entity.TableName()},
		entity.Contract().Columns(),
		pgx.CopyFromRows(values),
	)
	if err != nil {
		return copied, &StoreError{Backend: "pgx", Op: "bulk_insert", Entity: entity, Err: err}
	}
	return copied, nil
}

func (s *pgxSession) BulkUpdate(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error) {
	query, err := UpdateSQL(entity)
	if err != nil {
		return 0, &StoreError{Backend: "pgx", Op: "bulk_update", Entity: entity, Err: err}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query, UpdateValues(entity, row)...)
	}
	br := s.tx.SendBatch(ctx, batch)

	var updated int64
	var missing []string
	for _, row := range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return updated, &StoreError{Backend: "pgx", Op: "bulk_update", Entity: entity, Err: err}
		}
		if tag.RowsAffected() == 0 {
			key, _ := KeyOf(entity, row)
			missing = append(missing, key)
		}
		updated += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return updated, &StoreError{Backend: "pgx", Op: "bulk_update", Entity: entity, Err: err}
	}
	if len(missing) > 0 {
		return updated, &NoMatchError{Entity: entity, Keys: sortedKeys(missing)}
	}
	return updated, nil
}

func (s *pgxSession) ExistingKeys(ctx context.Context, entity validators.Entity) (map[string]struct{}, error) {
	query, err := SelectKeysSQL(entity)
	if err != nil {
		return nil, &StoreError{Backend: "pgx", Op: "existing_keys", Entity: entity, Err: err}
	}
	rows, err := s.tx.Query(ctx, query)
	if err != nil {
		return nil, &StoreError{Backend: "pgx", Op: "existing_keys", Entity: entity, Err: err}
	}
	list, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &StoreError{Backend: "pgx", Op: "existing_keys", Entity: entity, Err: err}
	}

	keys := make(map[string]struct{}, len(list))
	for _, k := range list {
		keys[k] = struct{}{}
	}
	return keys, nil
}

func (s *pgxSession) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return &StoreError{Backend: "pgx", Op: "commit", Err: err}
	}
	return nil
}

func (s *pgxSession) Rollback(ctx context.Context) error {
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return &StoreError{Backend: "pgx", Op: "rollback", Err: err}
	}
	return nil
}
