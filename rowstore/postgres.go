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
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/validators"
)

// This file implements the row store on database/sql with the lib/pq driver.
// Inserts stream through COPY so batch size is not bound by the parameter limit.

// PostgresStoreOptions configures the lib/pq row store.
type PostgresStoreOptions struct {
	DSN             string        // PostgreSQL connection string
	ConnMaxLifetime time.Duration // Max connection lifetime
	ConnMaxIdleTime time.Duration // Max idle connection time
	MaxOpenConns    int           // Max open connections
	MaxIdleConns    int           // Max idle connections
	QueryTimeout    time.Duration // Timeout for schema statements and ping
}

// PostgresStoreOption represents a configuration function for PostgresStoreOptions.
type PostgresStoreOption func(*PostgresStoreOptions)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) PostgresStoreOption {
	return func(opts *PostgresStoreOptions) {
		opts.DSN = dsn
	}
}

// WithPostgresConnectionPool configures the connection pool.
func WithPostgresConnectionPool(maxOpen, maxIdle int, maxLifetime, maxIdleTime time.Duration) PostgresStoreOption {
	return func(opts *PostgresStoreOptions) {
		opts.MaxOpenConns = maxOpen
		opts.MaxIdleConns = maxIdle
		opts.ConnMaxLifetime = maxLifetime
		opts.ConnMaxIdleTime = maxIdleTime
	}
}

// WithPostgresQueryTimeout sets the query timeout.
func WithPostgresQueryTimeout(timeout time.Duration) PostgresStoreOption {
	return func(opts *PostgresStoreOptions) {
		opts.QueryTimeout = timeout
	}
}

// withDefaults applies default values to PostgresStoreOptions.
func (opts *PostgresStoreOptions) withDefaults() *PostgresStoreOptions {
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	if opts.ConnMaxIdleTime == 0 {
		opts.ConnMaxIdleTime = 1 * time.Minute
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 2
	}
	return opts
}

// PostgresStore implements RowStore on database/sql with lib/pq.
type PostgresStore struct {
	db      *sql.DB
	options PostgresStoreOptions
}

// NewPostgresStore opens and pings the database.
func NewPostgresStore(ctx context.Context, opts ...PostgresStoreOption) (*PostgresStore, error) {
	options := (&PostgresStoreOptions{}).withDefaults()
	for _, opt := range opts {
		opt(options)
	}
	if options.DSN == "" {
		return nil, &StoreError{Backend: "postgres", Op: "validate", Err: fmt.Errorf("dsn is required")}
	}

	db, err := sql.Open("postgres", options.DSN)
	if err != nil {
		return nil, &StoreError{Backend: "postgres", Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(options.MaxOpenConns)
	db.SetMaxIdleConns(options.MaxIdleConns)
	db.SetConnMaxLifetime(options.ConnMaxLifetime)
	db.SetConnMaxIdleTime(options.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, options.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &StoreError{Backend: "postgres", Op: "ping", Err: err}
	}

	return &PostgresStore{db: db, options: *options}, nil
}

// CreateSchema creates the entity tables in load order.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()
	for _, e := range validators.AllEntities() {
		if _, err := s.db.ExecContext(ctx, CreateTableSQL(e)); err != nil {
			return &StoreError{Backend: "postgres", Op: "create_schema", Entity: e, Err: err}
		}
	}
	return nil
}

// DropSchema drops the entity tables in reverse load order.
func (s *PostgresStore) DropSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()
	entities := validators.AllEntities()
	for i := len(entities) - 1; i >= 0; i-- {
		if _, err := s.db.ExecContext(ctx, DropTableSQL(entities[i])); err != nil {
			return &StoreError{Backend: "postgres", Op: "drop_schema", Entity: entities[i], Err: err}
		}
	}
	return nil
}

// Begin opens a transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Backend: "postgres", Op: "begin", Err: err}
	}
	return &postgresSession{tx: tx}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type postgresSession struct {
	tx *sql.Tx
}

func (s *postgresSession) BulkInsert(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := s.tx.PrepareContext(ctx, pq.CopyIn(entity.TableName(), entity.Contract().Columns()...))
	if err != nil {
		return 0, &StoreError{Backend: "postgres", Op: "prepare_copy", Entity: entity, Err: err}
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, InsertValues(entity, row)...); err != nil {
			return 0, &StoreError{Backend: "postgres", Op: "bulk_insert", Entity: entity, Err: err}
		}
	}
	// An Exec without arguments flushes the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, &StoreError{Backend: "postgres", Op: "bulk_insert", Entity: entity, Err: err}
	}
	return int64(len(rows)), nil
}

func (s *postgresSession) BulkUpdate(ctx context.Context, entity validators.Entity, rows []core.Record) (int64, error) {
	query, err := UpdateSQL(entity)
	if err != nil {
		return 0, &StoreError{Backend: "postgres", Op: "bulk_update", Entity: entity, Err: err}
	}
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := s.tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, &StoreError{Backend: "postgres", Op: "prepare_update", Entity: entity, Err: err}
	}
	defer stmt.Close()

	var updated int64
	var missing []string
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, UpdateValues(entity, row)...)
		if err != nil {
			return updated, &StoreError{Backend: "postgres", Op: "bulk_update", Entity: entity, Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return updated, &StoreError{Backend: "postgres", Op: "bulk_update", Entity: entity, Err: err}
		}
		if n == 0 {
			key, _ := KeyOf(entity, row)
			missing = append(missing, key)
		}
		updated += n
	}
	if len(missing) > 0 {
		return updated, &NoMatchError{Entity: entity, Keys: sortedKeys(missing)}
	}
	return updated, nil
}

func (s *postgresSession) ExistingKeys(ctx context.Context, entity validators.Entity) (map[string]struct{}, error) {
	query, err := SelectKeysSQL(entity)
	if err != nil {
		return nil, &StoreError{Backend: "postgres", Op: "existing_keys", Entity: entity, Err: err}
	}
	rows, err := s.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, &StoreError{Backend: "postgres", Op: "existing_keys", Entity: entity, Err: err}
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &StoreError{Backend: "postgres", Op: "existing_keys", Entity: entity, Err: err}
		}
		keys[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Backend: "postgres", Op: "existing_keys", Entity: entity, Err: err}
	}
	return keys, nil
}

func (s *postgresSession) Commit(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return &StoreError{Backend: "postgres", Op: "commit", Err: err}
	}
	return nil
}

func (s *postgresSession) Rollback(ctx context.Context) error {
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return &StoreError{Backend: "postgres", Op: "rollback", Err: err}
	}
	return nil
}
