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

package core

import (
	"context"
	"errors"
	"io"
	"sort"
)

// Package core defines the core types for the HealthETL pipeline.
//
// This file contains the record and table types shared by readers, validators,
// writers and load strategies.

// Record represents a single row in the pipeline.
// Each record is a map from column names to values. A nil value is a null.
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is an ordered sequence of rows sharing a fixed column set.
// Columns keeps the order in which columns were read or declared.
type Table struct {
	Name    string
	Columns []string
	Rows    []Record
}

// NewTable creates an empty table with the given name and columns.
func NewTable(name string, columns []string) *Table {
	return &Table{
		Name:    name,
		Columns: append([]string(nil), columns...),
		Rows:    make([]Record, 0),
	}
}

// Len returns the number of rows in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool {
	return t.Len() == 0
}

// Append adds a row to the table.
func (t *Table) Append(record Record) {
	t.Rows = append(t.Rows, record)
}

// HasColumn reports whether the table declares the named column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ReadAll drains a DataSource into a Table and closes the source.
// The column set is taken from the source when it implements Columns(),
// otherwise from the first record read.
func ReadAll(ctx context.Context, name string, src DataSource) (*Table, error) {
	defer src.Close()

	var columns []string
	if c, ok := src.(interface{ Columns() []string }); ok {
		columns = c.Columns()
	}
	table := NewTable(name, columns)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(table.Columns) == 0 {
			for k := range record {
				table.Columns = append(table.Columns, k)
			}
			sort.Strings(table.Columns)
		}
		table.Append(record)
	}

	return table, nil
}
