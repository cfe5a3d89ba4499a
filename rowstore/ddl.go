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
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/validators"
)

// UpdatedAtColumn is maintained by the store on every insert and update.
const UpdatedAtColumn = "updated_at"

// ColumnType maps a contract data type to a PostgreSQL column type.
func ColumnType(dt validators.FieldDataType) string {
	switch dt {
	case validators.FieldTypeFloat:
		return "DOUBLE PRECISION"
	case validators.FieldTypeTimestamp:
		return "TIMESTAMP"
	case validators.FieldTypeDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

// CreateTableSQL returns the DDL of an entity table. Entities without a
// business key get a BIGSERIAL surrogate key.
func CreateTableSQL(entity validators.Entity) string {
	contract := entity.Contract()
	pk := entity.PrimaryKey()

	var cols []string
	if pk == "" {
		cols = append(cols, "id BIGSERIAL PRIMARY KEY")
	}
	for _, f := range contract.Fields {
		def := pq.QuoteIdentifier(f.Name) + " " + ColumnType(f.DataType)
		if f.Name == pk {
			def += " PRIMARY KEY"
		} else if !f.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols, UpdatedAtColumn+" TIMESTAMP NOT NULL DEFAULT now()")

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		pq.QuoteIdentifier(entity.TableName()), strings.Join(cols, ",\n\t"))
}

// DropTableSQL returns the statement dropping an entity table.
func DropTableSQL(entity validators.Entity) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pq.QuoteIdentifier(entity.TableName()))
}

// UpdateSQL returns a parameterized UPDATE matching on the business key.
// Parameters follow UpdateValues order.
func UpdateSQL(entity validators.Entity) (string, error) {
	pk := entity.PrimaryKey()
	if pk == "" {
		return "", ErrNoBusinessKey
	}

	var sets []string
	n := 1
	for _, f := range entity.Contract().Fields {
		if f.Name == pk {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(f.Name), n))
		n++
	}
	sets = append(sets, UpdatedAtColumn+" = now()")

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		pq.QuoteIdentifier(entity.TableName()), strings.Join(sets, ", "), pq.QuoteIdentifier(pk), n), nil
}

// SelectKeysSQL returns the query listing an entity's business keys.
func SelectKeysSQL(entity validators.Entity) (string, error) {
	pk := entity.PrimaryKey()
	if pk == "" {
		return "", ErrNoBusinessKey
	}
	return fmt.Sprintf("SELECT %s FROM %s", pq.QuoteIdentifier(pk), pq.QuoteIdentifier(entity.TableName())), nil
}

// InsertValues returns a row's values in contract column order.
func InsertValues(entity validators.Entity, row core.Record) []interface{} {
	fields := entity.Contract().Fields
	values := make([]interface{}, len(fields))
	for i, f := range fields {
		values[i] = row[f.Name]
	}
	return values
}

// UpdateValues returns a row's non-key values followed by its key, matching UpdateSQL.
func UpdateValues(entity validators.Entity, row core.Record) []interface{} {
	pk := entity.PrimaryKey()
	fields := entity.Contract().Fields
	values := make([]interface{}, 0, len(fields))
	for _, f := range fields {
		if f.Name != pk {
			values = append(values, row[f.Name])
		}
	}
	return append(values, row[pk])
}
