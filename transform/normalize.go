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

package transform

import (
	"fmt"
	"strings"

	"github.com/aaronlmathis/healthetl/core"
)

// Package transform turns raw extracts into validated entity tables.
//
// This file contains the column header normalization applied before validation.

// NormalizeColumn trims whitespace, lowercases and replaces spaces and hyphens with underscores.
func NormalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(name)
}

// NormalizeColumns returns a copy of table with normalized column names.
// Two raw headers that normalize to the same name are an error.
func NormalizeColumns(table *core.Table) (*core.Table, error) {
	mapping := make(map[string]string, len(table.Columns))
	seen := make(map[string]string, len(table.Columns))
	columns := make([]string, 0, len(table.Columns))
	for _, col := range table.Columns {
		norm := NormalizeColumn(col)
		if prev, dup := seen[norm]; dup {
			return nil, fmt.Errorf("columns %q and %q both normalize to %q", prev, col, norm)
		}
		seen[norm] = col
		mapping[col] = norm
		columns = append(columns, norm)
	}

	out := core.NewTable(table.Name, columns)
	out.Rows = make([]core.Record, 0, table.Len())
	for _, row := range table.Rows {
		rec := make(core.Record, len(row))
		for k, v := range row {
			if norm, ok := mapping[k]; ok {
				rec[norm] = v
			} else {
				rec[NormalizeColumn(k)] = v
			}
		}
		out.Append(rec)
	}
	return out, nil
}
