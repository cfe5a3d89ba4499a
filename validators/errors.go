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

package validators

import (
	"fmt"
	"sort"
	"strings"
)

// maxReportedViolations bounds how many violations are spelled out in an error message.
const maxReportedViolations = 10

// Violation describes a single contract breach.
// Row is the zero-based row index, or -1 for column-level violations.
type Violation struct {
	Column  string
	Row     int
	Value   interface{}
	Message string
}

// String formats the violation for logs and reports.
func (v Violation) String() string {
	if v.Row < 0 {
		return fmt.Sprintf("column %q: %s", v.Column, v.Message)
	}
	return fmt.Sprintf("column %q row %d: %s (value %v)", v.Column, v.Row, v.Message, v.Value)
}

// SchemaValidationError reports every violation found while validating a table.
type SchemaValidationError struct {
	Table      string
	Violations []Violation
}

// Error returns a summary naming the first violations.
func (e *SchemaValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema validation failed for %s: %d violation(s)", e.Table, len(e.Violations))
	for i, v := range e.Violations {
		if i == maxReportedViolations {
			fmt.Fprintf(&b, "; and %d more", len(e.Violations)-maxReportedViolations)
			break
		}
		b.WriteString("; ")
		b.WriteString(v.String())
	}
	return b.String()
}

// Columns returns the distinct offending columns in sorted order.
func (e *SchemaValidationError) Columns() []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, v := range e.Violations {
		if _, ok := seen[v.Column]; ok {
			continue
		}
		seen[v.Column] = struct{}{}
		cols = append(cols, v.Column)
	}
	sort.Strings(cols)
	return cols
}

// HasColumn reports whether any violation names the column.
func (e *SchemaValidationError) HasColumn(column string) bool {
	for _, v := range e.Violations {
		if v.Column == column {
			return true
		}
	}
	return false
}

// UnknownSchemaError is returned when no contract is registered for a table name.
type UnknownSchemaError struct {
	Name string
}

// Error returns the error string for UnknownSchemaError.
func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("no schema registered for %q", e.Name)
}
