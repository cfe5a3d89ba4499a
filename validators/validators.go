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

// validators.go - Contract definitions and strict table validation
package validators

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aaronlmathis/healthetl/core"
)

// FieldDataType represents the storage type a column is coerced to.
type FieldDataType string

const (
	FieldTypeString    FieldDataType = "string"
	FieldTypeFloat     FieldDataType = "float"
	FieldTypeTimestamp FieldDataType = "timestamp"
	FieldTypeDate      FieldDataType = "date"
)

// FieldValidator defines validation rules for an individual column.
type FieldValidator struct {
	Name          string        // Normalized column name
	DataType      FieldDataType // Type the column is coerced to
	Nullable      bool          // Whether null values are accepted
	AllowedValues []string      // Whitelist of allowed values (empty = any)
	MinValue      *float64      // Inclusive lower bound for float columns
	Unique        bool          // Whether non-null values must be distinct
}

// OrderCheck requires Before <= After on every row where both values are present.
type OrderCheck struct {
	Before string
	After  string
}

// Contract is the declarative schema of one entity table.
type Contract struct {
	Entity Entity
	Fields []FieldValidator
	Checks []OrderCheck
}

// Columns returns the declared column names in contract order.
func (c Contract) Columns() []string {
	cols := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		cols[i] = f.Name
	}
	return cols
}

// Field returns the validator for the named column.
func (c Contract) Field(name string) (FieldValidator, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldValidator{}, false
}

// Validate coerces raw into a table satisfying every declared constraint.
// The table is rejected wholesale when any violation is found; all detectable
// violations are collected into a single SchemaValidationError.
// An empty input yields an empty validated table.
func (c Contract) Validate(raw *core.Table) (*core.Table, error) {
	name := c.Entity.String()
	var violations []Violation

	// Strict mode: undeclared columns reject the table
	for _, col := range raw.Columns {
		if _, ok := c.Field(col); !ok {
			violations = append(violations, Violation{Column: col, Row: -1, Message: "column not declared in schema"})
		}
	}

	present := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		present[f.Name] = raw.HasColumn(f.Name)
		if !present[f.Name] && !f.Nullable {
			violations = append(violations, Violation{Column: f.Name, Row: -1, Message: "required column missing"})
		}
	}

	out := core.NewTable(name, c.Columns())
	out.Rows = make([]core.Record, 0, raw.Len())

	seen := make(map[string]map[string]int)
	for _, f := range c.Fields {
		if f.Unique {
			seen[f.Name] = make(map[string]int)
		}
	}

	for i, row := range raw.Rows {
		rec := make(core.Record, len(c.Fields))
		for _, f := range c.Fields {
			value := row[f.Name]
			coerced, v := f.check(value)
			if v != "" {
				violations = append(violations, Violation{Column: f.Name, Row: i, Value: value, Message: v})
				continue
			}
			rec[f.Name] = coerced
			if f.Unique && coerced != nil {
				key := fmt.Sprint(coerced)
				if first, dup := seen[f.Name][key]; dup {
					violations = append(violations, Violation{
						Column:  f.Name,
						Row:     i,
						Value:   value,
						Message: fmt.Sprintf("duplicate value, first seen at row %d", first),
					})
				} else {
					seen[f.Name][key] = i
				}
			}
		}

		for _, chk := range c.Checks {
			before, okB := rec[chk.Before].(time.Time)
			after, okA := rec[chk.After].(time.Time)
			if okB && okA && after.Before(before) {
				violations = append(violations, Violation{
					Column:  chk.After,
					Row:     i,
					Value:   row[chk.After],
					Message: fmt.Sprintf("must not be earlier than %s", chk.Before),
				})
			}
		}
		out.Append(rec)
	}

	if len(violations) > 0 {
		return nil, &SchemaValidationError{Table: name, Violations: violations}
	}
	return out, nil
}

// check coerces a single value and returns a violation message, or "" when valid.
func (f FieldValidator) check(value interface{}) (interface{}, string) {
	if isNull(value) {
		if !f.Nullable {
			return nil, "null value in non-nullable column"
		}
		return nil, ""
	}

	coerced, err := coerce(value, f.DataType)
	if err != nil {
		return nil, err.Error()
	}
	if n, ok := coerced.(float64); ok {
		if math.IsNaN(n) {
			if !f.Nullable {
				return nil, "null value in non-nullable column"
			}
			return nil, ""
		}
		if math.IsInf(n, 0) {
			return nil, "value is not finite"
		}
	}

	if len(f.AllowedValues) > 0 {
		s, _ := coerced.(string)
		allowed := false
		for _, a := range f.AllowedValues {
			if s == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Sprintf("value not in allowed set %v", f.AllowedValues)
		}
	}

	if f.MinValue != nil {
		if n, ok := coerced.(float64); ok && n < *f.MinValue {
			return nil, fmt.Sprintf("value below minimum %v", *f.MinValue)
		}
	}
	return coerced, ""
}

func isNull(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(v)
	case float32:
		return math.IsNaN(float64(v))
	}
	return false
}

// timestampLayouts are tried in order when coercing strings to timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 forms found in extracts and object names.
// Values without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// coerce converts a raw value to the Go representation of dt:
// string, float64, or time.Time in UTC.
func coerce(value interface{}, dt FieldDataType) (interface{}, error) {
	switch dt {
	case FieldTypeString:
		return toString(value), nil
	case FieldTypeFloat:
		return toFloat(value)
	case FieldTypeTimestamp:
		t, err := toTime(value)
		if err != nil {
			return nil, err
		}
		return t.Truncate(time.Microsecond), nil
	case FieldTypeDate:
		t, err := toTime(value)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	default:
		return nil, fmt.Errorf("unsupported data type %q", dt)
	}
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to float", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to float", value)
	}
}

func toTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := ParseTimestamp(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot coerce %q to timestamp", v)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("cannot coerce %T to timestamp", value)
	}
}
