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
	"errors"
	"math"
	"testing"
	"time"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encounterRow(id, class string) core.Record {
	return core.Record{
		"id":                  id,
		"start":               "2024-01-01T08:00:00Z",
		"stop":                "2024-01-01T09:30:00Z",
		"patient":             "p1",
		"organization":        "o1",
		"payer":               "py1",
		"encounterclass":      class,
		"code":                "185349003",
		"description":         "Encounter for check up",
		"base_encounter_cost": "129.16",
		"total_claim_cost":    "129.16",
		"payer_coverage":      "0",
		"reasoncode":          nil,
		"reasondescription":   nil,
	}
}

func encountersTable(rows ...core.Record) *core.Table {
	t := core.NewTable("encounters", Encounters.Contract().Columns())
	for _, r := range rows {
		t.Append(r)
	}
	return t
}

func patientRow(id string) core.Record {
	return core.Record{
		"id": id, "birthdate": "1980-05-17", "deathdate": nil,
		"prefix": "Mr.", "first": "Jon", "last": "Doe", "suffix": nil, "maiden": nil,
		"marital": "M", "race": "white", "ethnicity": "nonhispanic", "gender": "M",
		"birthplace": "Boston", "address": "1 Main St", "city": "Boston", "state": "MA",
		"county": "Suffolk", "zip": nil, "lat": "42.36", "lon": "-71.05",
	}
}

func patientsTable(rows ...core.Record) *core.Table {
	t := core.NewTable("patients", Patients.Contract().Columns())
	for _, r := range rows {
		t.Append(r)
	}
	return t
}

func requireSchemaError(t *testing.T, err error) *SchemaValidationError {
	t.Helper()
	var sve *SchemaValidationError
	require.True(t, errors.As(err, &sve), "expected SchemaValidationError, got %v", err)
	return sve
}

// TestValidate_ValidEncounters tests that valid rows are coerced and kept
func TestValidate_ValidEncounters(t *testing.T) {
	raw := encountersTable(encounterRow("e1", "wellness"), encounterRow("e2", "inpatient"))

	out, err := DefaultRegistry().Validate(raw)
	require.NoError(t, err)
	require.Equal(t, raw.Len(), out.Len())
	assert.Equal(t, Encounters.Contract().Columns(), out.Columns)

	row := out.Rows[0]
	assert.Equal(t, "e1", row["id"])
	assert.Equal(t, 129.16, row["base_encounter_cost"])
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), row["start"])
	assert.Nil(t, row["reasoncode"])

	for _, f := range Encounters.Contract().Fields {
		if f.Nullable {
			continue
		}
		for i, r := range out.Rows {
			assert.NotNil(t, r[f.Name], "row %d column %s", i, f.Name)
		}
	}
}

// TestValidate_EnumViolation tests that an out-of-set value names the column
func TestValidate_EnumViolation(t *testing.T) {
	raw := encountersTable(encounterRow("e1", "foo"))

	out, err := DefaultRegistry().Validate(raw)
	assert.Nil(t, out)
	sve := requireSchemaError(t, err)
	assert.Equal(t, []string{"encounterclass"}, sve.Columns())
	assert.Contains(t, err.Error(), "encounterclass")
}

// TestValidate_StrictColumns tests undeclared and missing columns
func TestValidate_StrictColumns(t *testing.T) {
	raw := encountersTable(encounterRow("e1", "wellness"))
	raw.Columns = append(raw.Columns, "extra")
	raw.Rows[0]["extra"] = "x"

	_, err := DefaultRegistry().Validate(raw)
	sve := requireSchemaError(t, err)
	assert.True(t, sve.HasColumn("extra"))
	assert.Equal(t, -1, sve.Violations[0].Row)

	missing := core.NewTable("organizations", []string{"id", "name"})
	missing.Append(core.Record{"id": "o1", "name": "Clinic"})
	_, err = DefaultRegistry().Validate(missing)
	sve = requireSchemaError(t, err)
	for _, col := range []string{"address", "city", "state", "zip", "lat", "lon"} {
		assert.True(t, sve.HasColumn(col), col)
	}
}

// TestValidate_MissingNullableColumn tests that absent optional columns become nulls
func TestValidate_MissingNullableColumn(t *testing.T) {
	raw := core.NewTable("payers", []string{"id", "name"})
	raw.Append(core.Record{"id": "py1", "name": "Medicare"})

	out, err := DefaultRegistry().Validate(raw)
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Nil(t, out.Rows[0]["phone"])
	assert.Contains(t, out.Rows[0], "phone")
}

// TestValidate_CollectsAllViolations tests that every violation is reported
func TestValidate_CollectsAllViolations(t *testing.T) {
	bad := encounterRow("e1", "foo")
	bad["total_claim_cost"] = "-1"
	bad["patient"] = nil
	bad2 := encounterRow("e2", "wellness")
	bad2["start"] = "not a date"

	_, err := DefaultRegistry().Validate(encountersTable(bad, bad2))
	sve := requireSchemaError(t, err)
	assert.Len(t, sve.Violations, 4)
	assert.Equal(t, []string{"encounterclass", "patient", "start", "total_claim_cost"}, sve.Columns())
}

// TestValidate_Uniqueness tests declared unique keys
func TestValidate_Uniqueness(t *testing.T) {
	_, err := DefaultRegistry().Validate(encountersTable(encounterRow("e1", "wellness"), encounterRow("e1", "emergency")))
	sve := requireSchemaError(t, err)
	require.Len(t, sve.Violations, 1)
	assert.Equal(t, "id", sve.Violations[0].Column)
	assert.Equal(t, 1, sve.Violations[0].Row)

	// Patients.id is not declared unique
	_, err = DefaultRegistry().Validate(patientsTable(patientRow("p1"), patientRow("p1")))
	assert.NoError(t, err)
}

// TestValidate_OrderChecks tests start/stop and birth/death ordering
func TestValidate_OrderChecks(t *testing.T) {
	row := encounterRow("e1", "wellness")
	row["stop"] = "2023-12-31T23:00:00Z"
	_, err := DefaultRegistry().Validate(encountersTable(row))
	sve := requireSchemaError(t, err)
	assert.Equal(t, []string{"stop"}, sve.Columns())

	p := patientRow("p1")
	p["deathdate"] = "1979-01-01"
	_, err = DefaultRegistry().Validate(patientsTable(p))
	sve = requireSchemaError(t, err)
	assert.Equal(t, []string{"deathdate"}, sve.Columns())

	p["deathdate"] = "2020-02-02"
	out, err := DefaultRegistry().Validate(patientsTable(p))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 2, 2, 0, 0, 0, 0, time.UTC), out.Rows[0]["deathdate"])
}

// TestValidate_Coercion tests conversions from typed inputs
func TestValidate_Coercion(t *testing.T) {
	row := encounterRow("e1", "wellness")
	row["base_encounter_cost"] = 10
	row["total_claim_cost"] = float32(2.5)
	row["start"] = time.Date(2024, 1, 1, 3, 0, 0, 123456789, time.FixedZone("EST", -5*3600))
	row["code"] = 185349003.0

	out, err := DefaultRegistry().Validate(encountersTable(row))
	require.NoError(t, err)
	r := out.Rows[0]
	assert.Equal(t, 10.0, r["base_encounter_cost"])
	assert.Equal(t, 2.5, r["total_claim_cost"])
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 123456000, time.UTC), r["start"])
	assert.Equal(t, "185349003", r["code"])

	p := patientRow("p1")
	p["birthdate"] = "1980-05-17T13:45:00"
	out, err = DefaultRegistry().Validate(patientsTable(p))
	require.NoError(t, err)
	assert.Equal(t, time.Date(1980, 5, 17, 0, 0, 0, 0, time.UTC), out.Rows[0]["birthdate"])
}

// TestValidate_NullableBounds tests bounds on optional float columns
func TestValidate_NullableBounds(t *testing.T) {
	raw := core.NewTable("procedures", Procedures.Contract().Columns())
	base := core.Record{
		"start": "2024-01-01T08:00:00Z", "stop": "2024-01-01T08:15:00Z",
		"patient": "p1", "encounter": "e1", "code": "430193006", "description": "Medication reconciliation",
		"base_cost": nil, "reasoncode": nil, "reasondescription": nil,
	}
	raw.Append(base)
	neg := base.Clone()
	neg["base_cost"] = "-0.5"
	raw.Append(neg)

	_, err := DefaultRegistry().Validate(raw)
	sve := requireSchemaError(t, err)
	require.Len(t, sve.Violations, 1)
	assert.Equal(t, "base_cost", sve.Violations[0].Column)
	assert.Equal(t, 1, sve.Violations[0].Row)
}

// TestValidate_EmptyTable tests that empty input is a normal outcome
func TestValidate_EmptyTable(t *testing.T) {
	out, err := DefaultRegistry().Validate(encountersTable())
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

// TestRegistry_UnknownSchema tests lookups of unregistered names
func TestRegistry_UnknownSchema(t *testing.T) {
	reg := NewRegistry(Payers.Contract())

	_, err := reg.Validate(core.NewTable("patients", nil))
	var use *UnknownSchemaError
	require.True(t, errors.As(err, &use))
	assert.Equal(t, "patients", use.Name)

	_, err = reg.Lookup("Payers")
	assert.NoError(t, err)
	assert.Equal(t, []string{"payers"}, reg.Names())
}

// TestEntity tests the closed entity set
func TestEntity(t *testing.T) {
	e, err := ParseEntity("Procedures")
	require.NoError(t, err)
	assert.Equal(t, Procedures, e)
	assert.Equal(t, "raw_procedures", e.TableName())
	assert.False(t, e.HasBusinessKey())
	assert.Equal(t, "id", Payers.PrimaryKey())

	_, err = ParseEntity("claims")
	assert.Error(t, err)

	assert.Equal(t, []Entity{Organizations, Payers, Patients, Encounters, Procedures}, AllEntities())
	for _, e := range AllEntities() {
		assert.Equal(t, e, e.Contract().Entity)
		assert.NotEmpty(t, e.Contract().Fields)
	}
}

func TestValidate_NonFiniteFloats(t *testing.T) {
	orgs := core.NewTable("organizations", Organizations.Contract().Columns())
	orgs.Append(core.Record{
		"id": "o1", "name": "clinic", "address": "1 Main St", "city": "Boston",
		"state": "MA", "zip": "02114", "lat": "NaN", "lon": "-Inf",
	})
	_, err := Organizations.Contract().Validate(orgs)
	sve := requireSchemaError(t, err)
	assert.True(t, sve.HasColumn("lat"), "NaN is a null in a non-nullable column")
	assert.True(t, sve.HasColumn("lon"), "infinite values are rejected")

	row := encounterRow("e1", "wellness")
	row["base_encounter_cost"] = "NaN"
	row["total_claim_cost"] = "Inf"
	_, err = Encounters.Contract().Validate(encountersTable(row))
	sve = requireSchemaError(t, err)
	assert.Equal(t, []string{"base_encounter_cost", "total_claim_cost"}, sve.Columns())

	// NaN in a nullable column is stored as null, whether it arrives as text or float
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	procs := core.NewTable("procedures", Procedures.Contract().Columns())
	for _, cost := range []interface{}{"NaN", math.NaN()} {
		procs.Append(core.Record{
			"start": start, "stop": start.Add(time.Hour), "patient": "p1", "encounter": "e1",
			"code": "1", "description": "x", "base_cost": cost,
		})
	}
	out, err := Procedures.Contract().Validate(procs)
	require.NoError(t, err)
	assert.Nil(t, out.Rows[0]["base_cost"])
	assert.Nil(t, out.Rows[1]["base_cost"])
}
