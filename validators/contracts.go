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

// Contracts for the raw healthcare extracts. Column names are the normalized
// header names produced by the readers.

func nonNegative() *float64 {
	zero := 0.0
	return &zero
}

func required(name string, dt FieldDataType) FieldValidator {
	return FieldValidator{Name: name, DataType: dt}
}

func optional(name string, dt FieldDataType) FieldValidator {
	return FieldValidator{Name: name, DataType: dt, Nullable: true}
}

func encountersContract() Contract {
	return Contract{
		Entity: Encounters,
		Fields: []FieldValidator{
			{Name: "id", DataType: FieldTypeString, Unique: true},
			required("start", FieldTypeTimestamp),
			required("stop", FieldTypeTimestamp),
			required("patient", FieldTypeString),
			required("organization", FieldTypeString),
			required("payer", FieldTypeString),
			{
				Name:          "encounterclass",
				DataType:      FieldTypeString,
				AllowedValues: []string{"ambulatory", "outpatient", "inpatient", "wellness", "urgentcare", "emergency"},
			},
			required("code", FieldTypeString),
			required("description", FieldTypeString),
			{Name: "base_encounter_cost", DataType: FieldTypeFloat, MinValue: nonNegative()},
			{Name: "total_claim_cost", DataType: FieldTypeFloat, MinValue: nonNegative()},
			{Name: "payer_coverage", DataType: FieldTypeFloat, MinValue: nonNegative()},
			optional("reasoncode", FieldTypeString),
			optional("reasondescription", FieldTypeString),
		},
		Checks: []OrderCheck{{Before: "start", After: "stop"}},
	}
}

func organizationsContract() Contract {
	return Contract{
		Entity: Organizations,
		Fields: []FieldValidator{
			{Name: "id", DataType: FieldTypeString, Unique: true},
			required("name", FieldTypeString),
			required("address", FieldTypeString),
			required("city", FieldTypeString),
			required("state", FieldTypeString),
			required("zip", FieldTypeString),
			required("lat", FieldTypeFloat),
			required("lon", FieldTypeFloat),
		},
	}
}

func patientsContract() Contract {
	return Contract{
		Entity: Patients,
		Fields: []FieldValidator{
			required("id", FieldTypeString),
			required("birthdate", FieldTypeDate),
			optional("deathdate", FieldTypeDate),
			optional("prefix", FieldTypeString),
			optional("first", FieldTypeString),
			optional("last", FieldTypeString),
			optional("suffix", FieldTypeString),
			optional("maiden", FieldTypeString),
			{Name: "marital", DataType: FieldTypeString, Nullable: true, AllowedValues: []string{"M", "S", "D", "W"}},
			optional("race", FieldTypeString),
			optional("ethnicity", FieldTypeString),
			{Name: "gender", DataType: FieldTypeString, Nullable: true, AllowedValues: []string{"M", "F"}},
			optional("birthplace", FieldTypeString),
			required("address", FieldTypeString),
			required("city", FieldTypeString),
			required("state", FieldTypeString),
			required("county", FieldTypeString),
			optional("zip", FieldTypeString),
			required("lat", FieldTypeFloat),
			required("lon", FieldTypeFloat),
		},
		Checks: []OrderCheck{{Before: "birthdate", After: "deathdate"}},
	}
}

func payersContract() Contract {
	return Contract{
		Entity: Payers,
		Fields: []FieldValidator{
			{Name: "id", DataType: FieldTypeString, Unique: true},
			required("name", FieldTypeString),
			optional("address", FieldTypeString),
			optional("city", FieldTypeString),
			optional("state_headquartered", FieldTypeString),
			optional("zip", FieldTypeString),
			optional("phone", FieldTypeString),
		},
	}
}

func proceduresContract() Contract {
	return Contract{
		Entity: Procedures,
		Fields: []FieldValidator{
			required("start", FieldTypeTimestamp),
			required("stop", FieldTypeTimestamp),
			required("patient", FieldTypeString),
			required("encounter", FieldTypeString),
			required("code", FieldTypeString),
			required("description", FieldTypeString),
			{Name: "base_cost", DataType: FieldTypeFloat, Nullable: true, MinValue: nonNegative()},
			optional("reasoncode", FieldTypeString),
			optional("reasondescription", FieldTypeString),
		},
		Checks: []OrderCheck{{Before: "start", After: "stop"}},
	}
}
