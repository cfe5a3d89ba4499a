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
	"strings"
)

// Entity is the closed set of healthcare entities the pipeline understands.
// Each entity carries its own contract, table name and business key.
type Entity int

const (
	Encounters Entity = iota + 1
	Organizations
	Patients
	Payers
	Procedures
)

var entityNames = map[Entity]string{
	Encounters:    "encounters",
	Organizations: "organizations",
	Patients:      "patients",
	Payers:        "payers",
	Procedures:    "procedures",
}

// AllEntities returns every entity in load order. Referenced entities come
// before the entities that point at them.
func AllEntities() []Entity {
	return []Entity{Organizations, Payers, Patients, Encounters, Procedures}
}

// ParseEntity resolves a source or table name to an Entity.
func ParseEntity(name string) (Entity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for e, s := range entityNames {
		if s == n {
			return e, nil
		}
	}
	return 0, &UnknownSchemaError{Name: name}
}

// String returns the entity name as used in file and object names.
func (e Entity) String() string {
	if s, ok := entityNames[e]; ok {
		return s
	}
	return fmt.Sprintf("entity(%d)", int(e))
}

// TableName returns the row store table for the entity.
func (e Entity) TableName() string {
	return "raw_" + e.String()
}

// PrimaryKey returns the business key column, or "" when the entity has none
// and relies on a store-assigned surrogate key.
func (e Entity) PrimaryKey() string {
	if e == Procedures {
		return ""
	}
	return "id"
}

// HasBusinessKey reports whether rows can be reconciled by key.
func (e Entity) HasBusinessKey() bool {
	return e.PrimaryKey() != ""
}

// Contract returns the entity's built-in contract.
func (e Entity) Contract() Contract {
	switch e {
	case Encounters:
		return encountersContract()
	case Organizations:
		return organizationsContract()
	case Patients:
		return patientsContract()
	case Payers:
		return payersContract()
	case Procedures:
		return proceduresContract()
	default:
		return Contract{Entity: e}
	}
}
