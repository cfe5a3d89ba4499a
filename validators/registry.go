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
	"sort"
	"strings"

	"github.com/aaronlmathis/healthetl/core"
)

// Registry maps table names to contracts. It is built explicitly and handed
// to the stages that need it; there is no package-level instance.
type Registry struct {
	contracts map[string]Contract
}

// NewRegistry creates a registry holding the given contracts, keyed by entity name.
func NewRegistry(contracts ...Contract) *Registry {
	r := &Registry{contracts: make(map[string]Contract, len(contracts))}
	for _, c := range contracts {
		r.Register(c)
	}
	return r
}

// DefaultRegistry returns a new registry holding the built-in contract of every entity.
func DefaultRegistry() *Registry {
	var contracts []Contract
	for _, e := range AllEntities() {
		contracts = append(contracts, e.Contract())
	}
	return NewRegistry(contracts...)
}

// Register adds or replaces the contract for its entity.
func (r *Registry) Register(c Contract) {
	r.contracts[c.Entity.String()] = c
}

// Lookup returns the contract registered under name.
func (r *Registry) Lookup(name string) (Contract, error) {
	c, ok := r.contracts[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Contract{}, &UnknownSchemaError{Name: name}
	}
	return c, nil
}

// Names returns the registered table names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.contracts))
	for n := range r.contracts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate looks up the contract for the table's name and validates the table against it.
func (r *Registry) Validate(raw *core.Table) (*core.Table, error) {
	c, err := r.Lookup(raw.Name)
	if err != nil {
		return nil, err
	}
	return c.Validate(raw)
}
