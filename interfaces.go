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

package healthetl

import (
	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/load"
)

// Package healthetl defines the aliases shared by the pipeline and its callers.
//
// The types live in the core and load packages; they are re-exported here so
// that callers configuring a Pipeline need a single import.

// Record represents a single data record in the pipeline.
type Record = core.Record

// DataSource defines the interface for data extraction.
type DataSource = core.DataSource

// DataSink defines the interface for data loading. The pipeline writes its
// diagnostics report to a DataSink.
type DataSink = core.DataSink

// ErrorStrategy defines how the ingest flow handles a failing source.
type ErrorStrategy = core.ErrorStrategy

// Error handling strategies
const (
	FailFast      = core.FailFast
	SkipErrors    = core.SkipErrors
	CollectErrors = core.CollectErrors
)

// Strategy selects how validated tables are reconciled with the row store.
type Strategy = load.Strategy

// Load strategies
const (
	Insert      = load.Insert
	Update      = load.Update
	Upsert      = load.Upsert
	Incremental = load.Incremental
)
