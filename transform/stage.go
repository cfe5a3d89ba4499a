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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/logging"
	"github.com/aaronlmathis/healthetl/readers"
	"github.com/aaronlmathis/healthetl/validators"
)

// Format identifies the encoding of a source file.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatTSV     Format = "tsv"
	FormatJSON    Format = "jsonl"
	FormatParquet Format = "parquet"
)

// DetectFormat returns the format implied by a file name's extension.
func DetectFormat(name string) (Format, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv", ".tab":
		return FormatTSV, nil
	case ".jsonl", ".ndjson", ".json":
		return FormatJSON, nil
	case ".parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported file extension %q", path.Ext(name))
	}
}

// Source is a named raw input. Name is a file name; its stem selects the contract.
type Source struct {
	Name string
	Data []byte
}

// Stem returns the file name without directory or extension.
func (s Source) Stem() string {
	base := path.Base(strings.ReplaceAll(s.Name, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// Tables maps entity names to validated tables.
type Tables map[string]*core.Table

// Names returns the table names in load order.
func (t Tables) Names() []string {
	var names []string
	for _, e := range validators.AllEntities() {
		if _, ok := t[e.String()]; ok {
			names = append(names, e.String())
		}
	}
	return names
}

// SourceError wraps the failure of a single source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Stage parses, normalizes and validates sources against an injected registry.
type Stage struct {
	registry *validators.Registry
	logger   *slog.Logger
	handler  core.ErrorHandler
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithLogger sets the logger used for skipped sources.
func WithLogger(logger *slog.Logger) StageOption {
	return func(s *Stage) { s.logger = logger }
}

// WithErrorHandler sets a handler notified of every failed source that is not fatal.
// A handler returning an error stops the stage with that error.
func WithErrorHandler(h core.ErrorHandler) StageOption {
	return func(s *Stage) { s.handler = h }
}

// NewStage creates a transform stage bound to registry.
func NewStage(registry *validators.Registry, opts ...StageOption) *Stage {
	s := &Stage{registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parse decodes a source into a raw table with normalized column names.
func (s *Stage) Parse(ctx context.Context, src Source) (*core.Table, error) {
	format, err := DetectFormat(src.Name)
	if err != nil {
		return nil, err
	}

	var ds core.DataSource
	switch format {
	case FormatCSV:
		ds, err = readers.NewCSVReader(io.NopCloser(bytes.NewReader(src.Data)))
	case FormatTSV:
		ds, err = readers.NewCSVReader(io.NopCloser(bytes.NewReader(src.Data)), readers.WithCSVComma('\t'))
	case FormatJSON:
		ds = readers.NewJSONReader(io.NopCloser(bytes.NewReader(src.Data)))
	case FormatParquet:
		ds, err = readers.NewParquetReaderFromBytes(src.Data)
	}
	if err != nil {
		return nil, err
	}

	raw, err := core.ReadAll(ctx, src.Stem(), ds)
	if err != nil {
		return nil, err
	}
	return NormalizeColumns(raw)
}

// TransformOne parses and validates a single source.
func (s *Stage) TransformOne(ctx context.Context, src Source) (*core.Table, error) {
	if _, err := s.registry.Lookup(src.Stem()); err != nil {
		return nil, &SourceError{Source: src.Name, Err: err}
	}
	raw, err := s.Parse(ctx, src)
	if err != nil {
		return nil, &SourceError{Source: src.Name, Err: err}
	}
	table, err := s.registry.Validate(raw)
	if err != nil {
		return nil, &SourceError{Source: src.Name, Err: err}
	}
	return table, nil
}

// Transform validates every source and returns the tables keyed by entity name.
//
// With FailFast the first failing source aborts the stage. With SkipErrors a
// failing source is logged and left out. CollectErrors also leaves it out but
// returns the tables together with all source errors joined.
func (s *Stage) Transform(ctx context.Context, sources []Source, strategy core.ErrorStrategy) (Tables, error) {
	logger := logging.FromContext(ctx, s.logger)
	tables := make(Tables, len(sources))
	var errs []error

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		table, err := s.TransformOne(ctx, src)
		if err == nil {
			if _, dup := tables[table.Name]; dup {
				err = &SourceError{Source: src.Name, Err: fmt.Errorf("duplicate source for %s", table.Name)}
			}
		}
		if err != nil {
			if strategy == core.FailFast {
				return nil, err
			}
			logger.Warn("skipping source", "source", src.Name, "error", err)
			if s.handler != nil {
				if herr := s.handler.HandleError(ctx, src.Name, err); herr != nil {
					return nil, herr
				}
			}
			if strategy == core.CollectErrors {
				errs = append(errs, err)
			}
			continue
		}

		logger.Debug("source validated", "source", src.Name, "rows", table.Len())
		tables[table.Name] = table
	}

	return tables, errors.Join(errs...)
}
