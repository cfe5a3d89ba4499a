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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/google/uuid"

	"github.com/aaronlmathis/healthetl/blobstore"
	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/load"
	"github.com/aaronlmathis/healthetl/logging"
	"github.com/aaronlmathis/healthetl/rowstore"
	"github.com/aaronlmathis/healthetl/transform"
	"github.com/aaronlmathis/healthetl/validators"
	"github.com/aaronlmathis/healthetl/writers"
)

// Package healthetl moves healthcare extracts from a source directory into a
// relational store.
//
// Two flows are provided:
//   - Ingest: read local CSV, JSON-lines or Parquet files, validate them against
//     the entity contracts, and upload them to a blob store as Parquet objects
//     named <entity>/<entity>_<timestamp>.parquet.
//   - Run: select the latest object per entity, validate it again, and load it
//     into the row store with the configured strategy.
//
// Example usage:
//
//   pipeline, err := healthetl.NewPipeline().
//       From(blobStore).
//       To(rowStore).
//       WithStrategy(healthetl.Upsert).
//       WithBatchSize(5000).
//       Build()
//   if err != nil { log.Fatal(err) }
//   if _, err := pipeline.Ingest(ctx, "./data"); err != nil { log.Fatal(err) }
//   if _, err := pipeline.Run(ctx); err != nil { log.Fatal(err) }

// PipelineBuilder provides a fluent API for constructing pipelines.
// Use NewPipeline() to create a new builder, then chain From, To, and configuration methods.
type PipelineBuilder struct {
	pipeline *Pipeline
}

// NewPipeline creates a new PipelineBuilder with the default registry,
// the Insert strategy and the default batch size.
func NewPipeline() *PipelineBuilder {
	return &PipelineBuilder{
		pipeline: &Pipeline{
			registry:       validators.DefaultRegistry(),
			strategy:       load.Insert,
			batchSize:      load.DefaultBatchSize,
			ingestStrategy: core.SkipErrors,
			compression:    compress.Codecs.Snappy,
			now:            time.Now,
		},
	}
}

// From sets the blob store extracts are uploaded to and loaded from.
func (pb *PipelineBuilder) From(store blobstore.Store) *PipelineBuilder {
	pb.pipeline.blobs = store
	return pb
}

// To sets the row store validated tables are loaded into.
func (pb *PipelineBuilder) To(store rowstore.RowStore) *PipelineBuilder {
	pb.pipeline.rows = store
	return pb
}

// WithRegistry replaces the default schema registry.
func (pb *PipelineBuilder) WithRegistry(registry *validators.Registry) *PipelineBuilder {
	pb.pipeline.registry = registry
	return pb
}

// WithStrategy sets the load strategy used by Run.
func (pb *PipelineBuilder) WithStrategy(strategy Strategy) *PipelineBuilder {
	pb.pipeline.strategy = strategy
	return pb
}

// WithBatchSize sets the number of rows written per load batch.
func (pb *PipelineBuilder) WithBatchSize(size int) *PipelineBuilder {
	pb.pipeline.batchSize = size
	return pb
}

// WithErrorStrategy sets how Ingest treats a failing source.
// SkipErrors is the default; Run always fails fast.
func (pb *PipelineBuilder) WithErrorStrategy(strategy ErrorStrategy) *PipelineBuilder {
	pb.pipeline.ingestStrategy = strategy
	return pb
}

// WithLogger sets the logger for the pipeline and its stages.
func (pb *PipelineBuilder) WithLogger(logger *slog.Logger) *PipelineBuilder {
	pb.pipeline.logger = logger
	return pb
}

// WithReport sets a sink receiving one record per schema violation,
// skipped source, selection failure and loaded entity.
func (pb *PipelineBuilder) WithReport(sink DataSink) *PipelineBuilder {
	pb.pipeline.report = sink
	return pb
}

// WithResetSchema makes Run drop and recreate the entity tables before loading.
func (pb *PipelineBuilder) WithResetSchema(reset bool) *PipelineBuilder {
	pb.pipeline.resetSchema = reset
	return pb
}

// WithTempDir sets the parent directory of the per-run download directory.
// The system temporary directory is used when empty.
func (pb *PipelineBuilder) WithTempDir(dir string) *PipelineBuilder {
	pb.pipeline.tempDir = dir
	return pb
}

// WithCompression sets the codec of the Parquet objects written by Ingest.
func (pb *PipelineBuilder) WithCompression(codec compress.Compression) *PipelineBuilder {
	pb.pipeline.compression = codec
	return pb
}

// WithClock overrides the time source used to name ingested objects.
func (pb *PipelineBuilder) WithClock(now func() time.Time) *PipelineBuilder {
	pb.pipeline.now = now
	return pb
}

// Build validates and constructs the Pipeline from the builder.
func (pb *PipelineBuilder) Build() (*Pipeline, error) {
	if pb.pipeline.blobs == nil && pb.pipeline.rows == nil {
		return nil, fmt.Errorf("pipeline requires a blob store or a row store")
	}
	if pb.pipeline.registry == nil {
		return nil, fmt.Errorf("pipeline requires a schema registry")
	}
	if pb.pipeline.batchSize <= 0 {
		return nil, fmt.Errorf("pipeline batch size must be positive, got %d", pb.pipeline.batchSize)
	}
	return pb.pipeline, nil
}

// Pipeline runs the ingest and load flows.
type Pipeline struct {
	blobs          blobstore.Store
	rows           rowstore.RowStore
	registry       *validators.Registry
	strategy       load.Strategy
	batchSize      int
	ingestStrategy core.ErrorStrategy
	logger         *slog.Logger
	report         core.DataSink
	resetSchema    bool
	tempDir        string
	compression    compress.Compression
	now            func() time.Time
}

// IngestReport summarizes an Ingest call.
type IngestReport struct {
	RunID    string
	Uploaded []string // object names written to the blob store
	Skipped  []string // sources left out because they failed
}

// RunReport summarizes a Run call.
type RunReport struct {
	RunID           string
	Selected        map[string]string // entity -> object name
	SelectionErrors map[string]string // group -> error
	Loads           []load.Report
	Empty           bool // no objects were found
	Duration        time.Duration
}

// Ingest validates the extracts found in sourceDir and uploads each valid
// one to the blob store as Parquet.
//
// Failing sources are handled according to the pipeline's error strategy:
// skipped and reported by default.
func (p *Pipeline) Ingest(ctx context.Context, sourceDir string) (*IngestReport, error) {
	report := &IngestReport{RunID: uuid.NewString()}
	ctx = logging.WithRunID(ctx, report.RunID)
	logger := logging.FromContext(ctx, p.logger)
	defer p.flushReport(logger)

	if p.blobs == nil {
		return report, fmt.Errorf("pipeline requires a blob store to ingest")
	}

	sources, err := readSources(sourceDir)
	if err != nil {
		return report, err
	}
	if len(sources) == 0 {
		logger.Warn("no source files found", "dir", sourceDir)
		return report, nil
	}
	logger.Info("ingest started", "dir", sourceDir, "sources", len(sources))

	handler := core.ErrorHandlerFunc(func(ctx context.Context, source string, err error) error {
		report.Skipped = append(report.Skipped, source)
		return p.reportSourceError(ctx, source, err)
	})
	stage := transform.NewStage(p.registry, transform.WithLogger(p.logger), transform.WithErrorHandler(handler))

	tables, stageErr := stage.Transform(ctx, sources, p.ingestStrategy)
	if stageErr != nil && p.ingestStrategy == core.FailFast {
		if err := p.reportSourceError(ctx, sourceOf(stageErr), stageErr); err != nil {
			logger.Error("failed to write report", "error", err)
		}
		return report, stageErr
	}

	taken := p.now()
	for _, name := range tables.Names() {
		entity, err := validators.ParseEntity(name)
		if err != nil {
			return report, err
		}
		var buf bytes.Buffer
		if err := writers.WriteTable(ctx, &buf, entity.Contract(), tables[name], writers.WithCompression(p.compression)); err != nil {
			return report, fmt.Errorf("serialize %s: %w", name, err)
		}
		object := blobstore.ObjectName(entity, taken, string(transform.FormatParquet))
		if err := p.blobs.Put(ctx, object, buf.Bytes()); err != nil {
			return report, err
		}
		report.Uploaded = append(report.Uploaded, object)
		logger.Info("extract uploaded", "entity", name, "object", object, "rows", tables[name].Len(), "bytes", buf.Len())
	}

	return report, stageErr
}

// Run selects the latest object per entity, validates it and loads it into
// the row store. The run aborts at the first validation or load failure.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	started := time.Now()
	report := &RunReport{RunID: uuid.NewString(), Selected: map[string]string{}}
	ctx = logging.WithRunID(ctx, report.RunID)
	logger := logging.FromContext(ctx, p.logger)
	defer p.flushReport(logger)

	if p.rows == nil {
		return report, fmt.Errorf("pipeline requires a row store to run")
	}
	if p.blobs == nil {
		return report, fmt.Errorf("pipeline requires a blob store to run")
	}

	if err := p.prepareSchema(ctx); err != nil {
		return report, err
	}

	keys, err := p.blobs.List(ctx, "")
	if err != nil {
		return report, err
	}
	if len(keys) == 0 {
		logger.Warn("no objects found in blob store")
		report.Empty = true
		return report, nil
	}

	latest, err := blobstore.SelectLatest(keys)
	if err != nil {
		var selErr *blobstore.SelectionError
		if !errors.As(err, &selErr) {
			return report, err
		}
		report.SelectionErrors = make(map[string]string, len(selErr.Groups))
		for group, gerr := range selErr.Groups {
			report.SelectionErrors[group] = gerr.Error()
			logger.Warn("skipping object group", "group", group, "error", gerr)
			p.writeReport(ctx, logger, core.Record{"kind": "selection_error", "group": group, "error": gerr.Error()})
		}
	}

	dir, err := os.MkdirTemp(p.tempDir, "healthetl-")
	if err != nil {
		return report, fmt.Errorf("create download directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := p.download(ctx, dir, latest, report); err != nil {
		return report, err
	}

	sources, err := readSources(dir)
	if err != nil {
		return report, err
	}
	stage := transform.NewStage(p.registry, transform.WithLogger(p.logger))
	tables, err := stage.Transform(ctx, sources, core.FailFast)
	if err != nil {
		if rerr := p.reportSourceError(ctx, sourceOf(err), err); rerr != nil {
			logger.Error("failed to write report", "error", rerr)
		}
		return report, err
	}

	loader, err := load.NewLoader(p.rows, load.WithBatchSize(p.batchSize), load.WithLogger(p.logger))
	if err != nil {
		return report, err
	}
	loads, err := loader.LoadAll(ctx, tables, p.strategy)
	report.Loads = loads
	for _, l := range loads {
		p.writeReport(ctx, logger, core.Record{
			"kind":     "load",
			"table":    l.Table,
			"strategy": l.Strategy,
			"rows":     l.Rows,
			"inserted": l.Inserted,
			"updated":  l.Updated,
			"skipped":  l.Skipped,
			"no_op":    l.NoOp,
		})
	}
	if err != nil {
		return report, err
	}

	report.Duration = time.Since(started)
	logger.Info("run completed", "entities", len(loads), "duration", report.Duration)
	return report, nil
}

// ResetSchema drops and recreates the entity tables.
func (p *Pipeline) ResetSchema(ctx context.Context) error {
	if p.rows == nil {
		return fmt.Errorf("pipeline requires a row store to reset the schema")
	}
	if err := p.rows.DropSchema(ctx); err != nil {
		return err
	}
	return p.rows.CreateSchema(ctx)
}

func (p *Pipeline) prepareSchema(ctx context.Context) error {
	if p.resetSchema {
		logging.FromContext(ctx, p.logger).Info("resetting schema")
		return p.ResetSchema(ctx)
	}
	return p.rows.CreateSchema(ctx)
}

// download fetches the selected objects into dir as <entity>.<ext>.
func (p *Pipeline) download(ctx context.Context, dir string, latest map[string]string, report *RunReport) error {
	logger := logging.FromContext(ctx, p.logger)

	prefixes := make([]string, 0, len(latest))
	for prefix := range latest {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	for _, prefix := range prefixes {
		key := latest[prefix]
		entity, err := validators.ParseEntity(prefix)
		if err != nil {
			return &transform.SourceError{Source: key, Err: err}
		}
		ext := strings.TrimPrefix(path.Ext(key), ".")
		if ext == "" {
			ext = string(transform.FormatParquet)
		}

		data, err := p.blobs.Get(ctx, key)
		if err != nil {
			return err
		}
		local := filepath.Join(dir, blobstore.LocalFileName(entity, ext))
		if err := os.WriteFile(local, data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", local, err)
		}
		report.Selected[entity.String()] = key
		logger.Info("object downloaded", "entity", entity.String(), "object", key, "bytes", len(data))
	}
	return nil
}

// readSources reads every file in dir with a supported extension, in name order.
func readSources(dir string) ([]transform.Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source directory: %w", err)
	}
	var sources []transform.Source
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := transform.DetectFormat(entry.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read source %s: %w", entry.Name(), err)
		}
		sources = append(sources, transform.Source{Name: entry.Name(), Data: data})
	}
	return sources, nil
}

func sourceOf(err error) string {
	var srcErr *transform.SourceError
	if errors.As(err, &srcErr) {
		return srcErr.Source
	}
	return ""
}

// reportSourceError writes one record per violation for validation failures,
// and a single record for any other source failure.
func (p *Pipeline) reportSourceError(ctx context.Context, source string, err error) error {
	if p.report == nil {
		return nil
	}
	runID := logging.RunID(ctx)

	var verr *validators.SchemaValidationError
	if !errors.As(err, &verr) {
		return p.report.Write(ctx, core.Record{"run_id": runID, "kind": "source_error", "source": source, "error": err.Error()})
	}
	for _, v := range verr.Violations {
		rec := core.Record{
			"run_id":  runID,
			"kind":    "violation",
			"source":  source,
			"table":   verr.Table,
			"column":  v.Column,
			"row":     v.Row,
			"message": v.Message,
		}
		if v.Value != nil {
			rec["value"] = fmt.Sprint(v.Value)
		}
		if err := p.report.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) writeReport(ctx context.Context, logger *slog.Logger, rec core.Record) {
	if p.report == nil {
		return
	}
	rec["run_id"] = logging.RunID(ctx)
	if err := p.report.Write(ctx, rec); err != nil {
		logger.Error("failed to write report", "error", err)
	}
}

func (p *Pipeline) flushReport(logger *slog.Logger) {
	if p.report == nil {
		return
	}
	if err := p.report.Flush(); err != nil {
		logger.Error("failed to flush report", "error", err)
	}
}
