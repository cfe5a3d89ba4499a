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

package writers

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/validators"
)

// Package writers provides implementations of core.DataSink for the interchange and report formats.
//
// This file implements the Parquet writer used to serialize validated tables.
// The Arrow schema is derived from the entity contract rather than inferred from values,
// so every file for an entity carries the same schema whatever its first row holds.

// ParquetWriterError wraps Parquet-specific write errors with context about the operation.
type ParquetWriterError struct {
	Op  string // Operation that failed (e.g., "write", "flush_batch", "open_file", "schema")
	Err error  // Underlying error
}

// Error returns the error string for ParquetWriterError.
func (e *ParquetWriterError) Error() string {
	return fmt.Sprintf("parquet writer %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for ParquetWriterError.
func (e *ParquetWriterError) Unwrap() error {
	return e.Err
}

// ParquetWriter implements core.DataSink for Parquet output.
type ParquetWriter struct {
	writer     *pqarrow.FileWriter
	schema     *arrow.Schema
	fields     []validators.FieldValidator
	builder    *array.RecordBuilder
	buffered   int64
	closed     bool
	errorState bool
	stats      WriterStats
	opts       *ParquetWriterOptions
}

// ParquetWriterOptions configures the Parquet writer.
type ParquetWriterOptions struct {
	BatchSize    int64                // Number of rows per Arrow record batch
	Compression  compress.Compression // Compression algorithm
	RowGroupSize int64                // Maximum rows per row group
	Metadata     map[string]string    // Schema metadata
}

// WriterStats holds statistics about the Parquet writer's performance.
type WriterStats struct {
	RecordsWritten  int64
	BatchesWritten  int64
	FlushDuration   time.Duration
	LastFlushTime   time.Time
	NullValueCounts map[string]int64
}

// WriterOption represents a configuration function for ParquetWriterOptions.
type WriterOption func(*ParquetWriterOptions)

// WithBatchSize sets the number of rows buffered before a record batch is written.
func WithBatchSize(size int64) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.BatchSize = size
	}
}

// WithCompression sets the Parquet compression algorithm.
func WithCompression(compression compress.Compression) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.Compression = compression
	}
}

// ParseCompression maps a codec name (uncompressed, snappy, gzip, brotli,
// zstd, lz4) to a Parquet compression codec.
func ParseCompression(name string) (compress.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// WithRowGroupSize sets the row group size for the Parquet file.
func WithRowGroupSize(size int64) WriterOption {
	return func(opts *ParquetWriterOptions) {
		opts.RowGroupSize = size
	}
}

// WithMetadata sets schema metadata for the Parquet file.
func WithMetadata(metadata map[string]string) WriterOption {
	return func(opts *ParquetWriterOptions) {
		if opts.Metadata == nil {
			opts.Metadata = make(map[string]string)
		}
		for k, v := range metadata {
			opts.Metadata[k] = v
		}
	}
}

// withDefaults applies default values to ParquetWriterOptions.
func (opts *ParquetWriterOptions) withDefaults() *ParquetWriterOptions {
	result := &ParquetWriterOptions{}
	if opts != nil {
		*result = *opts
	}
	if result.BatchSize <= 0 {
		result.BatchSize = 10000
	}
	if result.RowGroupSize <= 0 {
		result.RowGroupSize = 64 * 1024
	}
	if result.Compression == 0 {
		result.Compression = compress.Codecs.Snappy
	}
	if result.Metadata == nil {
		result.Metadata = make(map[string]string)
	}
	return result
}

// ArrowSchema maps a contract to an Arrow schema. All fields are nullable so
// that optional columns and non-null columns share one physical layout.
func ArrowSchema(contract validators.Contract, metadata map[string]string) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(contract.Fields))
	for _, f := range contract.Fields {
		var dt arrow.DataType
		switch f.DataType {
		case validators.FieldTypeString:
			dt = arrow.BinaryTypes.String
		case validators.FieldTypeFloat:
			dt = arrow.PrimitiveTypes.Float64
		case validators.FieldTypeTimestamp:
			dt = arrow.FixedWidthTypes.Timestamp_us
		case validators.FieldTypeDate:
			dt = arrow.FixedWidthTypes.Date32
		default:
			return nil, fmt.Errorf("field %s: unsupported data type %q", f.Name, f.DataType)
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: dt, Nullable: true})
	}

	var md *arrow.Metadata
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		values := make([]string, 0, len(metadata))
		for k, v := range metadata {
			keys = append(keys, k)
			values = append(values, v)
		}
		m := arrow.NewMetadata(keys, values)
		md = &m
	}
	return arrow.NewSchema(fields, md), nil
}

// NewParquetWriter creates a Parquet writer for the contract's table on w.
// Closing the writer closes w when it implements io.Closer.
func NewParquetWriter(w io.Writer, contract validators.Contract, options ...WriterOption) (*ParquetWriter, error) {
	opts := (&ParquetWriterOptions{}).withDefaults()
	for _, option := range options {
		option(opts)
	}
	if _, ok := opts.Metadata["entity"]; !ok {
		opts.Metadata["entity"] = contract.Entity.String()
	}

	schema, err := ArrowSchema(contract, opts.Metadata)
	if err != nil {
		return nil, &ParquetWriterError{Op: "schema", Err: err}
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(opts.Compression),
		parquet.WithMaxRowGroupLength(opts.RowGroupSize),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	fw, err := pqarrow.NewFileWriter(schema, w, props, arrowProps)
	if err != nil {
		return nil, &ParquetWriterError{Op: "create_writer", Err: err}
	}

	return &ParquetWriter{
		writer:  fw,
		schema:  schema,
		fields:  contract.Fields,
		builder: array.NewRecordBuilder(memory.NewGoAllocator(), schema),
		stats:   WriterStats{NullValueCounts: make(map[string]int64)},
		opts:    opts,
	}, nil
}

// NewParquetFileWriter creates the named file, and any parent directories,
// and returns a Parquet writer on it.
func NewParquetFileWriter(filename string, contract validators.Contract, options ...WriterOption) (*ParquetWriter, error) {
	if dir := filepath.Dir(filename); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &ParquetWriterError{Op: "create_directory", Err: err}
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, &ParquetWriterError{Op: "open_file", Err: err}
	}
	w, err := NewParquetWriter(f, contract, options...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteTable serializes a validated table to w in one pass.
func WriteTable(ctx context.Context, w io.Writer, contract validators.Contract, table *core.Table, options ...WriterOption) error {
	pw, err := NewParquetWriter(w, contract, options...)
	if err != nil {
		return err
	}
	for _, row := range table.Rows {
		if err := pw.Write(ctx, row); err != nil {
			pw.Close()
			return err
		}
	}
	return pw.Close()
}

// Stats returns the current statistics of the Parquet writer.
func (p *ParquetWriter) Stats() WriterStats {
	return p.stats
}

// Schema returns the Arrow schema the writer produces.
func (p *ParquetWriter) Schema() *arrow.Schema {
	return p.schema
}

// Write implements the core.DataSink interface.
// Rows are appended to the Arrow builders and written in batches.
func (p *ParquetWriter) Write(ctx context.Context, record core.Record) error {
	if p.closed {
		return &ParquetWriterError{Op: "write", Err: fmt.Errorf("parquet writer is closed")}
	}
	if p.errorState {
		return &ParquetWriterError{Op: "write", Err: fmt.Errorf("writer is in error state")}
	}
	if err := ctx.Err(); err != nil {
		return &ParquetWriterError{Op: "write", Err: err}
	}

	// Validate every value before appending so a bad row leaves no partial column data.
	for _, f := range p.fields {
		if err := checkValue(f, record[f.Name]); err != nil {
			return &ParquetWriterError{Op: "write", Err: err}
		}
	}
	for i, f := range p.fields {
		value := record[f.Name]
		if value == nil {
			p.stats.NullValueCounts[f.Name]++
		}
		appendValue(p.builder.Field(i), f.DataType, value)
	}
	p.buffered++
	p.stats.RecordsWritten++

	if p.buffered >= p.opts.BatchSize {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Flush implements the core.DataSink interface.
// Writes any buffered rows as a record batch.
func (p *ParquetWriter) Flush() error {
	if p.buffered == 0 || p.writer == nil {
		return nil
	}
	start := time.Now()

	rec := p.builder.NewRecord()
	defer rec.Release()
	p.buffered = 0

	if err := p.writer.Write(rec); err != nil {
		p.errorState = true
		return &ParquetWriterError{Op: "flush_batch", Err: err}
	}

	p.stats.BatchesWritten++
	p.stats.FlushDuration += time.Since(start)
	p.stats.LastFlushTime = time.Now()
	return nil
}

// Close implements the core.DataSink interface.
// Flushes, writes the file footer and closes the destination.
func (p *ParquetWriter) Close() error {
	if p.closed {
		return nil
	}

	var flushErr error
	if !p.errorState {
		flushErr = p.Flush()
	}
	p.closed = true

	p.builder.Release()
	closeErr := p.writer.Close()
	p.writer = nil

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return &ParquetWriterError{Op: "close_writer", Err: closeErr}
	}
	return nil
}

func checkValue(f validators.FieldValidator, value interface{}) error {
	if value == nil {
		return nil
	}
	var ok bool
	switch f.DataType {
	case validators.FieldTypeString:
		_, ok = value.(string)
	case validators.FieldTypeFloat:
		_, ok = value.(float64)
	case validators.FieldTypeTimestamp, validators.FieldTypeDate:
		_, ok = value.(time.Time)
	}
	if !ok {
		return fmt.Errorf("field %s: unexpected %T for %s column", f.Name, value, f.DataType)
	}
	return nil
}

func appendValue(b array.Builder, dt validators.FieldDataType, value interface{}) {
	if value == nil {
		b.AppendNull()
		return
	}
	switch dt {
	case validators.FieldTypeString:
		b.(*array.StringBuilder).Append(value.(string))
	case validators.FieldTypeFloat:
		b.(*array.Float64Builder).Append(value.(float64))
	case validators.FieldTypeTimestamp:
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(value.(time.Time).UnixMicro()))
	case validators.FieldTypeDate:
		b.(*array.Date32Builder).Append(arrow.Date32(daysSinceEpoch(value.(time.Time))))
	}
}

func daysSinceEpoch(t time.Time) int32 {
	secs := t.Unix()
	days := secs / 86400
	if secs%86400 < 0 {
		days--
	}
	return int32(days)
}
