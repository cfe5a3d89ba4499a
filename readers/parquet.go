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

package readers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/healthetl/core"
)

// ParquetReaderError wraps Parquet-specific read errors with context about the operation.
type ParquetReaderError struct {
	Op  string // Operation that failed (e.g., "read", "load_batch", "open_file", "schema")
	Err error  // Underlying error
}

func (e *ParquetReaderError) Error() string {
	return fmt.Sprintf("parquet reader %s: %v", e.Op, e.Err)
}

func (e *ParquetReaderError) Unwrap() error {
	return e.Err
}

// ParquetReader implements DataSource for Parquet files
// Supports optional column projection and safe resource management
type ParquetReader struct {
	closer          io.Closer
	reader          *file.Reader
	recordReader    pqarrow.RecordReader
	currentBatch    arrow.Record
	currentBatchIdx int
	schema          *arrow.Schema
	stats           ReaderStats
	opts            *ParquetReaderOptions
}

// ReaderStats holds statistics about the Parquet reader's performance
type ReaderStats struct {
	RecordsRead     int64
	BatchesRead     int64
	ReadDuration    time.Duration
	LastReadTime    time.Time
	NullValueCounts map[string]int64
}

// ParquetReaderOptions configures the Parquet reader
// BatchSize: rows per batch
// Columns: optional list of column names to project
type ParquetReaderOptions struct {
	BatchSize int64
	Columns   []string
}

// ReaderOption represents a configuration function
type ReaderOption func(*ParquetReaderOptions)

// Functional option functions
func WithBatchSize(size int64) ReaderOption {
	return func(opts *ParquetReaderOptions) {
		opts.BatchSize = size
	}
}

func WithColumns(columns ...string) ReaderOption {
	return func(opts *ParquetReaderOptions) {
		opts.Columns = make([]string, len(columns))
		copy(opts.Columns, columns)
	}
}

// NewParquetReader opens a Parquet file and prepares an Arrow RecordReader
func NewParquetReader(filename string, options ...ReaderOption) (*ParquetReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, &ParquetReaderError{Op: "open_file", Err: err}
	}
	r, err := createParquetReader(f, options)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewParquetReaderFromBytes prepares a reader over an in-memory Parquet file,
// as fetched from a blob store.
func NewParquetReaderFromBytes(data []byte, options ...ReaderOption) (*ParquetReader, error) {
	return createParquetReader(bytes.NewReader(data), options)
}

// createParquetReader handles Arrow reader creation, schema retrieval,
// and optional column projection.
func createParquetReader(src parquet.ReaderAtSeeker, options []ReaderOption) (*ParquetReader, error) {
	opts := (&ParquetReaderOptions{}).withDefaults()
	for _, option := range options {
		option(opts)
	}

	parquetReader, err := file.NewParquetReader(src)
	if err != nil {
		return nil, &ParquetReaderError{Op: "create_reader", Err: err}
	}

	// Create Arrow FileReader with memory allocator
	props := pqarrow.ArrowReadProperties{BatchSize: opts.BatchSize}
	arrowReader, err := pqarrow.NewFileReader(parquetReader, props, memory.NewGoAllocator())
	if err != nil {
		parquetReader.Close()
		return nil, &ParquetReaderError{Op: "create_arrow_reader", Err: err}
	}

	schema, err := arrowReader.Schema()
	if err != nil {
		parquetReader.Close()
		return nil, &ParquetReaderError{Op: "get_schema", Err: err}
	}

	// Prepare column index projection if requested
	var colIndices []int
	if len(opts.Columns) > 0 {
		for _, name := range opts.Columns {
			idx := schema.FieldIndices(name)
			if len(idx) == 0 {
				parquetReader.Close()
				return nil, &ParquetReaderError{Op: "column_projection", Err: fmt.Errorf("column %q not found in schema", name)}
			}
			colIndices = append(colIndices, idx[0])
		}
	}

	recordReader, err := arrowReader.GetRecordReader(context.Background(), colIndices, nil)
	if err != nil {
		parquetReader.Close()
		return nil, &ParquetReaderError{Op: "create_record_reader", Err: err}
	}

	return &ParquetReader{
		reader:       parquetReader,
		recordReader: recordReader,
		schema:       recordReader.Schema(),
		stats:        ReaderStats{NullValueCounts: make(map[string]int64)},
		opts:         opts,
	}, nil
}

// Columns returns the column names in file order.
func (p *ParquetReader) Columns() []string {
	fields := p.schema.Fields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return cols
}

// Read reads the next record from the Parquet file, returning core.Record or io.EOF
func (p *ParquetReader) Read(ctx context.Context) (core.Record, error) {
	startTime := time.Now()
	defer func() {
		p.stats.ReadDuration += time.Since(startTime)
		p.stats.LastReadTime = time.Now()
	}()

	select {
	case <-ctx.Done():
		return nil, &ParquetReaderError{Op: "read", Err: ctx.Err()}
	default:
	}

	if p.currentBatch == nil || p.currentBatchIdx >= int(p.currentBatch.NumRows()) {
		if err := p.loadNextBatch(); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &ParquetReaderError{Op: "load_batch", Err: err}
		}
	}

	result := p.extractRecordFromBatch(p.currentBatch, p.currentBatchIdx)
	p.currentBatchIdx++
	p.stats.RecordsRead++

	return result, nil
}

// Close releases resources and closes the underlying file
func (p *ParquetReader) Close() error {
	if p.currentBatch != nil {
		p.currentBatch.Release()
		p.currentBatch = nil
	}
	if p.recordReader != nil {
		p.recordReader.Release()
		p.recordReader = nil
	}
	if p.closer != nil {
		err := p.closer.Close()
		p.closer = nil
		return err
	}
	return nil
}

// Schema returns the Arrow schema of the Parquet file
func (p *ParquetReader) Schema() *arrow.Schema {
	return p.schema
}

// Stats returns statistics about the Parquet reader's performance
func (p *ParquetReader) Stats() ReaderStats {
	return p.stats
}

func (opts *ParquetReaderOptions) withDefaults() *ParquetReaderOptions {
	result := &ParquetReaderOptions{}
	if opts != nil {
		*result = *opts
	}
	if result.BatchSize <= 0 {
		result.BatchSize = 64 * 1024
	}
	return result
}

// loadNextBatch releases the current batch and reads the next non-empty one.
func (p *ParquetReader) loadNextBatch() error {
	if p.currentBatch != nil {
		p.currentBatch.Release()
		p.currentBatch = nil
	}

	for {
		rec, err := p.recordReader.Read()
		if err != nil {
			return err
		}
		if rec == nil {
			return io.EOF
		}
		if rec.NumRows() == 0 {
			continue
		}
		// The record reader reuses its record on the next Read.
		rec.Retain()
		p.currentBatch = rec
		p.currentBatchIdx = 0
		p.stats.BatchesRead++
		return nil
	}
}

// extractRecordFromBatch builds a core.Record from a row in an Arrow Record batch
func (p *ParquetReader) extractRecordFromBatch(record arrow.Record, pos int) core.Record {
	res := make(core.Record, record.NumCols())
	sch := record.Schema()
	for i := 0; i < int(record.NumCols()); i++ {
		field := sch.Field(i)
		res[field.Name] = p.extractValueFromColumn(record.Column(i), pos, field.Name)
	}
	return res
}

// extractValueFromColumn converts a single Arrow cell to a Go value with null counting.
// Timestamps and dates are returned as UTC time.Time.
func (p *ParquetReader) extractValueFromColumn(col arrow.Array, rowIdx int, fieldName string) interface{} {
	if col.IsNull(rowIdx) {
		p.stats.NullValueCounts[fieldName]++
		return nil
	}

	switch arr := col.(type) {
	case *array.Boolean:
		return arr.Value(rowIdx)
	case *array.Int32:
		return int32(arr.Value(rowIdx))
	case *array.Int64:
		return int64(arr.Value(rowIdx))
	case *array.Float32:
		return float32(arr.Value(rowIdx))
	case *array.Float64:
		return arr.Value(rowIdx)
	case *array.String:
		return arr.Value(rowIdx)
	case *array.LargeString:
		return arr.Value(rowIdx)
	case *array.Binary:
		return string(arr.Value(rowIdx))
	case *array.Timestamp:
		unit := arr.DataType().(*arrow.TimestampType).Unit
		return arr.Value(rowIdx).ToTime(unit).UTC()
	case *array.Date32:
		return arr.Value(rowIdx).ToTime().UTC()
	case *array.Date64:
		return arr.Value(rowIdx).ToTime().UTC()
	default:
		return fmt.Sprintf("%v", col.GetOneForMarshal(rowIdx))
	}
}
