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

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/healthetl/config"
	"github.com/aaronlmathis/healthetl/readers"
)

// runInspect prints the layout of a Parquet object and its first rows.
func runInspect(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	limit := fs.Int("rows", 5, "Number of rows to print")
	columns := fs.String("columns", "", "Comma-separated columns to print (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("inspect requires exactly one object name")
	}
	name := fs.Arg(0)

	blobs, closeBlobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	data, err := blobs.Get(ctx, name)
	if err != nil {
		return err
	}
	return describeParquet(ctx, os.Stdout, name, data, *limit, splitColumns(*columns)...)
}

func splitColumns(list string) []string {
	var out []string
	for _, c := range strings.Split(list, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// describeParquet prints the file layout, then up to limit rows projected onto
// columns when any are given.
func describeParquet(ctx context.Context, w io.Writer, name string, data []byte, limit int, columns ...string) error {
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer pf.Close()

	fmt.Fprintf(w, "%s: %d bytes, %d rows, %d row groups\n", name, len(data), pf.NumRows(), pf.NumRowGroups())
	for i := 0; i < pf.NumRowGroups(); i++ {
		fmt.Fprintf(w, "  row group %d: %d rows\n", i, pf.RowGroup(i).NumRows())
	}

	arrowReader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return fmt.Errorf("arrow reader for %s: %w", name, err)
	}
	schema, err := arrowReader.Schema()
	if err != nil {
		return fmt.Errorf("arrow schema for %s: %w", name, err)
	}
	fmt.Fprintf(w, "fields:\n")
	for i, field := range schema.Fields() {
		fmt.Fprintf(w, "  %2d %-22s %s nullable=%v\n", i, field.Name, field.Type, field.Nullable)
	}
	md := schema.Metadata()
	for i, key := range md.Keys() {
		fmt.Fprintf(w, "metadata %s=%s\n", key, md.Values()[i])
	}

	if limit <= 0 {
		return nil
	}
	opts := []readers.ReaderOption{readers.WithBatchSize(int64(limit))}
	if len(columns) > 0 {
		opts = append(opts, readers.WithColumns(columns...))
	}
	reader, err := readers.NewParquetReaderFromBytes(data, opts...)
	if err != nil {
		return err
	}
	defer reader.Close()
	for i := 0; i < limit; i++ {
		record, err := reader.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "row %d: %v\n", i, record)
	}
	return nil
}
