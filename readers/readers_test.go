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
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCSVReader_RawValues tests that values stay raw strings and blanks are nulls
func TestCSVReader_RawValues(t *testing.T) {
	data := "Id,ZIP,LAT\no1,02110, 42.36\no2,,\n"
	r, err := NewCSVReader(io.NopCloser(strings.NewReader(data)))
	require.NoError(t, err)

	table, err := core.ReadAll(context.Background(), "organizations", r)
	require.NoError(t, err)

	assert.Equal(t, []string{"Id", "ZIP", "LAT"}, table.Columns)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, core.Record{"Id": "o1", "ZIP": "02110", "LAT": "42.36"}, table.Rows[0])
	assert.Nil(t, table.Rows[1]["ZIP"])
	assert.Equal(t, int64(1), r.Stats().NullValueCounts["LAT"])
}

// TestCSVReader_HeaderOnly tests files with no data rows
func TestCSVReader_HeaderOnly(t *testing.T) {
	r, err := NewCSVReader(io.NopCloser(strings.NewReader("id,name\n")))
	require.NoError(t, err)

	table, err := core.ReadAll(context.Background(), "payers", r)
	require.NoError(t, err)
	assert.True(t, table.Empty())
	assert.Equal(t, []string{"id", "name"}, table.Columns)
}

// TestCSVReader_Malformed tests that parse errors are wrapped
func TestCSVReader_Malformed(t *testing.T) {
	r, err := NewCSVReader(io.NopCloser(strings.NewReader("id,name\n\"o1,x\n")))
	require.NoError(t, err)

	_, err = r.Read(context.Background())
	var cerr *CSVReaderError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "read_record", cerr.Op)
}

// TestCSVReader_ContextCancellation tests cancellation before a read
func TestCSVReader_ContextCancellation(t *testing.T) {
	r, err := NewCSVReader(io.NopCloser(strings.NewReader("id\n1\n")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestJSONReader_Lines tests line-delimited JSON input
func TestJSONReader_Lines(t *testing.T) {
	data := `{"id":"py1","name":"Medicare","zip":2110}` + "\n\n" + `{"id":"py2","name":null}` + "\n"
	r := NewJSONReader(io.NopCloser(strings.NewReader(data)))

	first, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Medicare", first["name"])
	assert.Equal(t, json.Number("2110"), first["zip"])

	second, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second["name"])

	_, err = r.Read(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, r.Close())
}

// TestJSONReader_BadLine tests that decode errors name the line
func TestJSONReader_BadLine(t *testing.T) {
	r := NewJSONReader(io.NopCloser(strings.NewReader("{\"id\":1}\n{oops\n")))

	_, err := r.Read(context.Background())
	require.NoError(t, err)
	_, err = r.Read(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json line 2")
}
