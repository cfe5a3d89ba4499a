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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/healthetl/blobstore"
	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/logging"
	"github.com/aaronlmathis/healthetl/rowstore"
	"github.com/aaronlmathis/healthetl/validators"
	"github.com/aaronlmathis/healthetl/writers"
)

type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

const (
	payersCSV = "Id,NAME,ADDRESS,CITY,STATE_HEADQUARTERED,ZIP,PHONE\n" +
		"py1,Medicare,7500 Security Blvd,Baltimore,MD,21244,1-800-633-4227\n" +
		"py2,NO_INSURANCE,,,,,\n"
	organizationsCSV = "Id,NAME,ADDRESS,CITY,STATE,ZIP,LAT,LON\n" +
		"o1,General Hospital,55 Fruit St,Boston,MA,02114,42.3626,-71.0694\n"
	encountersCSV = "Id,START,STOP,PATIENT,ORGANIZATION,PAYER,ENCOUNTERCLASS,CODE,DESCRIPTION," +
		"BASE_ENCOUNTER_COST,TOTAL_CLAIM_COST,PAYER_COVERAGE,REASONCODE,REASONDESCRIPTION\n" +
		"e1,2024-01-01T08:00:00Z,2024-01-01T09:00:00Z,p1,o1,py1,foo,185347001,Encounter,85.55,129.16,0,,\n"
)

func writeSources(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func reportLines(t *testing.T, buf *bufferCloser) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &rec))
		out = append(out, rec)
	}
	return out
}

func TestPipeline_IngestAndRun(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	rows := rowstore.NewMemoryStore()
	report := &bufferCloser{}
	sink := writers.NewJSONWriter(report)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	pipeline, err := NewPipeline().
		From(blobs).
		To(rows).
		WithStrategy(Upsert).
		WithBatchSize(1).
		WithLogger(logging.Discard()).
		WithReport(sink).
		WithTempDir(t.TempDir()).
		WithClock(func() time.Time { return clock }).
		Build()
	require.NoError(t, err)

	src := writeSources(t, map[string]string{
		"payers.csv":        payersCSV,
		"organizations.csv": organizationsCSV,
		"encounters.csv":    encountersCSV,
		"claims.csv":        "id\nc1\n",
		"notes.txt":         "ignored",
	})

	ingest, err := pipeline.Ingest(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"organizations/organizations_2024-01-01T00:00:00.000000.parquet",
		"payers/payers_2024-01-01T00:00:00.000000.parquet",
	}, ingest.Uploaded)
	assert.Equal(t, []string{"claims.csv", "encounters.csv"}, ingest.Skipped)

	var violation map[string]interface{}
	for _, rec := range reportLines(t, report) {
		if rec["kind"] == "violation" && rec["column"] == "encounterclass" {
			violation = rec
		}
	}
	require.NotNil(t, violation, "expected an encounterclass violation in the report")
	assert.Equal(t, "encounters.csv", violation["source"])
	assert.Equal(t, "foo", violation["value"])
	assert.Equal(t, ingest.RunID, violation["run_id"])

	run, err := pipeline.Run(ctx)
	require.NoError(t, err)
	assert.False(t, run.Empty)
	require.Len(t, run.Loads, 2)
	assert.Equal(t, "raw_organizations", run.Loads[0].Table)
	assert.Equal(t, int64(2), run.Loads[1].Inserted)
	assert.Equal(t, 2, run.Loads[1].Batches)

	orgs := rows.Rows(validators.Organizations)
	require.Len(t, orgs, 1)
	assert.Equal(t, "02114", orgs[0]["zip"])
	assert.Equal(t, 42.3626, orgs[0]["lat"])

	// A newer extract replaces the selected object and updates stored rows
	clock = t0.Add(24 * time.Hour)
	src2 := writeSources(t, map[string]string{
		"payers.csv": "Id,NAME,ADDRESS,CITY,STATE_HEADQUARTERED,ZIP,PHONE\npy1,Medicare Part B,,,,,\npy3,Aetna,,,,,\n",
	})
	_, err = pipeline.Ingest(ctx, src2)
	require.NoError(t, err)

	run, err = pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payers/payers_2024-01-02T00:00:00.000000.parquet", run.Selected["payers"])
	require.Len(t, run.Loads, 2)
	assert.Equal(t, int64(1), run.Loads[1].Updated)
	assert.Equal(t, int64(1), run.Loads[1].Inserted)

	names := map[string]interface{}{}
	for _, r := range rows.Rows(validators.Payers) {
		names[r["id"].(string)] = r["name"]
	}
	assert.Equal(t, map[string]interface{}{"py1": "Medicare Part B", "py2": "NO_INSURANCE", "py3": "Aetna"}, names)
}

func TestPipeline_RunReportsSelectionErrors(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blobs, err := blobstore.NewLocalStore(root)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "payers/payers_latest.parquet", []byte("junk")))

	rows := rowstore.NewMemoryStore()
	pipeline, err := NewPipeline().From(blobs).To(rows).WithLogger(logging.Discard()).Build()
	require.NoError(t, err)

	run, err := pipeline.Run(ctx)
	require.NoError(t, err)
	assert.Contains(t, run.SelectionErrors, "payers")
	assert.Empty(t, run.Loads)
}

func TestPipeline_RunFailsOnInvalidObject(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "payers/payers_2024-01-01T00:00:00.csv", []byte("id,name\npy1,\n")))

	rows := rowstore.NewMemoryStore()
	pipeline, err := NewPipeline().From(blobs).To(rows).WithLogger(logging.Discard()).Build()
	require.NoError(t, err)

	_, err = pipeline.Run(ctx)
	var verr *validators.SchemaValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.HasColumn("name"))
	assert.Empty(t, rows.Rows(validators.Payers))
}

func TestPipeline_EmptyAndReset(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	rows := rowstore.NewMemoryStore()

	pipeline, err := NewPipeline().From(blobs).To(rows).WithResetSchema(true).WithLogger(logging.Discard()).Build()
	require.NoError(t, err)

	run, err := pipeline.Run(ctx)
	require.NoError(t, err)
	assert.True(t, run.Empty)
	assert.NotNil(t, rows.Rows(validators.Payers), "schema should exist after reset")

	ingest, err := pipeline.Ingest(ctx, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, ingest.Uploaded)
}

func TestPipelineBuilder_Validation(t *testing.T) {
	_, err := NewPipeline().Build()
	assert.Error(t, err)

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = NewPipeline().From(blobs).WithBatchSize(0).Build()
	assert.Error(t, err)

	pipeline, err := NewPipeline().From(blobs).Build()
	require.NoError(t, err)
	_, err = pipeline.Run(context.Background())
	assert.Error(t, err, "run requires a row store")
}

func TestPipeline_ResetSchemaWithRowStoreOnly(t *testing.T) {
	ctx := context.Background()
	rows := rowstore.NewMemoryStore()
	require.NoError(t, rows.CreateSchema(ctx))
	session, err := rows.Begin(ctx)
	require.NoError(t, err)
	_, err = session.BulkInsert(ctx, validators.Payers, []core.Record{{"id": "py1", "name": "Medicare"}})
	require.NoError(t, err)
	require.NoError(t, session.Commit(ctx))
	require.Len(t, rows.Rows(validators.Payers), 1)

	pipeline, err := NewPipeline().To(rows).WithLogger(logging.Discard()).Build()
	require.NoError(t, err)
	require.NoError(t, pipeline.ResetSchema(ctx))
	assert.NotNil(t, rows.Rows(validators.Payers), "tables are recreated")
	assert.Empty(t, rows.Rows(validators.Payers))

	_, err = pipeline.Ingest(ctx, t.TempDir())
	assert.ErrorContains(t, err, "blob store")
	_, err = pipeline.Run(ctx)
	assert.ErrorContains(t, err, "blob store")
}

func TestPipeline_IngestTwiceInOneSecond(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	clock := time.Date(2024, 1, 1, 9, 30, 0, 100*int(time.Millisecond), time.UTC)
	pipeline, err := NewPipeline().From(blobs).
		WithLogger(logging.Discard()).
		WithClock(func() time.Time { return clock }).
		Build()
	require.NoError(t, err)

	first, err := pipeline.Ingest(ctx, writeSources(t, map[string]string{"payers.csv": payersCSV}))
	require.NoError(t, err)
	clock = clock.Add(400 * time.Millisecond)
	second, err := pipeline.Ingest(ctx, writeSources(t, map[string]string{
		"payers.csv": "Id,NAME,ADDRESS,CITY,STATE_HEADQUARTERED,ZIP,PHONE\npy9,Cigna,,,,,\n",
	}))
	require.NoError(t, err)

	keys, err := blobs.List(ctx, "payers/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"payers/payers_2024-01-01T09:30:00.100000.parquet",
		"payers/payers_2024-01-01T09:30:00.500000.parquet",
	}, keys)
	assert.Equal(t, first.Uploaded, keys[:1])
	assert.Equal(t, second.Uploaded, keys[1:])

	rows := rowstore.NewMemoryStore()
	loader, err := NewPipeline().From(blobs).To(rows).WithLogger(logging.Discard()).Build()
	require.NoError(t, err)
	run, err := loader.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[1], run.Selected["payers"])
	stored := rows.Rows(validators.Payers)
	require.Len(t, stored, 1)
	assert.Equal(t, "py9", stored[0]["id"])
}

func TestPipeline_IngestCompression(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	pipeline, err := NewPipeline().From(blobs).
		WithCompression(compress.Codecs.Gzip).
		WithLogger(logging.Discard()).
		Build()
	require.NoError(t, err)

	ingest, err := pipeline.Ingest(ctx, writeSources(t, map[string]string{"payers.csv": payersCSV}))
	require.NoError(t, err)
	require.Len(t, ingest.Uploaded, 1)

	data, err := blobs.Get(ctx, ingest.Uploaded[0])
	require.NoError(t, err)
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer pf.Close()
	col, err := pf.MetaData().RowGroup(0).ColumnChunk(0)
	require.NoError(t, err)
	assert.Equal(t, compress.Codecs.Gzip, col.Compression())
}
