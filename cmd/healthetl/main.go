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

// Command healthetl moves healthcare extracts into PostgreSQL.
//
// Usage:
//
//	healthetl [-env file] ingest [-dir path] [-compression codec]
//	healthetl [-env file] run [-strategy name] [-batch n] [-reset=bool]
//	healthetl [-env file] reset [-blobs]
//	healthetl [-env file] inspect [-rows n] [-columns a,b] <object>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aaronlmathis/healthetl"
	"github.com/aaronlmathis/healthetl/blobstore"
	"github.com/aaronlmathis/healthetl/config"
	"github.com/aaronlmathis/healthetl/load"
	"github.com/aaronlmathis/healthetl/logging"
	"github.com/aaronlmathis/healthetl/rowstore"
	"github.com/aaronlmathis/healthetl/writers"
)

func main() {
	envFile := flag.String("env", "", "Optional .env file (default: ./.env when present)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "ingest":
		err = runIngest(ctx, cfg, args)
	case "run":
		err = runLoad(ctx, cfg, args)
	case "reset":
		err = runReset(ctx, cfg, args)
	case "inspect":
		err = runInspect(ctx, cfg, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-env file] <ingest|run|reset|inspect> [flags]\n", os.Args[0])
	flag.PrintDefaults()
}

func runIngest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	dir := fs.String("dir", cfg.Source.Dir, "Directory holding the raw extracts")
	codecName := fs.String("compression", cfg.Blob.Compression, "Parquet codec: uncompressed, snappy, gzip, brotli, zstd, lz4")
	if err := fs.Parse(args); err != nil {
		return err
	}
	codec, err := writers.ParseCompression(*codecName)
	if err != nil {
		return err
	}

	blobs, closeBlobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	report, closeReport, err := openReport(cfg)
	if err != nil {
		return err
	}
	defer closeReport()

	builder := healthetl.NewPipeline().
		From(blobs).
		WithErrorStrategy(cfg.IngestErrorStrategy()).
		WithCompression(codec).
		WithLogger(slog.Default())
	if report != nil {
		builder = builder.WithReport(report)
	}
	pipeline, err := builder.Build()
	if err != nil {
		return err
	}

	result, err := pipeline.Ingest(ctx, *dir)
	if err != nil {
		return err
	}
	slog.Info("ingest finished", "run_id", result.RunID, "uploaded", len(result.Uploaded), "skipped", strings.Join(result.Skipped, ","))
	return nil
}

func runLoad(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	strategyName := fs.String("strategy", cfg.Load.Strategy, "Load strategy: insert, update, upsert, incremental")
	batch := fs.Int("batch", cfg.Load.BatchSize, "Rows per load batch")
	reset := fs.Bool("reset", cfg.Load.ResetSchema, "Drop and recreate the tables before loading")
	if err := fs.Parse(args); err != nil {
		return err
	}
	strategy, err := load.ParseStrategy(*strategyName)
	if err != nil {
		return err
	}

	blobs, closeBlobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	rows, err := openRowStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer rows.Close()

	report, closeReport, err := openReport(cfg)
	if err != nil {
		return err
	}
	defer closeReport()

	builder := healthetl.NewPipeline().
		From(blobs).
		To(rows).
		WithStrategy(strategy).
		WithBatchSize(*batch).
		WithResetSchema(*reset).
		WithTempDir(cfg.Load.TempDir).
		WithLogger(slog.Default())
	if report != nil {
		builder = builder.WithReport(report)
	}
	pipeline, err := builder.Build()
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	if len(result.SelectionErrors) > 0 {
		slog.Warn("some object groups were skipped", "groups", len(result.SelectionErrors))
	}
	slog.Info("run finished", "run_id", result.RunID, "entities", len(result.Loads), "duration", result.Duration)
	return nil
}

// blobDropper is implemented by blob stores that can delete every object.
type blobDropper interface {
	Drop(ctx context.Context) error
}

func runReset(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	dropBlobs := fs.Bool("blobs", false, "Also delete every stored extract (gridfs backend only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *dropBlobs {
		blobs, closeBlobs, err := openBlobStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeBlobs()
		dropper, ok := blobs.(blobDropper)
		if !ok {
			return fmt.Errorf("blob backend %q cannot drop extracts", cfg.Blob.Backend)
		}
		if err := dropper.Drop(ctx); err != nil {
			return err
		}
		slog.Info("extracts dropped", "backend", cfg.Blob.Backend)
	}

	rows, err := openRowStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer rows.Close()

	pipeline, err := healthetl.NewPipeline().
		To(rows).
		WithLogger(slog.Default()).
		Build()
	if err != nil {
		return err
	}
	if err := pipeline.ResetSchema(ctx); err != nil {
		return err
	}
	slog.Info("schema reset")
	return nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, func(), error) {
	switch strings.ToLower(cfg.Blob.Backend) {
	case "s3":
		opts := []blobstore.S3StoreOption{
			blobstore.WithS3Bucket(cfg.Blob.S3Bucket),
			blobstore.WithS3Prefix(cfg.Blob.S3Prefix),
			blobstore.WithS3PathStyle(cfg.Blob.S3PathStyle),
		}
		if cfg.Blob.S3Region != "" {
			opts = append(opts, blobstore.WithS3Region(cfg.Blob.S3Region))
		}
		if cfg.Blob.AWSProfile != "" {
			opts = append(opts, blobstore.WithS3Profile(cfg.Blob.AWSProfile))
		}
		if cfg.Blob.S3Endpoint != "" {
			opts = append(opts, blobstore.WithS3Endpoint(cfg.Blob.S3Endpoint))
		}
		store, err := blobstore.NewS3Store(ctx, opts...)
		return store, func() {}, err

	case "gridfs":
		store, err := blobstore.NewGridFSStore(ctx,
			blobstore.WithGridFSURI(cfg.Blob.MongoURI),
			blobstore.WithGridFSDatabase(cfg.Blob.MongoDatabase),
			blobstore.WithGridFSBucket(cfg.Blob.GridFSBucket),
			blobstore.WithGridFSTimeout(cfg.Blob.Timeout),
			blobstore.WithGridFSChunkSize(int32(cfg.Blob.GridFSChunkSize)),
		)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() {
			if err := store.Close(context.Background()); err != nil {
				slog.Error("failed to disconnect from mongodb", "error", err)
			}
		}, nil

	default:
		store, err := blobstore.NewLocalStore(cfg.Blob.Dir)
		return store, func() {}, err
	}
}

func openRowStore(ctx context.Context, cfg *config.Config) (rowstore.RowStore, error) {
	db := cfg.Database
	switch strings.ToLower(db.Driver) {
	case "memory":
		return rowstore.NewMemoryStore(), nil
	case "pq":
		return rowstore.NewPostgresStore(ctx,
			rowstore.WithPostgresDSN(db.DSN()),
			rowstore.WithPostgresConnectionPool(db.MaxConns, db.MaxIdleConns, db.MaxConnLifetime, db.MaxConnIdleTime),
			rowstore.WithPostgresQueryTimeout(db.QueryTimeout),
		)
	default:
		return rowstore.NewPgxStore(ctx,
			rowstore.WithPgxURL(db.DSN()),
			rowstore.WithPgxPool(int32(db.MaxConns), int32(db.MinConns), db.MaxConnLifetime, db.MaxConnIdleTime),
		)
	}
}

// openReport opens the JSON-lines report file in append mode, or returns a
// nil sink when reporting is disabled.
func openReport(cfg *config.Config) (healthetl.DataSink, func(), error) {
	if cfg.Report.Path == "" {
		return nil, func() {}, nil
	}
	f, err := os.OpenFile(cfg.Report.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open report: %w", err)
	}
	w := writers.NewJSONWriter(f)
	return w, func() {
		if err := w.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			slog.Error("failed to close report", "error", err)
		}
	}, nil
}
