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

// Package config loads the pipeline configuration from environment variables.
// An optional .env file is read first; variables already set in the
// environment take precedence over it.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds all pipeline configuration.
type Config struct {
	Source   SourceConfig
	Blob     BlobConfig
	Database DatabaseConfig
	Load     LoadConfig
	Logging  LoggingConfig
	Report   ReportConfig
}

// SourceConfig holds the local extract settings used by ingest.
type SourceConfig struct {
	// Dir is the directory holding the raw extracts (default: ./data)
	Dir string `env:"SOURCE_DIR" default:"./data"`
}

// BlobConfig selects and configures the blob store.
type BlobConfig struct {
	// Backend is one of local, s3, gridfs (default: local)
	Backend string `env:"BLOB_BACKEND" default:"local"`

	// Dir is the root of the local backend (default: ./blobs)
	Dir string `env:"BLOB_DIR" default:"./blobs"`

	S3Bucket    string `env:"S3_BUCKET"`
	S3Prefix    string `env:"S3_PREFIX"`
	S3Region    string `env:"S3_REGION" envAlt:"AWS_REGION"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3PathStyle bool   `env:"S3_PATH_STYLE" default:"false"`
	AWSProfile  string `env:"AWS_PROFILE"`

	MongoURI      string `env:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" default:"healthetl"`
	GridFSBucket  string `env:"GRIDFS_BUCKET" default:"extracts"`

	// GridFSChunkSize is the GridFS chunk size in bytes (default: 0, driver default)
	GridFSChunkSize int `env:"GRIDFS_CHUNK_SIZE" default:"0"`

	// Compression is the codec of ingested Parquet objects:
	// uncompressed, snappy, gzip, brotli, zstd, lz4 (default: snappy)
	Compression string `env:"PARQUET_COMPRESSION" default:"snappy"`

	// Timeout bounds a single blob store call for backends that support it (default: 30s)
	Timeout time.Duration `env:"BLOB_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds row store connection settings.
type DatabaseConfig struct {
	// Driver is one of pgx, pq, memory (default: pgx)
	Driver string `env:"DB_DRIVER" default:"pgx"`

	// URL is a full PostgreSQL connection string. When empty the connection
	// string is assembled from the DB_* parts below.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	User     string `env:"DB_USER"`
	Password string `env:"DB_PASS" envAlt:"DB_PASSWORD"`
	Host     string `env:"DB_HOST" default:"localhost"`
	Port     int    `env:"DB_PORT" default:"5432"`
	Name     string `env:"DB_NAME"`
	SSLMode  string `env:"DB_SSLMODE" default:"disable"`

	// MaxConns is the maximum number of pooled connections (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections the pgx pool keeps open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxIdleConns caps idle connections in the pq driver's pool (default: 2)
	MaxIdleConns int `env:"DB_MAX_IDLE_CONNS" default:"2"`

	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// QueryTimeout bounds schema statements on the pq driver (default: 0, none)
	QueryTimeout time.Duration `env:"DB_QUERY_TIMEOUT" default:"0s"`
}

// LoadConfig holds load stage settings.
type LoadConfig struct {
	// Strategy is one of insert, update, upsert, incremental (default: insert)
	Strategy string `env:"LOAD_STRATEGY" default:"insert"`

	// BatchSize is the number of rows written per batch (default: 5000)
	BatchSize int `env:"LOAD_BATCH_SIZE" default:"5000"`

	// ResetSchema drops and recreates the tables before each run (default: true)
	ResetSchema bool `env:"LOAD_RESET_SCHEMA" default:"true"`

	// TempDir is the parent of the per-run download directory (default: system temp)
	TempDir string `env:"LOAD_TEMP_DIR"`

	// IngestErrors is how ingest treats a failing source: fail_fast, skip, collect (default: skip)
	IngestErrors string `env:"INGEST_ERROR_STRATEGY" default:"skip"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// ReportConfig holds the diagnostics report settings.
type ReportConfig struct {
	// Path is the JSON-lines report file. Reporting is disabled when empty.
	Path string `env:"REPORT_PATH"`
}

// DSN returns the PostgreSQL connection string, preferring URL.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// String returns a safe string representation of the config for logging.
// Credentials are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Source: {Dir: %q}, ", c.Source.Dir))
	b.WriteString(fmt.Sprintf("Blob: {Backend: %q, Dir: %q, S3Bucket: %q, MongoURI: [MASKED]}, ",
		c.Blob.Backend, c.Blob.Dir, c.Blob.S3Bucket))
	b.WriteString(fmt.Sprintf("Database: {Driver: %q, DSN: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.Driver, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Load: {Strategy: %q, BatchSize: %d, ResetSchema: %v}, ",
		c.Load.Strategy, c.Load.BatchSize, c.Load.ResetSchema))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
