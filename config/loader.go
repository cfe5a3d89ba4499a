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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/joho/godotenv"

	"github.com/aaronlmathis/healthetl/core"
	"github.com/aaronlmathis/healthetl/load"
	"github.com/aaronlmathis/healthetl/writers"
)

// Load reads the given .env files (".env" when none are named), then reads
// configuration from environment variables. It applies defaults for unset
// values and validates the result. Missing .env files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config load: %w", err)
	}

	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Blob store validation
	switch strings.ToLower(c.Blob.Backend) {
	case "local":
		if c.Blob.Dir == "" {
			errs = append(errs, "BLOB_DIR is required for the local backend")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			errs = append(errs, "S3_BUCKET is required for the s3 backend")
		}
	case "gridfs":
		if c.Blob.MongoURI == "" {
			errs = append(errs, "MONGO_URI is required for the gridfs backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("BLOB_BACKEND (%q) must be one of: local, s3, gridfs", c.Blob.Backend))
	}
	if c.Blob.GridFSChunkSize < 0 || c.Blob.GridFSChunkSize > math.MaxInt32 {
		errs = append(errs, "GRIDFS_CHUNK_SIZE must be between 0 and 2147483647")
	}
	if _, err := writers.ParseCompression(c.Blob.Compression); err != nil {
		errs = append(errs, fmt.Sprintf("PARQUET_COMPRESSION: %v", err))
	}

	// Database validation
	switch strings.ToLower(c.Database.Driver) {
	case "pgx", "pq":
		if c.Database.URL == "" && c.Database.Name == "" {
			errs = append(errs, "DATABASE_URL or DB_NAME is required")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER (%q) must be one of: pgx, pq, memory", c.Database.Driver))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxIdleConns < 0 {
		errs = append(errs, "DB_MAX_IDLE_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}

	// Load validation
	if _, err := load.ParseStrategy(c.Load.Strategy); err != nil {
		errs = append(errs, fmt.Sprintf("LOAD_STRATEGY: %v", err))
	}
	if c.Load.BatchSize <= 0 {
		errs = append(errs, "LOAD_BATCH_SIZE must be positive")
	}
	if _, err := core.ParseErrorStrategy(c.Load.IngestErrors); err != nil {
		errs = append(errs, fmt.Sprintf("INGEST_ERROR_STRATEGY: %v", err))
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// LoadStrategy returns the parsed load strategy.
func (c *Config) LoadStrategy() load.Strategy {
	s, _ := load.ParseStrategy(c.Load.Strategy)
	return s
}

// ParquetCompression returns the parsed Parquet codec.
func (c *Config) ParquetCompression() compress.Compression {
	codec, _ := writers.ParseCompression(c.Blob.Compression)
	return codec
}

// IngestErrorStrategy returns the parsed ingest error strategy.
func (c *Config) IngestErrorStrategy() core.ErrorStrategy {
	s, _ := core.ParseErrorStrategy(c.Load.IngestErrors)
	return s
}
