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

// Package blobstore provides key-addressed binary storage for extracted files.
//
// Three backends are provided: a local directory, Amazon S3 (or any
// S3-compatible service) and MongoDB GridFS. Object names always use
// forward slashes regardless of backend.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aaronlmathis/healthetl/validators"
)

// ErrNotFound is returned by Get when no object has the given name.
var ErrNotFound = errors.New("object not found")

// TimestampLayout is the ISO-8601 layout embedded in object names. The fixed
// microsecond fraction keeps lexical order equal to chronological order and
// separates extracts taken within the same second.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Store is the blob store capability consumed by the pipeline.
type Store interface {
	// Put stores data under name, replacing any existing object.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the content stored under name.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns the names starting with prefix in lexical order.
	// An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]string, error)
}

// StoreError provides structured error information for blob store operations.
type StoreError struct {
	Backend string // Backend that failed (e.g., "local", "s3", "gridfs")
	Op      string // Operation that failed (e.g., "put", "get", "list")
	Name    string // Object name or prefix
	Err     error  // Underlying error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s blob store %s %q: %v", e.Backend, e.Op, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ObjectName returns the canonical object name for an entity extract taken at t:
// <entity>/<entity>_<timestamp>.<ext>.
func ObjectName(entity validators.Entity, t time.Time, ext string) string {
	return fmt.Sprintf("%s/%s_%s.%s", entity, entity, t.UTC().Format(TimestampLayout), ext)
}

// LocalFileName returns the load-time file name for an entity: <entity>.<ext>.
func LocalFileName(entity validators.Entity, ext string) string {
	return entity.String() + "." + ext
}
