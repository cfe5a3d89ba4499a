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

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStoreOptions configures the GridFS store.
type GridFSStoreOptions struct {
	URI       string        // MongoDB connection URI
	Database  string        // Database holding the bucket
	Bucket    string        // GridFS bucket name
	Timeout   time.Duration // Connect timeout
	ChunkSize int32         // GridFS chunk size in bytes; the driver default when zero
}

// GridFSStoreOption is a functional option for GridFSStoreOptions
type GridFSStoreOption func(*GridFSStoreOptions)

func WithGridFSURI(uri string) GridFSStoreOption {
	return func(opts *GridFSStoreOptions) {
		opts.URI = uri
	}
}

func WithGridFSDatabase(database string) GridFSStoreOption {
	return func(opts *GridFSStoreOptions) {
		opts.Database = database
	}
}

func WithGridFSBucket(bucket string) GridFSStoreOption {
	return func(opts *GridFSStoreOptions) {
		opts.Bucket = bucket
	}
}

func WithGridFSTimeout(timeout time.Duration) GridFSStoreOption {
	return func(opts *GridFSStoreOptions) {
		opts.Timeout = timeout
	}
}

func WithGridFSChunkSize(size int32) GridFSStoreOption {
	return func(opts *GridFSStoreOptions) {
		opts.ChunkSize = size
	}
}

func newGridFSStoreOptions(optFns ...GridFSStoreOption) GridFSStoreOptions {
	opts := GridFSStoreOptions{
		URI:      "mongodb://localhost:27017",
		Database: "healthetl",
		Bucket:   "extracts",
		Timeout:  10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

func (o GridFSStoreOptions) clientOptions() *options.ClientOptions {
	clientOpts := options.Client().ApplyURI(o.URI)
	if o.Timeout > 0 {
		clientOpts.SetConnectTimeout(o.Timeout)
	}
	return clientOpts
}

func (o GridFSStoreOptions) bucketOptions() *options.BucketOptions {
	bucketOpts := options.GridFSBucket().SetName(o.Bucket)
	if o.ChunkSize > 0 {
		bucketOpts.SetChunkSizeBytes(o.ChunkSize)
	}
	return bucketOpts
}

// listFilter matches the files whose name starts with prefix.
func listFilter(prefix string) bson.M {
	filter := bson.M{}
	if prefix != "" {
		filter["filename"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
	}
	return filter
}

// GridFSStore implements Store on a MongoDB GridFS bucket.
// Put adds a new revision; Get returns the latest revision of a name.
type GridFSStore struct {
	client *mongo.Client
	db     *mongo.Database
	bucket *gridfs.Bucket
	opts   GridFSStoreOptions
}

// NewGridFSStore connects to MongoDB and opens the bucket.
func NewGridFSStore(ctx context.Context, optFns ...GridFSStoreOption) (*GridFSStore, error) {
	opts := newGridFSStoreOptions(optFns...)

	client, err := mongo.Connect(ctx, opts.clientOptions())
	if err != nil {
		return nil, &StoreError{Backend: "gridfs", Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, &StoreError{Backend: "gridfs", Op: "ping", Err: err}
	}

	db := client.Database(opts.Database)
	bucket, err := gridfs.NewBucket(db, opts.bucketOptions())
	if err != nil {
		client.Disconnect(ctx)
		return nil, &StoreError{Backend: "gridfs", Op: "open_bucket", Err: err}
	}

	return &GridFSStore{client: client, db: db, bucket: bucket, opts: opts}, nil
}

// applyDeadline carries the context deadline over to the bucket, which has no context-aware API.
func (g *GridFSStore) applyDeadline(ctx context.Context) {
	deadline, _ := ctx.Deadline()
	g.bucket.SetReadDeadline(deadline)
	g.bucket.SetWriteDeadline(deadline)
}

// Put uploads data as a new revision of name.
func (g *GridFSStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.applyDeadline(ctx)
	if _, err := g.bucket.UploadFromStream(name, bytes.NewReader(data)); err != nil {
		return &StoreError{Backend: "gridfs", Op: "put", Name: name, Err: err}
	}
	return nil
}

// Get downloads the latest revision of name.
func (g *GridFSStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.applyDeadline(ctx)
	var buf bytes.Buffer
	if _, err := g.bucket.DownloadToStreamByName(name, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			err = ErrNotFound
		}
		return nil, &StoreError{Backend: "gridfs", Op: "get", Name: name, Err: err}
	}
	return buf.Bytes(), nil
}

// List returns the distinct file names starting with prefix.
func (g *GridFSStore) List(ctx context.Context, prefix string) ([]string, error) {
	g.applyDeadline(ctx)
	cursor, err := g.bucket.Find(listFilter(prefix))
	if err != nil {
		return nil, &StoreError{Backend: "gridfs", Op: "list", Name: prefix, Err: err}
	}
	defer cursor.Close(ctx)

	var files []struct {
		Filename string `bson:"filename"`
	}
	if err := cursor.All(ctx, &files); err != nil {
		return nil, &StoreError{Backend: "gridfs", Op: "list", Name: prefix, Err: err}
	}

	seen := make(map[string]struct{}, len(files))
	names := make([]string, 0, len(files))
	for _, f := range files {
		if _, ok := seen[f.Filename]; ok {
			continue
		}
		seen[f.Filename] = struct{}{}
		names = append(names, f.Filename)
	}
	sort.Strings(names)
	return names, nil
}

// Drop removes every file and chunk in the bucket, clearing all extracts.
func (g *GridFSStore) Drop(ctx context.Context) error {
	g.applyDeadline(ctx)
	if err := g.bucket.Drop(); err != nil {
		return &StoreError{Backend: "gridfs", Op: "drop", Err: err}
	}
	return nil
}

// Close disconnects from MongoDB.
func (g *GridFSStore) Close(ctx context.Context) error {
	return g.client.Disconnect(ctx)
}
