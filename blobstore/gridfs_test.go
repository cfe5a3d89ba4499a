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
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestGridFSStoreOptions(t *testing.T) {
	opts := newGridFSStoreOptions()
	assert.Equal(t, "mongodb://localhost:27017", opts.URI)
	assert.Equal(t, "healthetl", opts.Database)
	assert.Equal(t, "extracts", opts.Bucket)
	assert.Equal(t, 10*time.Second, opts.Timeout)
	assert.Nil(t, opts.bucketOptions().ChunkSizeBytes)

	opts = newGridFSStoreOptions(
		WithGridFSURI("mongodb://mongo.internal:27018"),
		WithGridFSDatabase("etl"),
		WithGridFSBucket("raw"),
		WithGridFSTimeout(3*time.Second),
		WithGridFSChunkSize(1024),
	)
	bucket := opts.bucketOptions()
	require.NotNil(t, bucket.Name)
	assert.Equal(t, "raw", *bucket.Name)
	require.NotNil(t, bucket.ChunkSizeBytes)
	assert.Equal(t, int32(1024), *bucket.ChunkSizeBytes)

	client := opts.clientOptions()
	assert.Equal(t, []string{"mongo.internal:27018"}, client.Hosts)
	require.NotNil(t, client.ConnectTimeout)
	assert.Equal(t, 3*time.Second, *client.ConnectTimeout)
}

func TestGridFSListFilter(t *testing.T) {
	assert.Empty(t, listFilter(""))
	assert.Equal(t, bson.M{"filename": bson.M{"$regex": `^payers/`}}, listFilter("payers/"))
	assert.Equal(t, bson.M{"filename": bson.M{"$regex": `^payers/payers_2024-01-01T00:00:00\.5`}},
		listFilter("payers/payers_2024-01-01T00:00:00.5"), "regex metacharacters are escaped")
}

// TestGridFSStore runs against a live MongoDB. Set HEALTHETL_MONGO_URI to enable it.
func TestGridFSStore(t *testing.T) {
	uri := os.Getenv("HEALTHETL_MONGO_URI")
	if uri == "" {
		t.Skip("set HEALTHETL_MONGO_URI to run against mongodb")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewGridFSStore(ctx,
		WithGridFSURI(uri),
		WithGridFSDatabase("healthetl_test"),
		WithGridFSBucket("extracts_"+uuid.NewString()[:8]),
		WithGridFSChunkSize(4),
	)
	require.NoError(t, err)
	defer store.Close(context.Background())
	defer store.Drop(context.Background())

	require.NoError(t, store.Put(ctx, "payers/payers_2024-01-01T00:00:00.000000.parquet", []byte("first")))
	require.NoError(t, store.Put(ctx, "payers/payers_2024-01-01T00:00:00.000000.parquet", []byte("second revision")))
	require.NoError(t, store.Put(ctx, "patients/patients_2024-01-01T00:00:00.000000.parquet", []byte("p")))
	require.NoError(t, store.Put(ctx, "payersX/other.parquet", []byte("x")))

	got, err := store.Get(ctx, "payers/payers_2024-01-01T00:00:00.000000.parquet")
	require.NoError(t, err)
	assert.Equal(t, "second revision", string(got), "latest revision spans several chunks")

	_, err = store.Get(ctx, "missing.parquet")
	assert.True(t, errors.Is(err, ErrNotFound))

	names, err := store.List(ctx, "payers/")
	require.NoError(t, err)
	assert.Equal(t, []string{"payers/payers_2024-01-01T00:00:00.000000.parquet"}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.Drop(ctx))
	all, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
