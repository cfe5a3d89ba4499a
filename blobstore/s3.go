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
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3StoreOptions configures the S3 store.
type S3StoreOptions struct {
	Bucket         string          // S3 bucket name
	Prefix         string          // Key prefix under which objects are stored
	Region         string          // AWS region
	Profile        string          // AWS profile to use
	Credentials    aws.Credentials // Explicit credentials
	EndpointURL    string          // Custom S3 endpoint (for S3-compatible services)
	ForcePathStyle bool            // Use path-style addressing
	MaxKeys        int32           // Page size for listing
	ContentType    string          // Content type set on uploaded objects
	Client         S3API           // Pre-built client, bypasses AWS config loading
}

// S3StoreOption represents a configuration function for S3Store
type S3StoreOption func(*S3StoreOptions)

func WithS3Bucket(bucket string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Bucket = bucket
	}
}

func WithS3Prefix(prefix string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Prefix = prefix
	}
}

func WithS3Region(region string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Region = region
	}
}

func WithS3Profile(profile string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Profile = profile
	}
}

func WithS3Credentials(creds aws.Credentials) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Credentials = creds
	}
}

func WithS3Endpoint(endpoint string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.EndpointURL = endpoint
	}
}

func WithS3PathStyle(pathStyle bool) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.ForcePathStyle = pathStyle
	}
}

func WithS3MaxKeys(maxKeys int32) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.MaxKeys = maxKeys
	}
}

// WithS3Client injects a client, typically a fake in tests.
func WithS3Client(client S3API) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Client = client
	}
}

// S3Store implements Store on an S3 bucket.
type S3Store struct {
	client S3API
	opts   S3StoreOptions
}

// NewS3Store creates an S3 store with the specified options
func NewS3Store(ctx context.Context, options ...S3StoreOption) (*S3Store, error) {
	opts := S3StoreOptions{
		MaxKeys:     1000,
		ContentType: "application/vnd.apache.parquet",
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Bucket == "" {
		return nil, &StoreError{Backend: "s3", Op: "validate_options", Err: fmt.Errorf("bucket is required")}
	}
	if opts.Prefix != "" && !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}

	client := opts.Client
	if client == nil {
		cfg, err := createAWSConfig(ctx, opts)
		if err != nil {
			return nil, &StoreError{Backend: "s3", Op: "create_aws_config", Err: err}
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if opts.EndpointURL != "" {
				o.BaseEndpoint = aws.String(opts.EndpointURL)
			}
			o.UsePathStyle = opts.ForcePathStyle
		})
	}

	return &S3Store{client: client, opts: opts}, nil
}

// createAWSConfig creates AWS configuration from options
func createAWSConfig(ctx context.Context, opts S3StoreOptions) (aws.Config, error) {
	configOpts := []func(*config.LoadOptions) error{}

	if opts.Region != "" {
		configOpts = append(configOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		configOpts = append(configOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, err
	}

	// Override with explicit credentials if provided
	if opts.Credentials.AccessKeyID != "" {
		cfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(
				opts.Credentials.AccessKeyID,
				opts.Credentials.SecretAccessKey,
				opts.Credentials.SessionToken,
			),
		)
	}

	return cfg, nil
}

func (s *S3Store) key(name string) string {
	return s.opts.Prefix + name
}

// Put uploads data under name.
func (s *S3Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(s.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(s.opts.ContentType),
	})
	if err != nil {
		return &StoreError{Backend: "s3", Op: "put", Name: name, Err: err}
	}
	return nil
}

// Get downloads the object stored under name.
func (s *S3Store) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			err = ErrNotFound
		}
		return nil, &StoreError{Backend: "s3", Op: "get", Name: name, Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &StoreError{Backend: "s3", Op: "read_body", Name: name, Err: err}
	}
	return data, nil
}

// List pages through the bucket listing under the store prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.opts.Bucket),
		MaxKeys: aws.Int32(s.opts.MaxKeys),
	}
	if full := s.key(prefix); full != "" {
		input.Prefix = aws.String(full)
	}

	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &StoreError{Backend: "s3", Op: "list", Name: prefix, Err: err}
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			names = append(names, strings.TrimPrefix(key, s.opts.Prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}
