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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore keeps objects as files under a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed and returns a store over it.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &StoreError{Backend: "local", Op: "init", Name: root, Err: err}
	}
	return &LocalStore{root: root}, nil
}

// Root returns the store's root directory.
func (l *LocalStore) Root() string {
	return l.root
}

func (l *LocalStore) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", errors.New("invalid object name")
	}
	return filepath.Join(l.root, clean), nil
}

// Put writes data to a temporary file and renames it into place.
func (l *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.path(name)
	if err != nil {
		return &StoreError{Backend: "local", Op: "put", Name: name, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return &StoreError{Backend: "local", Op: "put", Name: name, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return &StoreError{Backend: "local", Op: "put", Name: name, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &StoreError{Backend: "local", Op: "put", Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &StoreError{Backend: "local", Op: "put", Name: name, Err: err}
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return &StoreError{Backend: "local", Op: "put", Name: name, Err: err}
	}
	return nil
}

// Get reads the named file.
func (l *LocalStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.path(name)
	if err != nil {
		return nil, &StoreError{Backend: "local", Op: "get", Name: name, Err: err}
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &StoreError{Backend: "local", Op: "get", Name: name, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StoreError{Backend: "local", Op: "get", Name: name, Err: err}
	}
	return data, nil
}

// List walks the root directory. Hidden files, including in-flight puts, are skipped.
func (l *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Backend: "local", Op: "list", Name: prefix, Err: err}
	}
	sort.Strings(names)
	return names, nil
}
