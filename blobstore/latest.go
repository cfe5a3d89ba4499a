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
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aaronlmathis/healthetl/validators"
)

// MalformedKeyError reports an object name whose suffix is not a timestamp.
type MalformedKeyError struct {
	Key string
	Err error
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed object key %q: %v", e.Key, e.Err)
}

func (e *MalformedKeyError) Unwrap() error {
	return e.Err
}

// SelectionError collects the per-group failures of SelectLatest.
type SelectionError struct {
	Groups map[string]error
}

func (e *SelectionError) Error() string {
	groups := make([]string, 0, len(e.Groups))
	for g := range e.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = fmt.Sprintf("%s: %v", g, e.Groups[g])
	}
	return fmt.Sprintf("latest file selection failed for %d group(s): %s", len(groups), strings.Join(parts, "; "))
}

// Unwrap exposes the group errors to errors.Is and errors.As.
func (e *SelectionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Groups))
	for _, err := range e.Groups {
		errs = append(errs, err)
	}
	return errs
}

// ParseKey splits an object key into its prefix and embedded timestamp.
//
// The prefix is the part of the base name before the last underscore-delimited
// segment that parses as an ISO-8601 timestamp, with or without the file
// extension. Prefixes may therefore contain underscores themselves.
func ParseKey(key string) (string, time.Time, error) {
	base := path.Base(key)
	parts := strings.Split(base, "_")
	var lastErr error = errors.New("no timestamp segment")
	for i := len(parts) - 1; i >= 1; i-- {
		suffix := strings.Join(parts[i:], "_")
		ts, err := parseSuffix(suffix)
		if err == nil {
			return strings.Join(parts[:i], "_"), ts, nil
		}
		lastErr = err
	}
	return fallbackPrefix(key), time.Time{}, &MalformedKeyError{Key: key, Err: lastErr}
}

func parseSuffix(suffix string) (time.Time, error) {
	ts, err := validators.ParseTimestamp(suffix)
	if err == nil {
		return ts, nil
	}
	if ext := path.Ext(suffix); ext != "" {
		if ts, extErr := validators.ParseTimestamp(strings.TrimSuffix(suffix, ext)); extErr == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

// fallbackPrefix names the group of a malformed key so the error can be reported against it.
func fallbackPrefix(key string) string {
	base := path.Base(key)
	if i := strings.LastIndex(base, "_"); i > 0 {
		return base[:i]
	}
	if dir := path.Dir(key); dir != "." && dir != "/" {
		return path.Base(dir)
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// SelectLatest groups keys by prefix and picks the key with the greatest
// timestamp in each group. Equal timestamps are broken by taking the
// lexicographically greatest full key.
//
// A malformed key fails its whole group: the group is left out of the result
// and its error is returned in a *SelectionError alongside the groups that
// were selected.
func SelectLatest(keys []string) (map[string]string, error) {
	type candidate struct {
		key string
		ts  time.Time
	}
	best := make(map[string]candidate)
	failed := make(map[string]error)

	for _, key := range keys {
		prefix, ts, err := ParseKey(key)
		if err != nil {
			if _, ok := failed[prefix]; !ok {
				failed[prefix] = err
			}
			continue
		}
		cur, ok := best[prefix]
		if !ok || ts.After(cur.ts) || (ts.Equal(cur.ts) && key > cur.key) {
			best[prefix] = candidate{key: key, ts: ts}
		}
	}

	out := make(map[string]string, len(best))
	for prefix, c := range best {
		if _, bad := failed[prefix]; bad {
			continue
		}
		out[prefix] = c.key
	}
	if len(failed) > 0 {
		return out, &SelectionError{Groups: failed}
	}
	return out, nil
}
