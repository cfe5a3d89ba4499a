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

package core

import (
	"context"
	"fmt"
	"strings"
)

// Package core defines the error handling types for the HealthETL pipeline.
//
// This file contains error handling interfaces, strategies, and function adapters.

// ErrorStrategy defines how a stage handles a failing input.
// The same stage runs with different strategies depending on the call site:
// extraction skips bad files, loading aborts on them.
type ErrorStrategy int

const (
	// FailFast stops processing on the first error encountered.
	FailFast ErrorStrategy = iota
	// SkipErrors continues processing, skipping failed inputs.
	SkipErrors
	// CollectErrors continues processing and returns all errors joined at the end.
	CollectErrors
)

// String returns the configuration name of the strategy.
func (s ErrorStrategy) String() string {
	switch s {
	case FailFast:
		return "fail_fast"
	case SkipErrors:
		return "skip"
	case CollectErrors:
		return "collect"
	default:
		return "unknown"
	}
}

// ParseErrorStrategy resolves a configuration name such as "skip".
func ParseErrorStrategy(name string) (ErrorStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fail_fast", "failfast":
		return FailFast, nil
	case "skip":
		return SkipErrors, nil
	case "collect":
		return CollectErrors, nil
	default:
		return FailFast, fmt.Errorf("unknown error strategy %q (want fail_fast, skip or collect)", name)
	}
}

// ErrorHandler observes errors for inputs that a stage skipped.
// Returning a non-nil error stops the stage; returning nil continues.
type ErrorHandler interface {
	HandleError(ctx context.Context, source string, err error) error
}

// ErrorHandlerFunc is a function adapter for the ErrorHandler interface.
type ErrorHandlerFunc func(ctx context.Context, source string, err error) error

// HandleError implements the ErrorHandler interface for ErrorHandlerFunc.
func (f ErrorHandlerFunc) HandleError(ctx context.Context, source string, err error) error {
	return f(ctx, source, err)
}
