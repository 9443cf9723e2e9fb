// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotEnoughVariables = errors.New("not enough variables to run the algorithm")
	ErrNoTarget           = errors.New("no target variable found")
	ErrSourceNotFound     = errors.New("source not found")
	ErrModelNotFound      = errors.New("model not found")
)

type UnsupportedAlgorithmError struct {
	Name string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported algorithm: %q", e.Name)
}

// ValidationError rejects a task parameter or the shape of the data it points at.
type ValidationError struct {
	Param  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid parameter %q (%v): %s", e.Param, e.Value, e.Reason)
}

// ReferentialIntegrityError means a source still has dependent rows.
type ReferentialIntegrityError struct {
	SourceID int64
	Err      error
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("source %d is referenced by other records: %v", e.SourceID, e.Err)
}

func (e *ReferentialIntegrityError) Unwrap() error { return e.Err }
