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

package executor

import (
	"errors"

	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

type ErrorKind int

const (
	// Execution is anything not classified below, e.g. a script exiting non-zero.
	Execution ErrorKind = iota
	UnsupportedAlgorithm
	Validation
	ReferentialIntegrity
	Store
)

func (k ErrorKind) String() string {
	switch k {
	case UnsupportedAlgorithm:
		return "unsupported_algorithm"
	case Validation:
		return "validation"
	case ReferentialIntegrity:
		return "referential_integrity"
	case Store:
		return "store"
	}
	return "execution"
}

// TaskError is the only error type the executors return.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaskError) Error() string { return e.Err.Error() }

func (e *TaskError) Unwrap() error { return e.Err }

// Classify wraps err in a TaskError of the matching kind. It returns nil for nil.
func Classify(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}

	var (
		unsupported *model.UnsupportedAlgorithmError
		referenced  *model.ReferentialIntegrityError
		validation  *model.ValidationError
	)
	switch {
	case errors.As(err, &unsupported):
		return &TaskError{Kind: UnsupportedAlgorithm, Err: err}
	case errors.As(err, &referenced):
		return &TaskError{Kind: ReferentialIntegrity, Err: err}
	case errors.As(err, &validation),
		errors.Is(err, model.ErrNotEnoughVariables),
		errors.Is(err, model.ErrNoTarget),
		errors.Is(err, model.ErrSourceNotFound),
		errors.Is(err, model.ErrModelNotFound):
		return &TaskError{Kind: Validation, Err: err}
	case store.IsForeignKeyViolation(err):
		return &TaskError{Kind: ReferentialIntegrity, Err: err}
	case store.IsStoreError(err):
		return &TaskError{Kind: Store, Err: err}
	}
	return &TaskError{Kind: Execution, Err: err}
}
