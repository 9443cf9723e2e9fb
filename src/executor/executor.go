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

// Package executor runs a single task against the algorithm registry or the
// source provisioner. Every error it returns is a *TaskError.
package executor

import (
	"context"
	"fmt"

	"grafanamlworker/src/algorithm"
	"grafanamlworker/src/model"
	"grafanamlworker/src/provisioner"
	"grafanamlworker/src/store"
)

type Lookup interface {
	Lookup(name string) (algorithm.Unit, error)
}

// ModelIndex resolves which algorithm built a model.
type ModelIndex interface {
	AlgorithmOf(ctx context.Context, db store.DBTX, modelID int64) (string, error)
}

type SourceProvisioner interface {
	Create(ctx context.Context, db store.DBTX, req provisioner.CreateRequest) (int64, error)
	Delete(ctx context.Context, db store.DBTX, sourceID int64) error
}

type ModelExecutor struct {
	Registry Lookup
	Index    ModelIndex
}

func (e *ModelExecutor) CreateModel(ctx context.Context, db store.DBTX, task model.CreateModelTask) (int64, error) {
	unit, err := e.Registry.Lookup(task.Algorithm)
	if err != nil {
		return 0, Classify(err)
	}
	id, err := unit.Execute(ctx, db, task)
	if err != nil {
		return 0, Classify(err)
	}
	return id, nil
}

func (e *ModelExecutor) DeleteModel(ctx context.Context, db store.DBTX, task model.DeleteModelTask) error {
	name, err := e.Index.AlgorithmOf(ctx, db, task.ModelID)
	if err != nil {
		return Classify(err)
	}
	unit, err := e.Registry.Lookup(name)
	if err != nil {
		return Classify(fmt.Errorf("model %d: %w", task.ModelID, err))
	}
	if err := unit.Delete(ctx, db, task.ModelID); err != nil {
		return Classify(err)
	}
	return nil
}

type SourceExecutor struct {
	Provisioner SourceProvisioner
}

func (e *SourceExecutor) CreateSource(ctx context.Context, db store.DBTX, task model.CreateSourceTask) (int64, error) {
	id, err := e.Provisioner.Create(ctx, db, provisioner.CreateRequest{
		Locator:      task.Locator,
		Name:         task.Name,
		Description:  task.Description,
		Creator:      task.Creator,
		TargetColumn: task.TargetColumn,
	})
	if err != nil {
		return 0, Classify(err)
	}
	return id, nil
}

func (e *SourceExecutor) DeleteSource(ctx context.Context, db store.DBTX, task model.DeleteSourceTask) error {
	if err := e.Provisioner.Delete(ctx, db, task.SourceID); err != nil {
		return Classify(err)
	}
	return nil
}

// Dispatcher routes any task to the right executor. The returned id is the
// produced model or source for create tasks and, for delete tasks, the id
// whose originating create task must be eliminated.
type Dispatcher struct {
	Models  *ModelExecutor
	Sources *SourceExecutor
}

func (d *Dispatcher) Run(ctx context.Context, db store.DBTX, task model.Task) (int64, error) {
	switch t := task.(type) {
	case model.CreateSourceTask:
		return d.Sources.CreateSource(ctx, db, t)
	case model.CreateModelTask:
		return d.Models.CreateModel(ctx, db, t)
	case model.DeleteModelTask:
		if err := d.Models.DeleteModel(ctx, db, t); err != nil {
			return 0, err
		}
		return t.ModelID, nil
	case model.DeleteSourceTask:
		if err := d.Sources.DeleteSource(ctx, db, t); err != nil {
			return 0, err
		}
		return t.SourceID, nil
	}
	return 0, &TaskError{Kind: Execution, Err: fmt.Errorf("unknown task type %T", task)}
}
