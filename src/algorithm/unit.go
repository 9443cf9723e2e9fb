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

// Package algorithm holds the units that build and delete models. A unit reads
// its source through a DataSource and writes through Results, both on the db
// handle it is given, which is the task transaction.
package algorithm

import (
	"context"
	"encoding/json"

	"grafanamlworker/src/dataset"
	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

type Unit interface {
	Execute(ctx context.Context, db store.DBTX, task model.CreateModelTask) (int64, error)
	Delete(ctx context.Context, db store.DBTX, modelID int64) error
}

type DataSource interface {
	Numeric(ctx context.Context, db store.DBTX, sourceID int64) (*dataset.Matrix, error)
	Supervised(ctx context.Context, db store.DBTX, sourceID int64) (*dataset.Supervised, error)
}

// Results persists models. Every model has an index row; the Save* calls add
// the algorithm-specific rows under it.
type Results interface {
	CreateModel(ctx context.Context, db store.DBTX, sourceID int64, algorithm string, params json.RawMessage) (int64, error)
	AlgorithmOf(ctx context.Context, db store.DBTX, modelID int64) (string, error)
	// DeleteModel removes the rows of modelID in tables, then its index row.
	DeleteModel(ctx context.Context, db store.DBTX, modelID int64, tables ...string) error

	SaveClusters(ctx context.Context, db store.DBTX, modelID int64, m *dataset.Matrix, r *ClusterResult) error
	SaveCorrelations(ctx context.Context, db store.DBTX, modelID int64, featureIDs []int64, corr [][]float64) error
	SaveRegression(ctx context.Context, db store.DBTX, modelID int64, coefs []Coefficient) error
	SaveScriptOutput(ctx context.Context, db store.DBTX, modelID int64, output json.RawMessage) error
}

// Deps are shared by every unit the registry builds.
type Deps struct {
	Data    DataSource
	Results Results
	// Runner executes script units; nil disables them.
	Runner Runner
	// Scripts returns the source of the named script.
	Scripts func(name string) (string, error)
}
