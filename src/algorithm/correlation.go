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

package algorithm

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/stat"

	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

// CorrelationMatrix returns the full pairwise Pearson matrix of the columns of
// points, or the Spearman matrix when rank is set.
func CorrelationMatrix(points [][]float64, rank bool) [][]float64 {
	dim := len(points[0])
	cols := make([][]float64, dim)
	for j := range cols {
		cols[j] = make([]float64, len(points))
		for i, p := range points {
			cols[j][i] = p[j]
		}
		if rank {
			cols[j] = ranks(cols[j])
		}
	}
	corr := make([][]float64, dim)
	for i := range corr {
		corr[i] = make([]float64, dim)
		corr[i][i] = 1
	}
	for i := 0; i < dim; i++ {
		for j := i + 1; j < dim; j++ {
			c := stat.Correlation(cols[i], cols[j], nil)
			corr[i][j], corr[j][i] = c, c
		}
	}
	return corr
}

// ranks assigns 1-based ranks, ties getting the mean of the ranks they span.
func ranks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })

	out := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		r := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = r
		}
		i = j + 1
	}
	return out
}

// Correlation is the c_pearson and c_spearman unit.
type Correlation struct {
	Deps
	Rank bool
}

func (u *Correlation) Execute(ctx context.Context, db store.DBTX, task model.CreateModelTask) (int64, error) {
	if _, err := task.Params(); err != nil {
		return 0, err
	}
	m, err := u.Data.Numeric(ctx, db, task.SourceID)
	if err != nil {
		return 0, err
	}
	corr := CorrelationMatrix(m.Points, u.Rank)

	id, err := u.Results.CreateModel(ctx, db, task.SourceID, task.Algorithm, task.Parameters)
	if err != nil {
		return 0, err
	}
	if err := u.Results.SaveCorrelations(ctx, db, id, m.FeatureIDs, corr); err != nil {
		return 0, err
	}
	return id, nil
}

func (u *Correlation) Delete(ctx context.Context, db store.DBTX, modelID int64) error {
	return u.Results.DeleteModel(ctx, db, modelID, "grafana_ml_model_correlation")
}
