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
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

// Coefficient is one row of a fitted regression. FeatureID is nil for the intercept.
type Coefficient struct {
	FeatureID *int64
	Coeff     float64
	StdErr    float64
	T         float64
	P         float64
}

// OLS fits y = b0 + X b by least squares. The first coefficient is the
// intercept, the rest follow the columns of x.
func OLS(x [][]float64, y []float64) ([]Coefficient, error) {
	n, p := len(x), len(x[0])+1
	if n <= p {
		return nil, &model.ValidationError{Reason: fmt.Sprintf("%d points cannot fit %d coefficients", n, p)}
	}

	design := mat.NewDense(n, p, nil)
	for i, row := range x {
		design.Set(i, 0, 1)
		for j, v := range row {
			design.Set(i, j+1, v)
		}
	}
	target := mat.NewVecDense(n, append([]float64(nil), y...))

	var qr mat.QR
	qr.Factorize(design)
	var beta mat.VecDense
	if err := tolerateCondition(qr.SolveVecTo(&beta, false, target)); err != nil {
		return nil, &model.ValidationError{Reason: "features are collinear: " + err.Error()}
	}

	var fitted, resid mat.VecDense
	fitted.MulVec(design, &beta)
	resid.SubVec(target, &fitted)
	df := float64(n - p)
	sigma2 := mat.Dot(&resid, &resid) / df

	var xtx, inv mat.Dense
	xtx.Mul(design.T(), design)
	if err := tolerateCondition(inv.Inverse(&xtx)); err != nil {
		return nil, &model.ValidationError{Reason: "features are collinear: " + err.Error()}
	}

	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	coefs := make([]Coefficient, p)
	for j := 0; j < p; j++ {
		b := beta.AtVec(j)
		se := math.Sqrt(sigma2 * inv.At(j, j))
		t := b / se
		coefs[j] = Coefficient{Coeff: b, StdErr: se, T: t, P: 2 * tdist.Survival(math.Abs(t))}
	}
	return coefs, nil
}

// tolerateCondition drops ill-conditioning warnings but keeps exact singularity.
func tolerateCondition(err error) error {
	var c mat.Condition
	if errors.As(err, &c) && !math.IsInf(float64(c), 1) {
		return nil
	}
	return err
}

// LinearRegression is the r_lineal unit. The target of the source is the
// response, every other numeric feature a regressor.
type LinearRegression struct {
	Deps
}

func (u *LinearRegression) Execute(ctx context.Context, db store.DBTX, task model.CreateModelTask) (int64, error) {
	if _, err := task.Params(); err != nil {
		return 0, err
	}
	s, err := u.Data.Supervised(ctx, db, task.SourceID)
	if err != nil {
		return 0, err
	}
	if s.Y == nil {
		return 0, &model.ValidationError{Param: "target", Reason: fmt.Sprintf("target of source %d is not numeric", task.SourceID)}
	}
	coefs, err := OLS(s.Points, s.Y)
	if err != nil {
		return 0, err
	}
	for j := 1; j < len(coefs); j++ {
		id := s.FeatureIDs[j-1]
		coefs[j].FeatureID = &id
	}

	id, err := u.Results.CreateModel(ctx, db, task.SourceID, task.Algorithm, task.Parameters)
	if err != nil {
		return 0, err
	}
	if err := u.Results.SaveRegression(ctx, db, id, coefs); err != nil {
		return 0, err
	}
	return id, nil
}

func (u *LinearRegression) Delete(ctx context.Context, db store.DBTX, modelID int64) error {
	return u.Results.DeleteModel(ctx, db, modelID, "grafana_ml_model_regression")
}
