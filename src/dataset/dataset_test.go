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

package dataset

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grafanamlworker/src/model"
)

func expectSource(mock sqlmock.Sqlmock, exists bool) {
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectFeatures(mock sqlmock.Sqlmock, names ...string) {
	rows := sqlmock.NewRows([]string{"id", "name"})
	for i, n := range names {
		rows.AddRow(10+i, n)
	}
	mock.ExpectQuery(`FROM grafana_ml_model_feature\s+WHERE id_source = \$1 AND NOT is_target`).
		WithArgs(1).WillReturnRows(rows)
}

func TestNumeric(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSource(mock, true)
	expectFeatures(mock, "x", "y")
	mock.ExpectQuery(`array_agg\(numeric_value ORDER BY id_feature\)`).
		WithArgs(1, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id_point", "values"}).
			AddRow(100, "{1,2}").
			AddRow(101, "{3}").
			AddRow(102, "{5.5,6}"))

	m, err := SQL{}.Numeric(context.Background(), db, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, m.FeatureIDs)
	assert.Equal(t, []string{"x", "y"}, m.Names)
	assert.Equal(t, []int64{100, 102}, m.PointIDs)
	assert.Equal(t, [][]float64{{1, 2}, {5.5, 6}}, m.Points)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNumericMissingSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSource(mock, false)
	_, err = SQL{}.Numeric(context.Background(), db, 1)
	assert.ErrorIs(t, err, model.ErrSourceNotFound)
}

func TestNumericNeedsTwoFeatures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSource(mock, true)
	expectFeatures(mock, "x")
	_, err = SQL{}.Numeric(context.Background(), db, 1)
	assert.ErrorIs(t, err, model.ErrNotEnoughVariables)
}

func TestSupervisedLabels(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSource(mock, true)
	expectFeatures(mock, "x", "y")
	mock.ExpectQuery(`array_agg`).
		WillReturnRows(sqlmock.NewRows([]string{"id_point", "values"}).
			AddRow(100, "{1,2}").
			AddRow(101, "{3,4}").
			AddRow(102, "{5,6}"))
	mock.ExpectQuery(`AND is_target`).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectQuery(`SELECT id_point, numeric_value, string_value`).WithArgs(12).
		WillReturnRows(sqlmock.NewRows([]string{"id_point", "numeric_value", "string_value"}).
			AddRow(100, nil, "setosa").
			AddRow(102, nil, "virginica"))

	s, err := SQL{}.Supervised(context.Background(), db, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 12, s.TargetID)
	assert.Equal(t, []int64{100, 102}, s.PointIDs)
	assert.Equal(t, []string{"setosa", "virginica"}, s.Labels)
	assert.Nil(t, s.Y)
}

func TestSupervisedNumericTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSource(mock, true)
	expectFeatures(mock, "x", "y")
	mock.ExpectQuery(`array_agg`).
		WillReturnRows(sqlmock.NewRows([]string{"id_point", "values"}).
			AddRow(100, "{1,2}").
			AddRow(101, "{3,4}"))
	mock.ExpectQuery(`AND is_target`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectQuery(`SELECT id_point, numeric_value, string_value`).
		WillReturnRows(sqlmock.NewRows([]string{"id_point", "numeric_value", "string_value"}).
			AddRow(100, 1.5, nil).
			AddRow(101, 2.0, nil))

	s, err := SQL{}.Supervised(context.Background(), db, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2}, s.Y)
	assert.Equal(t, []string{"1.5", "2"}, s.Labels)
}

func TestSupervisedNoTarget(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectSource(mock, true)
	expectFeatures(mock, "x", "y")
	mock.ExpectQuery(`array_agg`).
		WillReturnRows(sqlmock.NewRows([]string{"id_point", "values"}).
			AddRow(100, "{1,2}").
			AddRow(101, "{3,4}"))
	mock.ExpectQuery(`AND is_target`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = SQL{}.Supervised(context.Background(), db, 1)
	assert.ErrorIs(t, err, model.ErrNoTarget)
}
