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
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

// Matrix is the numeric view of a source: one row per point, one column per
// non-target feature.
type Matrix struct {
	Points     [][]float64 `json:"points"`
	PointIDs   []int64     `json:"point_ids"`
	FeatureIDs []int64     `json:"feature_ids"`
	Names      []string    `json:"names"`
}

// Supervised adds the target column to a Matrix. Y is only set when every
// target value is numeric; Labels always is.
type Supervised struct {
	Matrix
	TargetID int64     `json:"target_id"`
	Y        []float64 `json:"y,omitempty"`
	Labels   []string  `json:"labels"`
}

// SQL reads matrices out of the point/feature/value tables.
type SQL struct{}

func (SQL) Numeric(ctx context.Context, db store.DBTX, sourceID int64) (*Matrix, error) {
	if err := sourceExists(ctx, db, sourceID); err != nil {
		return nil, err
	}
	featureIDs, names, err := features(ctx, db, sourceID)
	if err != nil {
		return nil, err
	}
	if len(featureIDs) < 2 {
		return nil, fmt.Errorf("source %d has %d numeric features: %w", sourceID, len(featureIDs), model.ErrNotEnoughVariables)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id_point, array_agg(numeric_value ORDER BY id_feature)
		FROM grafana_ml_model_point_value
		WHERE id_source = $1 AND id_feature = ANY($2)
		GROUP BY id_point
		ORDER BY id_point`, sourceID, pq.Array(featureIDs))
	if err != nil {
		return nil, fmt.Errorf("query points of source %d: %w", sourceID, err)
	}
	defer rows.Close()

	m := &Matrix{FeatureIDs: featureIDs, Names: names}
	for rows.Next() {
		var (
			id     int64
			values pq.Float64Array
		)
		if err := rows.Scan(&id, &values); err != nil {
			return nil, err
		}
		// Points missing a value were dropped at ingestion; skip any that slipped through.
		if len(values) != len(featureIDs) {
			continue
		}
		m.PointIDs = append(m.PointIDs, id)
		m.Points = append(m.Points, []float64(values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(m.Points) < 2 {
		return nil, &model.ValidationError{Reason: fmt.Sprintf("source %d has %d usable points, need at least 2", sourceID, len(m.Points))}
	}
	return m, nil
}

func (s SQL) Supervised(ctx context.Context, db store.DBTX, sourceID int64) (*Supervised, error) {
	m, err := s.Numeric(ctx, db, sourceID)
	if err != nil {
		return nil, err
	}
	var targetID int64
	err = db.QueryRowContext(ctx, `
		SELECT id FROM grafana_ml_model_feature
		WHERE id_source = $1 AND is_target
		ORDER BY id LIMIT 1`, sourceID).Scan(&targetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %d: %w", sourceID, model.ErrNoTarget)
	}
	if err != nil {
		return nil, fmt.Errorf("query target of source %d: %w", sourceID, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id_point, numeric_value, string_value
		FROM grafana_ml_model_point_value
		WHERE id_feature = $1`, targetID)
	if err != nil {
		return nil, fmt.Errorf("query target values of source %d: %w", sourceID, err)
	}
	defer rows.Close()

	type target struct {
		num   sql.NullFloat64
		label sql.NullString
	}
	byPoint := make(map[int64]target, len(m.PointIDs))
	for rows.Next() {
		var (
			id int64
			t  target
		)
		if err := rows.Scan(&id, &t.num, &t.label); err != nil {
			return nil, err
		}
		byPoint[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := &Supervised{TargetID: targetID}
	numeric := true
	var y []float64
	for i, id := range m.PointIDs {
		t, ok := byPoint[id]
		if !ok || (!t.num.Valid && !t.label.Valid) {
			continue
		}
		out.PointIDs = append(out.PointIDs, id)
		out.Points = append(out.Points, m.Points[i])
		switch {
		case t.num.Valid:
			y = append(y, t.num.Float64)
			out.Labels = append(out.Labels, strconv.FormatFloat(t.num.Float64, 'g', -1, 64))
		default:
			numeric = false
			out.Labels = append(out.Labels, t.label.String)
		}
	}
	out.FeatureIDs = m.FeatureIDs
	out.Names = m.Names
	if numeric {
		out.Y = y
	}
	if len(out.Points) < 2 {
		return nil, &model.ValidationError{Reason: fmt.Sprintf("source %d has %d points with a target value, need at least 2", sourceID, len(out.Points))}
	}
	return out, nil
}

func sourceExists(ctx context.Context, db store.DBTX, sourceID int64) error {
	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM grafana_ml_model_source WHERE id = $1)", sourceID).Scan(&exists); err != nil {
		return fmt.Errorf("check source %d: %w", sourceID, err)
	}
	if !exists {
		return fmt.Errorf("source %d: %w", sourceID, model.ErrSourceNotFound)
	}
	return nil
}

func features(ctx context.Context, db store.DBTX, sourceID int64) ([]int64, []string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name FROM grafana_ml_model_feature
		WHERE id_source = $1 AND NOT is_target
		ORDER BY id`, sourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("query features of source %d: %w", sourceID, err)
	}
	defer rows.Close()

	var (
		ids   []int64
		names []string
	)
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		names = append(names, name)
	}
	return ids, names, rows.Err()
}
