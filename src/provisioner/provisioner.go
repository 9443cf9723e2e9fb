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

// Package provisioner turns an external table into a source (points, features
// and values) and removes sources again.
package provisioner

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"grafanamlworker/src/logging"
	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

const DefaultRowLimit = 45000

type CreateRequest struct {
	Locator      string
	Name         string
	Description  string
	Creator      string
	TargetColumn string
}

type Provisioner struct {
	RowLimit int
}

func New(rowLimit int) *Provisioner {
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}
	return &Provisioner{RowLimit: rowLimit}
}

// Create ingests req.Locator and returns the new source id. db must be a
// transaction: values are bulk loaded with COPY.
func (p *Provisioner) Create(ctx context.Context, db store.DBTX, req CreateRequest) (int64, error) {
	f, err := loadTable(ctx, db, req.Locator, req.TargetColumn, p.RowLimit)
	if err != nil {
		return 0, err
	}
	if len(f.values) == 0 {
		return 0, &model.ValidationError{Param: "source", Value: req.Locator, Reason: "no complete rows to ingest"}
	}

	var sourceID int64
	err = db.QueryRowContext(ctx, `
		INSERT INTO grafana_ml_model_source (name, source, creator, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, req.Name, req.Locator, nullString(req.Creator), nullString(req.Description)).Scan(&sourceID)
	if err != nil {
		return 0, fmt.Errorf("insert source: %w", err)
	}

	featureIDs := make([]int64, len(f.features))
	for i, name := range f.features {
		if featureIDs[i], err = insertFeature(ctx, db, sourceID, name, false); err != nil {
			return 0, err
		}
	}
	var targetID int64
	if req.TargetColumn != "" {
		if targetID, err = insertFeature(ctx, db, sourceID, req.TargetColumn, true); err != nil {
			return 0, err
		}
	}

	pointIDs, err := insertPoints(ctx, db, sourceID, len(f.values))
	if err != nil {
		return 0, err
	}

	stmt, err := db.PrepareContext(ctx, pq.CopyIn("grafana_ml_model_point_value",
		"id_source", "id_point", "id_feature", "numeric_value", "string_value"))
	if err != nil {
		return 0, fmt.Errorf("prepare point values copy: %w", err)
	}
	defer stmt.Close()
	for r, row := range f.values {
		for c, v := range row {
			if _, err := stmt.ExecContext(ctx, sourceID, pointIDs[r], featureIDs[c], v, nil); err != nil {
				return 0, fmt.Errorf("copy point value: %w", err)
			}
		}
		if targetID != 0 {
			t := f.target[r]
			var num, label any
			if f.targetNumeric {
				num = t.num
			} else {
				label = t.label
			}
			if _, err := stmt.ExecContext(ctx, sourceID, pointIDs[r], targetID, num, label); err != nil {
				return 0, fmt.Errorf("copy target value: %w", err)
			}
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("flush point values: %w", err)
	}

	for _, class := range f.predictionClasses() {
		if _, err := db.ExecContext(ctx,
			"INSERT INTO grafana_ml_model_prediction_values (id_source, class_name) VALUES ($1, $2)",
			sourceID, class); err != nil {
			return 0, fmt.Errorf("insert prediction class: %w", err)
		}
	}

	logging.Log(fmt.Sprintf("Source %d created from %s: %d points, %d features", sourceID, req.Locator, len(pointIDs), len(featureIDs)), slog.LevelInfo)
	return sourceID, nil
}

func insertFeature(ctx context.Context, db store.DBTX, sourceID int64, name string, target bool) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO grafana_ml_model_feature (id_source, name, is_target)
		VALUES ($1, $2, $3)
		RETURNING id`, sourceID, name, target).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert feature %s: %w", name, err)
	}
	return id, nil
}

// insertPoints creates point_1..point_n and returns their ids in that order.
func insertPoints(ctx context.Context, db store.DBTX, sourceID int64, n int) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		INSERT INTO grafana_ml_model_point (id_source, name)
		SELECT $1, 'point_' || g FROM generate_series(1, $2) AS g ORDER BY g
		RETURNING id`, sourceID, n)
	if err != nil {
		return nil, fmt.Errorf("insert points: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) != n {
		return nil, fmt.Errorf("inserted %d points, expected %d", len(ids), n)
	}
	return ids, nil
}

// Delete removes a source and its rows. Rows of models built on the source
// block deletion and surface as *model.ReferentialIntegrityError.
func (p *Provisioner) Delete(ctx context.Context, db store.DBTX, sourceID int64) error {
	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM grafana_ml_model_source WHERE id = $1)", sourceID).Scan(&exists); err != nil {
		return fmt.Errorf("check source %d: %w", sourceID, err)
	}
	if !exists {
		return fmt.Errorf("source %d: %w", sourceID, model.ErrSourceNotFound)
	}

	statements := []string{
		"DELETE FROM grafana_ml_model_prediction_values WHERE id_source = $1",
		"DELETE FROM grafana_ml_model_point_value WHERE id_source = $1",
		"DELETE FROM grafana_ml_model_point WHERE id_source = $1",
		"DELETE FROM grafana_ml_model_feature WHERE id_source = $1",
		"DELETE FROM grafana_ml_model_source WHERE id = $1",
	}
	for _, s := range statements {
		if _, err := db.ExecContext(ctx, s, sourceID); err != nil {
			if store.IsForeignKeyViolation(err) {
				return &model.ReferentialIntegrityError{SourceID: sourceID, Err: err}
			}
			return fmt.Errorf("delete source %d: %w", sourceID, err)
		}
	}
	logging.Log(fmt.Sprintf("Source %d deleted", sourceID), slog.LevelInfo)
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
