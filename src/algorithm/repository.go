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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/lib/pq"

	"grafanamlworker/src/dataset"
	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
)

// SQLResults writes models to the grafana_ml_model_* tables.
type SQLResults struct{}

func (SQLResults) CreateModel(ctx context.Context, db store.DBTX, sourceID int64, algorithm string, params json.RawMessage) (int64, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO grafana_ml_model_index (id_source, algorithm, parameters)
		VALUES ($1, $2, $3)
		RETURNING id`, sourceID, algorithm, string(params)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert model index: %w", err)
	}
	return id, nil
}

func (SQLResults) AlgorithmOf(ctx context.Context, db store.DBTX, modelID int64) (string, error) {
	var name string
	err := db.QueryRowContext(ctx, "SELECT algorithm FROM grafana_ml_model_index WHERE id = $1", modelID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("model %d: %w", modelID, model.ErrModelNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("look up model %d: %w", modelID, err)
	}
	return name, nil
}

func (SQLResults) DeleteModel(ctx context.Context, db store.DBTX, modelID int64, tables ...string) error {
	for _, t := range tables {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+t+" WHERE id_model = $1", modelID); err != nil {
			return fmt.Errorf("delete %s rows of model %d: %w", t, modelID, err)
		}
	}
	res, err := db.ExecContext(ctx, "DELETE FROM grafana_ml_model_index WHERE id = $1", modelID)
	if err != nil {
		return fmt.Errorf("delete model %d: %w", modelID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("model %d: %w", modelID, model.ErrModelNotFound)
	}
	return nil
}

func (SQLResults) SaveClusters(ctx context.Context, db store.DBTX, modelID int64, m *dataset.Matrix, r *ClusterResult) error {
	clusterIDs := make([]int64, r.K)
	for k := 0; k < r.K; k++ {
		err := db.QueryRowContext(ctx, `
			INSERT INTO grafana_ml_model_clustering_cluster (id_model, number, inertia, silhouette_coefficient)
			VALUES ($1, $2, $3, $4)
			RETURNING id`, modelID, k, nullFloat(r.Inertia[k]), nullFloat(r.Silhouette[k])).Scan(&clusterIDs[k])
		if err != nil {
			return fmt.Errorf("insert cluster %d: %w", k, err)
		}
	}

	stmt, err := db.PrepareContext(ctx, pq.CopyIn("grafana_ml_model_kmeans_point", "id_model", "id_point", "id_cluster"))
	if err != nil {
		return fmt.Errorf("prepare cluster assignment copy: %w", err)
	}
	for i, label := range r.Labels {
		if _, err := stmt.ExecContext(ctx, modelID, m.PointIDs[i], clusterIDs[label]); err != nil {
			stmt.Close()
			return fmt.Errorf("copy cluster assignment: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush cluster assignments: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	for k, centroid := range r.Centroids {
		for j, v := range centroid {
			if _, err := db.ExecContext(ctx, `
				INSERT INTO grafana_ml_model_kmeans_centroid (id_model, id_cluster, id_feature, value)
				VALUES ($1, $2, $3, $4)`, modelID, clusterIDs[k], m.FeatureIDs[j], v); err != nil {
				return fmt.Errorf("insert centroid of cluster %d: %w", k, err)
			}
		}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO grafana_ml_model_clustering_metrics (id_model, inertia, silhouette_coefficient, davies_bouldin_index)
		VALUES ($1, $2, $3, $4)`, modelID, nullFloat(r.TotalInertia), nullFloat(r.TotalSilhouette), nullFloat(r.DaviesBouldin))
	if err != nil {
		return fmt.Errorf("insert clustering metrics: %w", err)
	}
	return nil
}

func (SQLResults) SaveCorrelations(ctx context.Context, db store.DBTX, modelID int64, featureIDs []int64, corr [][]float64) error {
	for i := range corr {
		for j := range corr[i] {
			if _, err := db.ExecContext(ctx, `
				INSERT INTO grafana_ml_model_correlation (id_model, id_feature1, id_feature2, value)
				VALUES ($1, $2, $3, $4)`, modelID, featureIDs[i], featureIDs[j], nullFloat(corr[i][j])); err != nil {
				return fmt.Errorf("insert correlation: %w", err)
			}
		}
	}
	return nil
}

func (SQLResults) SaveRegression(ctx context.Context, db store.DBTX, modelID int64, coefs []Coefficient) error {
	for _, c := range coefs {
		var feature sql.NullInt64
		if c.FeatureID != nil {
			feature = sql.NullInt64{Int64: *c.FeatureID, Valid: true}
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO grafana_ml_model_regression (id_model, id_feature, coeff, std_err, value, p_value)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			modelID, feature, nullFloat(c.Coeff), nullFloat(c.StdErr), nullFloat(c.T), nullFloat(c.P)); err != nil {
			return fmt.Errorf("insert regression coefficient: %w", err)
		}
	}
	return nil
}

func (SQLResults) SaveScriptOutput(ctx context.Context, db store.DBTX, modelID int64, output json.RawMessage) error {
	if _, err := db.ExecContext(ctx,
		"INSERT INTO grafana_ml_model_script_output (id_model, output) VALUES ($1, $2)",
		modelID, string(output)); err != nil {
		return fmt.Errorf("insert script output: %w", err)
	}
	return nil
}

// nullFloat stores NaN and infinities as NULL.
func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: !math.IsNaN(f) && !math.IsInf(f, 0)}
}
