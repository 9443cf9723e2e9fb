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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"grafanamlworker/src/model"
)

// TaskGateway reads and writes task rows. It holds no business rules.
type TaskGateway interface {
	FetchPending(ctx context.Context, kind model.TaskKind) ([]model.Task, error)
	SetState(ctx context.Context, kind model.TaskKind, id int64, state model.TaskState) error
	BindResult(ctx context.Context, kind model.TaskKind, id, resultID int64) error
	MarkOriginatingEliminated(ctx context.Context, kind model.TaskKind, resultID int64) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	WithTx(tx DBTX) TaskGateway
}

type Tasks struct {
	db DBTX
}

func NewTasks(db DBTX) *Tasks {
	return &Tasks{db: db}
}

func (t *Tasks) WithTx(tx DBTX) TaskGateway {
	return &Tasks{db: tx}
}

func (t *Tasks) FetchPending(ctx context.Context, kind model.TaskKind) ([]model.Task, error) {
	switch kind {
	case model.KindCreateSource:
		return t.pendingCreateSources(ctx)
	case model.KindCreateModel:
		return t.pendingCreateModels(ctx)
	case model.KindDeleteModel:
		return t.pendingDeleteModels(ctx)
	case model.KindDeleteSource:
		return t.pendingDeleteSources(ctx)
	}
	return nil, fmt.Errorf("unknown task kind %q", kind)
}

func (t *Tasks) pendingCreateModels(ctx context.Context) ([]model.Task, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, id_source, algorithm, parameters, state
		FROM grafana_ml_model_task_create
		WHERE state = $1
		ORDER BY id`, model.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("query pending create-model tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task model.CreateModelTask
			raw  []byte
		)
		if err := rows.Scan(&task.ID, &task.SourceID, &task.Algorithm, &raw, &task.State); err != nil {
			return nil, err
		}
		task.Parameters = append([]byte(nil), raw...)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (t *Tasks) pendingDeleteModels(ctx context.Context) ([]model.Task, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, id_model, state, finished_at
		FROM grafana_ml_model_task_delete
		WHERE state = $1
		ORDER BY id`, model.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("query pending delete-model tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task     model.DeleteModelTask
			finished sql.NullTime
		)
		if err := rows.Scan(&task.ID, &task.ModelID, &task.State, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			task.CompletionTime = &finished.Time
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (t *Tasks) pendingCreateSources(ctx context.Context) ([]model.Task, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, name, description, creator, source, target, state
		FROM grafana_ml_model_source_create
		WHERE state = $1
		ORDER BY id`, model.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("query pending create-source tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task                          model.CreateSourceTask
			description, creator, target sql.NullString
		)
		if err := rows.Scan(&task.ID, &task.Name, &description, &creator, &task.Locator, &target, &task.State); err != nil {
			return nil, err
		}
		task.Description = description.String
		task.Creator = creator.String
		task.TargetColumn = target.String
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (t *Tasks) pendingDeleteSources(ctx context.Context) ([]model.Task, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, id_source, state, finished_at
		FROM grafana_ml_model_source_delete
		WHERE state = $1
		ORDER BY id`, model.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("query pending delete-source tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task     model.DeleteSourceTask
			finished sql.NullTime
		)
		if err := rows.Scan(&task.ID, &task.SourceID, &task.State, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			task.CompletionTime = &finished.Time
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (t *Tasks) SetState(ctx context.Context, kind model.TaskKind, id int64, state model.TaskState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid task state %q", state)
	}
	var query string
	switch {
	case state == model.TaskRunning:
		query = "UPDATE " + kind.Table() + " SET state = $1, started_at = NOW(), finished_at = NULL WHERE id = $2"
	case state == model.TaskDone || state == model.TaskFailed:
		query = "UPDATE " + kind.Table() + " SET state = $1, finished_at = NOW() WHERE id = $2"
	default:
		query = "UPDATE " + kind.Table() + " SET state = $1 WHERE id = $2"
	}
	res, err := t.db.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("set %s task %d to %s: %w", kind, id, state, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s task %d not found", kind, id)
	}
	return nil
}

func (t *Tasks) BindResult(ctx context.Context, kind model.TaskKind, id, resultID int64) error {
	var column string
	switch kind {
	case model.KindCreateModel:
		column = "id_model"
	case model.KindCreateSource:
		column = "id_source"
	default:
		return fmt.Errorf("%s tasks produce no result to bind", kind)
	}
	_, err := t.db.ExecContext(ctx, "UPDATE "+kind.Table()+" SET "+column+" = $1 WHERE id = $2", resultID, id)
	if err != nil {
		return fmt.Errorf("bind %s task %d to %d: %w", kind, id, resultID, err)
	}
	return nil
}

// MarkOriginatingEliminated flags the create task that produced resultID. A
// missing create task (result made outside the worker) is not an error.
func (t *Tasks) MarkOriginatingEliminated(ctx context.Context, kind model.TaskKind, resultID int64) error {
	origin, ok := kind.Origin()
	if !ok {
		return fmt.Errorf("%s tasks have no originating task", kind)
	}
	column := "id_model"
	if origin == model.KindCreateSource {
		column = "id_source"
	}
	_, err := t.db.ExecContext(ctx, "UPDATE "+origin.Table()+" SET state = $1 WHERE "+column+" = $2", model.TaskEliminated, resultID)
	if err != nil {
		return fmt.Errorf("eliminate %s task for %d: %w", origin, resultID, err)
	}
	return nil
}

// RecoverStale fails tasks stuck in running for longer than olderThan, which is
// what a crash mid-execution leaves behind. They are not re-queued.
func (t *Tasks) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var total int64
	for _, kind := range model.Kinds {
		res, err := t.db.ExecContext(ctx, `
			UPDATE `+kind.Table()+`
			SET state = $1, finished_at = NOW()
			WHERE state = $2
			AND started_at < NOW() - ($3 * INTERVAL '1 second')`,
			model.TaskFailed, model.TaskRunning, olderThan.Seconds())
		if err != nil {
			return total, fmt.Errorf("recover stale %s tasks: %w", kind, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Counts returns, per kind, how many tasks sit in each state.
func (t *Tasks) Counts(ctx context.Context) (map[model.TaskKind]map[model.TaskState]int, error) {
	out := make(map[model.TaskKind]map[model.TaskState]int, len(model.Kinds))
	for _, kind := range model.Kinds {
		rows, err := t.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM "+kind.Table()+" GROUP BY state")
		if err != nil {
			return nil, fmt.Errorf("count %s tasks: %w", kind, err)
		}
		byState := map[model.TaskState]int{}
		for rows.Next() {
			var (
				state model.TaskState
				n     int
			)
			if err := rows.Scan(&state, &n); err != nil {
				rows.Close()
				return nil, err
			}
			byState[state] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[kind] = byState
	}
	return out, nil
}
