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

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TaskState values are the literals stored in the task tables.
type TaskState string

const (
	TaskPending    TaskState = "pendiente"
	TaskRunning    TaskState = "en_ejecucion"
	TaskDone       TaskState = "listo"
	TaskFailed     TaskState = "ejecucion_fallida"
	TaskEliminated TaskState = "eliminado"
)

func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskDone, TaskFailed, TaskEliminated:
		return true
	}
	return false
}

// Terminal reports whether the scheduler will never move the task again on its own.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskEliminated
}

type TaskKind string

const (
	KindCreateSource TaskKind = "create_source"
	KindCreateModel  TaskKind = "create_model"
	KindDeleteModel  TaskKind = "delete_model"
	KindDeleteSource TaskKind = "delete_source"
)

// Kinds is the order a cycle processes task kinds in. Sources exist before the
// models that read them, and models go before the sources they reference.
var Kinds = []TaskKind{KindCreateSource, KindCreateModel, KindDeleteModel, KindDeleteSource}

// Table returns the task table backing the kind.
func (k TaskKind) Table() string {
	switch k {
	case KindCreateSource:
		return "grafana_ml_model_source_create"
	case KindCreateModel:
		return "grafana_ml_model_task_create"
	case KindDeleteModel:
		return "grafana_ml_model_task_delete"
	case KindDeleteSource:
		return "grafana_ml_model_source_delete"
	}
	panic(fmt.Sprintf("unknown task kind %q", string(k)))
}

// Creates reports whether a successful task of this kind produces an id.
func (k TaskKind) Creates() bool {
	return k == KindCreateSource || k == KindCreateModel
}

// Origin is the create kind whose task gets eliminated when a task of kind k succeeds.
func (k TaskKind) Origin() (TaskKind, bool) {
	switch k {
	case KindDeleteModel:
		return KindCreateModel, true
	case KindDeleteSource:
		return KindCreateSource, true
	}
	return "", false
}

type Task interface {
	TaskID() int64
	Kind() TaskKind
}

// Parameters is the decoded JSON object of a create-model task.
type Parameters map[string]any

// ParseParameters decodes raw task parameters, keeping numbers as json.Number so
// integer parameters can be told apart from floats.
func ParseParameters(raw []byte) (Parameters, error) {
	p := Parameters{}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return p, nil
}

type CreateModelTask struct {
	ID         int64
	SourceID   int64
	Algorithm  string
	Parameters json.RawMessage
	State      TaskState
}

// Params decodes the task parameters; malformed JSON is a validation failure.
func (t CreateModelTask) Params() (Parameters, error) {
	p, err := ParseParameters(t.Parameters)
	if err != nil {
		return nil, &ValidationError{Param: "parameters", Value: string(t.Parameters), Reason: err.Error()}
	}
	return p, nil
}

func (t CreateModelTask) TaskID() int64  { return t.ID }
func (t CreateModelTask) Kind() TaskKind { return KindCreateModel }

type DeleteModelTask struct {
	ID             int64
	ModelID        int64
	State          TaskState
	CompletionTime *time.Time
}

func (t DeleteModelTask) TaskID() int64  { return t.ID }
func (t DeleteModelTask) Kind() TaskKind { return KindDeleteModel }

type CreateSourceTask struct {
	ID           int64
	Name         string
	Description  string
	Creator      string
	Locator      string // schema.table
	TargetColumn string
	State        TaskState
}

func (t CreateSourceTask) TaskID() int64  { return t.ID }
func (t CreateSourceTask) Kind() TaskKind { return KindCreateSource }

type DeleteSourceTask struct {
	ID             int64
	SourceID       int64
	State          TaskState
	CompletionTime *time.Time
}

func (t DeleteSourceTask) TaskID() int64  { return t.ID }
func (t DeleteSourceTask) Kind() TaskKind { return KindDeleteSource }
