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

package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grafanamlworker/src/algorithm"
	"grafanamlworker/src/model"
	"grafanamlworker/src/provisioner"
	"grafanamlworker/src/registry"
	"grafanamlworker/src/store"
)

type stubUnit struct {
	id        int64
	err       error
	deleteErr error
	deleted   []int64
}

func (u *stubUnit) Execute(context.Context, store.DBTX, model.CreateModelTask) (int64, error) {
	return u.id, u.err
}

func (u *stubUnit) Delete(_ context.Context, _ store.DBTX, id int64) error {
	u.deleted = append(u.deleted, id)
	return u.deleteErr
}

type stubIndex map[int64]string

func (s stubIndex) AlgorithmOf(_ context.Context, _ store.DBTX, id int64) (string, error) {
	name, ok := s[id]
	if !ok {
		return "", fmt.Errorf("model %d: %w", id, model.ErrModelNotFound)
	}
	return name, nil
}

type stubProvisioner struct {
	req       provisioner.CreateRequest
	id        int64
	createErr error
	deleteErr error
}

func (p *stubProvisioner) Create(_ context.Context, _ store.DBTX, req provisioner.CreateRequest) (int64, error) {
	p.req = req
	return p.id, p.createErr
}

func (p *stubProvisioner) Delete(context.Context, store.DBTX, int64) error {
	return p.deleteErr
}

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	var te *TaskError
	require.ErrorAs(t, err, &te)
	return te.Kind
}

func TestCreateModel(t *testing.T) {
	unit := &stubUnit{id: 77}
	e := &ModelExecutor{Registry: registry.NewWith(map[string]algorithm.Unit{"a_kmedias": unit})}

	id, err := e.CreateModel(context.Background(), nil, model.CreateModelTask{Algorithm: "a_kmedias"})
	require.NoError(t, err)
	assert.EqualValues(t, 77, id)

	_, err = e.CreateModel(context.Background(), nil, model.CreateModelTask{Algorithm: "svm"})
	assert.Equal(t, UnsupportedAlgorithm, kindOf(t, err))

	unit.err = &model.ValidationError{Param: "n_clusters", Value: 1, Reason: "must be at least 2"}
	_, err = e.CreateModel(context.Background(), nil, model.CreateModelTask{Algorithm: "a_kmedias"})
	assert.Equal(t, Validation, kindOf(t, err))
	assert.Contains(t, err.Error(), "n_clusters")
}

func TestDeleteModel(t *testing.T) {
	unit := &stubUnit{}
	e := &ModelExecutor{
		Registry: registry.NewWith(map[string]algorithm.Unit{"c_pearson": unit}),
		Index:    stubIndex{5: "c_pearson", 6: "old_algorithm"},
	}
	ctx := context.Background()

	require.NoError(t, e.DeleteModel(ctx, nil, model.DeleteModelTask{ModelID: 5}))
	assert.Equal(t, []int64{5}, unit.deleted)

	err := e.DeleteModel(ctx, nil, model.DeleteModelTask{ModelID: 6})
	assert.Equal(t, UnsupportedAlgorithm, kindOf(t, err))

	err = e.DeleteModel(ctx, nil, model.DeleteModelTask{ModelID: 7})
	assert.Equal(t, Validation, kindOf(t, err))
	assert.ErrorIs(t, err, model.ErrModelNotFound)
}

func TestSourceExecutor(t *testing.T) {
	p := &stubProvisioner{id: 12}
	e := &SourceExecutor{Provisioner: p}
	ctx := context.Background()

	id, err := e.CreateSource(ctx, nil, model.CreateSourceTask{Name: "iris", Locator: "public.iris", TargetColumn: "species", Creator: "ana"})
	require.NoError(t, err)
	assert.EqualValues(t, 12, id)
	assert.Equal(t, provisioner.CreateRequest{Locator: "public.iris", Name: "iris", Creator: "ana", TargetColumn: "species"}, p.req)

	require.NoError(t, e.DeleteSource(ctx, nil, model.DeleteSourceTask{SourceID: 12}))

	p.deleteErr = &model.ReferentialIntegrityError{SourceID: 12, Err: &pq.Error{Code: "23503"}}
	err = e.DeleteSource(ctx, nil, model.DeleteSourceTask{SourceID: 12})
	assert.Equal(t, ReferentialIntegrity, kindOf(t, err))

	p.deleteErr = errors.New("connection refused")
	err = e.DeleteSource(ctx, nil, model.DeleteSourceTask{SourceID: 12})
	assert.Equal(t, Execution, kindOf(t, err))
}

func TestDispatcher(t *testing.T) {
	d := &Dispatcher{
		Models: &ModelExecutor{
			Registry: registry.NewWith(map[string]algorithm.Unit{"a_kmedias": &stubUnit{id: 3}}),
			Index:    stubIndex{3: "a_kmedias"},
		},
		Sources: &SourceExecutor{Provisioner: &stubProvisioner{id: 8}},
	}
	ctx := context.Background()

	for _, tc := range []struct {
		task model.Task
		want int64
	}{
		{model.CreateSourceTask{}, 8},
		{model.CreateModelTask{Algorithm: "a_kmedias"}, 3},
		{model.DeleteModelTask{ModelID: 3}, 3},
		{model.DeleteSourceTask{SourceID: 8}, 8},
	} {
		got, err := d.Run(ctx, nil, tc.task)
		require.NoError(t, err, tc.task.Kind())
		assert.Equal(t, tc.want, got, tc.task.Kind())
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&model.UnsupportedAlgorithmError{Name: "x"}, UnsupportedAlgorithm},
		{fmt.Errorf("wrap: %w", &model.ValidationError{Reason: "bad"}), Validation},
		{fmt.Errorf("source 1: %w", model.ErrNotEnoughVariables), Validation},
		{model.ErrNoTarget, Validation},
		{model.ErrSourceNotFound, Validation},
		{&model.ReferentialIntegrityError{SourceID: 1}, ReferentialIntegrity},
		{fmt.Errorf("delete: %w", &pq.Error{Code: "23503"}), ReferentialIntegrity},
		{&pq.Error{Code: "08006"}, Store},
		{fmt.Errorf("run: %w", algorithm.ErrSandboxDisabled), Execution},
		{errors.New("exit status 1"), Execution},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err).Kind, tc.err.Error())
	}

	te := &TaskError{Kind: Store, Err: errors.New("x")}
	assert.Same(t, te, Classify(fmt.Errorf("again: %w", te)))
	assert.Equal(t, "referential_integrity", ReferentialIntegrity.String())
}
