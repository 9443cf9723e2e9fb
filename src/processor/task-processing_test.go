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

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grafanamlworker/src/algorithm"
	"grafanamlworker/src/dataset"
	"grafanamlworker/src/executor"
	"grafanamlworker/src/model"
	"grafanamlworker/src/registry"
	"grafanamlworker/src/store"
	"grafanamlworker/src/summary"
)

type taskKey struct {
	kind model.TaskKind
	id   int64
}

// fakeStore keeps task rows in memory. Writes made through a transaction view
// only land on commit.
type fakeStore struct {
	pending    map[model.TaskKind][]model.Task
	fetchErr   map[model.TaskKind]error
	states     map[taskKey]model.TaskState
	bound      map[taskKey]int64
	eliminated []taskKey
	fetched    []model.TaskKind
	stale      int64
	recovered  []time.Duration
	commits    int
	rollbacks  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pending:  map[model.TaskKind][]model.Task{},
		fetchErr: map[model.TaskKind]error{},
		states:   map[taskKey]model.TaskState{},
		bound:    map[taskKey]int64{},
	}
}

func (s *fakeStore) add(tasks ...model.Task) {
	for _, t := range tasks {
		s.pending[t.Kind()] = append(s.pending[t.Kind()], t)
		s.states[taskKey{t.Kind(), t.TaskID()}] = model.TaskPending
	}
}

func (s *fakeStore) state(kind model.TaskKind, id int64) model.TaskState {
	return s.states[taskKey{kind, id}]
}

type fakeGateway struct {
	st *fakeStore
	tx *fakeTx
}

func (g *fakeGateway) apply(op func()) {
	if g.tx != nil {
		g.tx.ops = append(g.tx.ops, op)
		return
	}
	op()
}

func (g *fakeGateway) FetchPending(ctx context.Context, kind model.TaskKind) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.st.fetched = append(g.st.fetched, kind)
	if err := g.st.fetchErr[kind]; err != nil {
		return nil, err
	}
	return g.st.pending[kind], nil
}

func (g *fakeGateway) SetState(ctx context.Context, kind model.TaskKind, id int64, state model.TaskState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.apply(func() { g.st.states[taskKey{kind, id}] = state })
	return nil
}

func (g *fakeGateway) BindResult(ctx context.Context, kind model.TaskKind, id, resultID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.apply(func() { g.st.bound[taskKey{kind, id}] = resultID })
	return nil
}

func (g *fakeGateway) MarkOriginatingEliminated(ctx context.Context, kind model.TaskKind, resultID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	origin, _ := kind.Origin()
	g.apply(func() {
		for key, bound := range g.st.bound {
			if key.kind == origin && bound == resultID {
				g.st.states[key] = model.TaskEliminated
				g.st.eliminated = append(g.st.eliminated, key)
			}
		}
	})
	return nil
}

func (g *fakeGateway) RecoverStale(_ context.Context, olderThan time.Duration) (int64, error) {
	g.st.recovered = append(g.st.recovered, olderThan)
	return g.st.stale, nil
}

func (g *fakeGateway) WithTx(tx store.DBTX) store.TaskGateway {
	return &fakeGateway{st: g.st, tx: tx.(*fakeTx)}
}

type fakeTx struct {
	store.DBTX
	st  *fakeStore
	ops []func()
}

func (t *fakeTx) Commit() error {
	for _, op := range t.ops {
		op()
	}
	t.st.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	t.ops = nil
	t.st.rollbacks++
	return nil
}

type fakeBeginner struct{ st *fakeStore }

func (b fakeBeginner) BeginTx(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeTx{st: b.st}, nil
}

// scriptedExecutor returns a fixed outcome per task id and records call order.
type scriptedExecutor struct {
	results map[int64]int64
	errs    map[int64]error
	calls   []taskKey
}

func (e *scriptedExecutor) Run(_ context.Context, _ store.DBTX, task model.Task) (int64, error) {
	e.calls = append(e.calls, taskKey{task.Kind(), task.TaskID()})
	if err := e.errs[task.TaskID()]; err != nil {
		return 0, err
	}
	return e.results[task.TaskID()], nil
}

// cancellingExecutor cancels the cycle while its first task is running.
type cancellingExecutor struct {
	cancel func()
	calls  []int64
}

func (e *cancellingExecutor) Run(ctx context.Context, _ store.DBTX, task model.Task) (int64, error) {
	e.calls = append(e.calls, task.TaskID())
	e.cancel()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return task.TaskID() * 10, nil
}

type sent struct {
	title, message string
	duration       time.Duration
}

type recordingNotifier struct{ sent []sent }

func (n *recordingNotifier) Send(title, message string, d time.Duration) {
	n.sent = append(n.sent, sent{title, message, d})
}

func newScheduler(st *fakeStore, ex Executor) *Scheduler {
	return &Scheduler{
		Gateway:  &fakeGateway{st: st},
		DB:       fakeBeginner{st: st},
		Executor: ex,
	}
}

func TestRunCycleKindOrder(t *testing.T) {
	st := newFakeStore()
	st.add(
		model.DeleteSourceTask{ID: 1, SourceID: 50},
		model.DeleteModelTask{ID: 2, ModelID: 60},
		model.CreateModelTask{ID: 3, SourceID: 50, Algorithm: "a_kmedias"},
		model.CreateSourceTask{ID: 4, Locator: "public.iris"},
	)
	ex := &scriptedExecutor{results: map[int64]int64{1: 50, 2: 60, 3: 60, 4: 50}}

	sum := newScheduler(st, ex).RunCycle(context.Background())

	assert.Equal(t, model.Kinds, st.fetched)
	assert.Equal(t, []taskKey{
		{model.KindCreateSource, 4},
		{model.KindCreateModel, 3},
		{model.KindDeleteModel, 2},
		{model.KindDeleteSource, 1},
	}, ex.calls)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, 4, sum.Succeeded())
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	st := newFakeStore()
	st.add(
		model.CreateModelTask{ID: 1, Algorithm: "a_kmedias"},
		model.CreateModelTask{ID: 2, Algorithm: "a_kmedias"},
		model.CreateModelTask{ID: 3, Algorithm: "a_kmedias"},
	)
	ex := &scriptedExecutor{
		results: map[int64]int64{1: 10, 3: 30},
		errs:    map[int64]error{2: &executor.TaskError{Kind: executor.Execution, Err: errors.New("boom")}},
	}
	n := &recordingNotifier{}
	s := newScheduler(st, ex)
	s.Notifier = n
	s.TaskNotifications = true

	sum := s.RunCycle(context.Background())

	assert.Equal(t, model.TaskDone, st.state(model.KindCreateModel, 1))
	assert.Equal(t, model.TaskFailed, st.state(model.KindCreateModel, 2))
	assert.Equal(t, model.TaskDone, st.state(model.KindCreateModel, 3))
	assert.Equal(t, []int64{10, 30}, sum.ModelsCreated)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "error executing task 2: boom", sum.Errors[0])

	assert.EqualValues(t, 10, st.bound[taskKey{model.KindCreateModel, 1}])
	assert.NotContains(t, st.bound, taskKey{model.KindCreateModel, 2})
	assert.Equal(t, 2, st.commits)
	assert.Equal(t, 1, st.rollbacks)

	require.Len(t, n.sent, 3)
	assert.Equal(t, "✅ Task 1", n.sent[0].title)
	assert.Equal(t, "❌ Task 2", n.sent[1].title)
	assert.Equal(t, 6*time.Second, n.sent[1].duration)
	assert.Equal(t, "Model 30 created", n.sent[2].message)
}

func TestDeleteMarksOriginatingTaskEliminated(t *testing.T) {
	st := newFakeStore()
	st.add(model.CreateModelTask{ID: 7, Algorithm: "a_kmedias"})
	st.states[taskKey{model.KindCreateModel, 7}] = model.TaskDone
	st.bound[taskKey{model.KindCreateModel, 7}] = 42
	st.pending[model.KindCreateModel] = nil
	st.add(model.DeleteModelTask{ID: 1, ModelID: 42})

	sum := newScheduler(st, &scriptedExecutor{results: map[int64]int64{1: 42}}).RunCycle(context.Background())

	assert.Equal(t, []int64{42}, sum.ModelsDeleted)
	assert.Equal(t, model.TaskDone, st.state(model.KindDeleteModel, 1))
	assert.Equal(t, model.TaskEliminated, st.state(model.KindCreateModel, 7))
}

func TestReferencedSourceMessage(t *testing.T) {
	st := newFakeStore()
	st.add(model.DeleteSourceTask{ID: 9, SourceID: 4})
	ex := &scriptedExecutor{errs: map[int64]error{9: &executor.TaskError{
		Kind: executor.ReferentialIntegrity,
		Err:  &model.ReferentialIntegrityError{SourceID: 4},
	}}}

	sum := newScheduler(st, ex).RunCycle(context.Background())

	assert.Equal(t, model.TaskFailed, st.state(model.KindDeleteSource, 9))
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "referenced")
	assert.Equal(t,
		"error deleting source in task 9: it is referenced by other records; delete dependent records first",
		sum.Errors[0])
}

func TestFailureMessages(t *testing.T) {
	task := model.CreateModelTask{ID: 5}
	cases := map[string]error{
		"unsupported algorithm in task 5": &model.UnsupportedAlgorithmError{Name: "svm"},
		"invalid input in task 5":         fmt.Errorf("source 1: %w", model.ErrNotEnoughVariables),
		"database error in task 5":        &executor.TaskError{Kind: executor.Store, Err: errors.New("conn reset")},
		"error executing task 5":          errors.New("exit status 2"),
	}
	for prefix, err := range cases {
		assert.True(t, strings.HasPrefix(FailureMessage(task, err), prefix), FailureMessage(task, err))
	}
}

func TestReferentialFailureOnCreateIsDatabaseError(t *testing.T) {
	fk := &executor.TaskError{Kind: executor.ReferentialIntegrity, Err: errors.New("insert violates foreign key constraint")}

	for _, task := range []model.Task{
		model.CreateModelTask{ID: 5, SourceID: 99},
		model.CreateSourceTask{ID: 5, Locator: "public.iris"},
	} {
		msg := FailureMessage(task, fk)
		assert.Equal(t, "database error in task 5: insert violates foreign key constraint", msg)
		assert.NotContains(t, msg, "deleting")
	}

	assert.Equal(t,
		"error deleting model in task 6: it is referenced by other records; delete dependent records first",
		FailureMessage(model.DeleteModelTask{ID: 6, ModelID: 1}, fk))
}

func TestCancelledCycleLeavesUnstartedTasksPending(t *testing.T) {
	st := newFakeStore()
	st.add(
		model.CreateModelTask{ID: 1, Algorithm: "a_kmedias"},
		model.CreateModelTask{ID: 2, Algorithm: "a_kmedias"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := &cancellingExecutor{cancel: cancel}

	sum := newScheduler(st, ex).RunCycle(ctx)

	// The task in flight when the cycle was cancelled still finishes.
	assert.Equal(t, model.TaskDone, st.state(model.KindCreateModel, 1))
	assert.EqualValues(t, 10, st.bound[taskKey{model.KindCreateModel, 1}])
	assert.Equal(t, model.TaskPending, st.state(model.KindCreateModel, 2))
	assert.Equal(t, []int64{1}, ex.calls)
	assert.Empty(t, sum.Errors)
	assert.Equal(t, []int64{10}, sum.ModelsCreated)
	assert.Equal(t, []model.TaskKind{model.KindCreateSource, model.KindCreateModel}, st.fetched)
}

func TestFetchFailureDoesNotStopCycle(t *testing.T) {
	st := newFakeStore()
	st.fetchErr[model.KindCreateModel] = errors.New("relation does not exist")
	st.add(model.DeleteSourceTask{ID: 1, SourceID: 3})

	sum := newScheduler(st, &scriptedExecutor{results: map[int64]int64{1: 3}}).RunCycle(context.Background())

	assert.Equal(t, model.Kinds, st.fetched)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "create_model")
	assert.Equal(t, []int64{3}, sum.SourcesDeleted)
}

func TestStaleRecoveryAndGeneralNotice(t *testing.T) {
	st := newFakeStore()
	st.stale = 2
	n := &recordingNotifier{}
	s := newScheduler(st, &scriptedExecutor{})
	s.Notifier = n
	s.StaleAfter = time.Hour
	s.GeneralNotifications = true

	sum := s.RunCycle(context.Background())

	assert.Equal(t, []time.Duration{time.Hour}, st.recovered)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "Task scheduler", n.sent[0].title)
	assert.Equal(t, summary.NothingPending, sum.Message())

	s.StaleAfter = 0
	s.RunCycle(context.Background())
	assert.Len(t, st.recovered, 1)
}

func TestSummaryIsWrittenWhenEnabled(t *testing.T) {
	st := newFakeStore()
	dir := t.TempDir()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s := newScheduler(st, &scriptedExecutor{})
	s.GenerateSummary = true
	s.Aggregator = &summary.Aggregator{Dir: dir, Now: func() time.Time { return now }}

	s.RunCycle(context.Background())
	s.RunCycle(context.Background())

	b, err := os.ReadFile(filepath.Join(dir, "summary_2026-05-01.txt"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), summary.NothingPending))
}

func TestSummaryNotificationFollowsGeneralFlag(t *testing.T) {
	st := newFakeStore()
	st.add(model.CreateSourceTask{ID: 1, Locator: "public.iris"})
	n := &recordingNotifier{}
	s := newScheduler(st, &scriptedExecutor{results: map[int64]int64{1: 8}})
	s.Notifier = n
	s.GenerateSummary = true
	s.Aggregator = summary.NewAggregator(t.TempDir(), n, s.GeneralNotifications)

	sum := s.RunCycle(context.Background())

	assert.Equal(t, []int64{8}, sum.SourcesCreated)
	assert.Empty(t, n.sent)
	entries, err := os.ReadDir(s.Aggregator.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type matrixData struct{ m *dataset.Matrix }

func (d matrixData) Numeric(context.Context, store.DBTX, int64) (*dataset.Matrix, error) {
	return d.m, nil
}

func (d matrixData) Supervised(context.Context, store.DBTX, int64) (*dataset.Supervised, error) {
	return nil, model.ErrNoTarget
}

type clusterResults struct {
	algorithm.Results
	nextID   int64
	clusters map[int64]*algorithm.ClusterResult
}

func (r *clusterResults) CreateModel(context.Context, store.DBTX, int64, string, json.RawMessage) (int64, error) {
	r.nextID++
	return r.nextID, nil
}

func (r *clusterResults) SaveClusters(_ context.Context, _ store.DBTX, id int64, _ *dataset.Matrix, c *algorithm.ClusterResult) error {
	r.clusters[id] = c
	return nil
}

func TestCycleWithKMeans(t *testing.T) {
	data := matrixData{m: &dataset.Matrix{
		Points:     [][]float64{{0, 0}, {0.1, 0.2}, {0.2, 0.1}, {5, 5}, {5.1, 5.2}, {4.9, 5.1}},
		PointIDs:   []int64{1, 2, 3, 4, 5, 6},
		FeatureIDs: []int64{1, 2},
		Names:      []string{"a", "b"},
	}}
	results := &clusterResults{nextID: 20, clusters: map[int64]*algorithm.ClusterResult{}}
	deps := algorithm.Deps{Data: data, Results: results}
	dispatcher := &executor.Dispatcher{
		Models: &executor.ModelExecutor{
			Registry: registry.NewWith(map[string]algorithm.Unit{registry.KMeans: &algorithm.KMeans{Deps: deps}}),
		},
	}

	st := newFakeStore()
	st.add(
		model.CreateModelTask{ID: 1, SourceID: 1, Algorithm: registry.KMeans, Parameters: json.RawMessage(`{"n_clusters": 2}`)},
		model.CreateModelTask{ID: 2, SourceID: 1, Algorithm: registry.KMeans, Parameters: json.RawMessage(`{"n_clusters": 1}`)},
		model.CreateModelTask{ID: 3, SourceID: 1, Algorithm: "svm"},
	)

	sum := newScheduler(st, dispatcher).RunCycle(context.Background())

	assert.Equal(t, model.TaskDone, st.state(model.KindCreateModel, 1))
	assert.EqualValues(t, 21, st.bound[taskKey{model.KindCreateModel, 1}])
	require.Contains(t, results.clusters, int64(21))
	assert.Equal(t, 2, results.clusters[21].K)

	assert.Equal(t, model.TaskFailed, st.state(model.KindCreateModel, 2))
	assert.Equal(t, model.TaskFailed, st.state(model.KindCreateModel, 3))
	require.Len(t, sum.Errors, 2)
	assert.Contains(t, sum.Errors[0], "invalid input in task 2")
	assert.Contains(t, sum.Errors[1], "unsupported algorithm in task 3")
}
