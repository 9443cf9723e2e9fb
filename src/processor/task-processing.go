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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"grafanamlworker/src/executor"
	"grafanamlworker/src/logging"
	"grafanamlworker/src/model"
	"grafanamlworker/src/store"
	"grafanamlworker/src/summary"
)

// Executor runs one task inside db and returns the id it produced or removed.
type Executor interface {
	Run(ctx context.Context, db store.DBTX, task model.Task) (int64, error)
}

type Notifier interface {
	Send(title, message string, duration time.Duration)
}

// Scheduler drives one poll cycle at a time over the four task kinds.
type Scheduler struct {
	Gateway    store.TaskGateway
	DB         store.Beginner
	Executor   Executor
	Notifier   Notifier
	Aggregator *summary.Aggregator

	TaskNotifications    bool
	GeneralNotifications bool
	GenerateSummary      bool

	// StaleAfter fails running tasks older than this at cycle start. Zero disables it.
	StaleAfter time.Duration
	Stats      *logging.WorkerStats
	Now        func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RunCycle processes every pending task once, in kind order. A failing task
// never stops the cycle; its error ends up in the returned summary.
func (s *Scheduler) RunCycle(ctx context.Context) *summary.Summary {
	cycleID := uuid.NewString()
	started := s.now()
	ctx, span := logging.StartSpan(ctx, "cycle", attribute.String("cycle.id", cycleID))
	defer span.End()

	logging.Count(ctx, logging.MetricCyclesTotal, 1)
	logging.LogContext(ctx, slog.LevelInfo, "Starting task cycle", "cycle_id", cycleID)

	if s.StaleAfter > 0 {
		if _, err := s.Recover(ctx); err != nil {
			s.Stats.DatabaseFailure()
		}
	}
	if s.GeneralNotifications {
		s.notify("Task scheduler", "Checking for pending tasks...", 3*time.Second)
	}

	sum := &summary.Summary{}
kinds:
	for _, kind := range model.Kinds {
		if ctx.Err() != nil {
			break
		}
		tasks, err := s.Gateway.FetchPending(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logging.Log(fmt.Sprintf("Error fetching pending %s tasks: %v", kind, err), slog.LevelError)
			s.Stats.DatabaseFailure()
			sum.Fail(fmt.Sprintf("error fetching pending %s tasks: %v", kind, err))
			continue
		}
		for _, task := range tasks {
			// Cancellation is only honored between tasks; tasks not started stay pending.
			if ctx.Err() != nil {
				break kinds
			}
			s.process(context.WithoutCancel(ctx), task, sum)
		}
	}
	if ctx.Err() != nil {
		logging.LogContext(ctx, slog.LevelWarn, "Task cycle stopped early, remaining tasks stay pending", "cycle_id", cycleID)
	}

	report := logging.CycleReport{
		ID:        cycleID,
		StartedAt: started,
		Duration:  s.now().Sub(started).String(),
		Succeeded: sum.Succeeded(),
		Failed:    len(sum.Errors),
	}
	s.Stats.CycleFinished(report)
	span.SetAttributes(attribute.Int("cycle.succeeded", report.Succeeded), attribute.Int("cycle.failed", report.Failed))
	logging.LogContext(ctx, slog.LevelInfo, "Task cycle finished", "cycle_id", cycleID,
		"succeeded", report.Succeeded, "failed", report.Failed)

	if s.GenerateSummary && s.Aggregator != nil {
		s.Aggregator.Process(sum)
	}
	return sum
}

// Recover marks tasks stuck in running as failed.
func (s *Scheduler) Recover(ctx context.Context) (int64, error) {
	n, err := s.Gateway.RecoverStale(ctx, s.StaleAfter)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering stale tasks: %v", err), slog.LevelError)
		return n, err
	}
	if n > 0 {
		logging.Count(ctx, logging.MetricStaleRecovered, n)
		logging.Log(fmt.Sprintf("Recovered %d stale tasks (marked as failed)", n), slog.LevelInfo)
	}
	return n, nil
}

// process runs one task to done or failed. ctx must not be cancellable: a task
// that has been marked running always reaches a final state.
func (s *Scheduler) process(ctx context.Context, task model.Task, sum *summary.Summary) {
	kind, id := task.Kind(), task.TaskID()
	kindAttr := attribute.String("kind", string(kind))
	ctx, span := logging.StartSpan(ctx, "task", kindAttr, attribute.Int64("task.id", id))
	defer span.End()

	logging.Count(ctx, logging.MetricTasksTotal, 1, kindAttr)
	s.Stats.TaskStarted(fmt.Sprintf("%s #%d", kind, id))
	taskStart := s.now()

	if err := s.Gateway.SetState(ctx, kind, id, model.TaskRunning); err != nil {
		logging.Log(fmt.Sprintf("Error updating %s task %d to running: %v", kind, id, err), slog.LevelError)
		s.Stats.DatabaseFailure()
		s.fail(ctx, task, &executor.TaskError{Kind: executor.Store, Err: err}, sum)
		return
	}
	logging.Log(fmt.Sprintf("Processing %s task %d", kind, id), slog.LevelInfo)

	resultID, err := s.execute(ctx, task)
	logging.UpdateSpanValue(ctx, "task.duration_ms", float64(s.now().Sub(taskStart).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, task, err, sum)
		return
	}

	sum.Record(kind, resultID)
	s.Stats.TaskFinished(true)
	logging.Count(ctx, logging.MetricTasksSucceeded, 1, kindAttr)
	logging.Log(fmt.Sprintf("Task %d (%s) completed: %s", id, kind, successMessage(kind, resultID)), slog.LevelInfo)
	if s.TaskNotifications {
		s.notify(fmt.Sprintf("✅ Task %d", id), successMessage(kind, resultID), 5*time.Second)
	}
}

// execute runs the task and its bookkeeping in one transaction. The task row
// only reaches done if everything commits.
func (s *Scheduler) execute(ctx context.Context, task model.Task) (int64, error) {
	kind, id := task.Kind(), task.TaskID()
	tx, err := s.DB.BeginTx(ctx)
	if err != nil {
		return 0, &executor.TaskError{Kind: executor.Store, Err: fmt.Errorf("begin transaction: %w", err)}
	}

	resultID, err := s.Executor.Run(ctx, tx, task)
	if err == nil {
		err = s.finish(ctx, tx, task, resultID)
	}
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Log(fmt.Sprintf("Error rolling back %s task %d: %v", kind, id, rbErr), slog.LevelError)
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &executor.TaskError{Kind: executor.Store, Err: fmt.Errorf("commit: %w", err)}
	}
	return resultID, nil
}

func (s *Scheduler) finish(ctx context.Context, tx store.DBTX, task model.Task, resultID int64) error {
	kind, id := task.Kind(), task.TaskID()
	gw := s.Gateway.WithTx(tx)
	if kind.Creates() {
		if err := gw.BindResult(ctx, kind, id, resultID); err != nil {
			return executor.Classify(err)
		}
	}
	if err := gw.SetState(ctx, kind, id, model.TaskDone); err != nil {
		return executor.Classify(err)
	}
	if !kind.Creates() {
		if err := gw.MarkOriginatingEliminated(ctx, kind, resultID); err != nil {
			return executor.Classify(err)
		}
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, task model.Task, err error, sum *summary.Summary) {
	kind, id := task.Kind(), task.TaskID()
	msg := FailureMessage(task, err)

	var result *multierror.Error
	result = multierror.Append(result, err)
	if serr := s.Gateway.SetState(ctx, kind, id, model.TaskFailed); serr != nil {
		s.Stats.DatabaseFailure()
		result = multierror.Append(result, fmt.Errorf("mark failed: %w", serr))
	}
	logging.Log(fmt.Sprintf("Task %d (%s) failed: %v", id, kind, result.ErrorOrNil()), slog.LevelError)

	sum.Fail(msg)
	s.Stats.TaskFinished(false)
	logging.Count(ctx, logging.MetricTasksFailed, 1, attribute.String("kind", string(kind)))
	if s.TaskNotifications {
		s.notify(fmt.Sprintf("❌ Task %d", id), msg, 6*time.Second)
	}
}

func (s *Scheduler) notify(title, message string, d time.Duration) {
	if s.Notifier != nil {
		s.Notifier.Send(title, message, d)
	}
}

// FailureMessage is the user-facing text for a failed task.
func FailureMessage(task model.Task, err error) string {
	id := task.TaskID()
	var te *executor.TaskError
	if !errors.As(err, &te) {
		te = executor.Classify(err)
	}
	switch te.Kind {
	case executor.UnsupportedAlgorithm:
		return fmt.Sprintf("unsupported algorithm in task %d: %v", id, te.Err)
	case executor.Validation:
		return fmt.Sprintf("invalid input in task %d: %v", id, te.Err)
	case executor.ReferentialIntegrity:
		switch task.Kind() {
		case model.KindDeleteSource:
			return fmt.Sprintf("error deleting source in task %d: it is referenced by other records; delete dependent records first", id)
		case model.KindDeleteModel:
			return fmt.Sprintf("error deleting model in task %d: it is referenced by other records; delete dependent records first", id)
		}
		return fmt.Sprintf("database error in task %d: %v", id, te.Err)
	case executor.Store:
		return fmt.Sprintf("database error in task %d: %v", id, te.Err)
	case executor.Execution:
		return fmt.Sprintf("error executing task %d: %v", id, te.Err)
	}
	return fmt.Sprintf("error executing task %d: %v", id, err)
}

func successMessage(kind model.TaskKind, id int64) string {
	switch kind {
	case model.KindCreateModel:
		return fmt.Sprintf("Model %d created", id)
	case model.KindDeleteModel:
		return fmt.Sprintf("Model %d deleted", id)
	case model.KindCreateSource:
		return fmt.Sprintf("Source %d created", id)
	case model.KindDeleteSource:
		return fmt.Sprintf("Source %d deleted", id)
	}
	return fmt.Sprintf("%s %d finished", kind, id)
}
