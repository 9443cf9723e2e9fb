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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"grafanamlworker/src/algorithm"
	"grafanamlworker/src/config"
	"grafanamlworker/src/containerization"
	"grafanamlworker/src/dataset"
	"grafanamlworker/src/executor"
	"grafanamlworker/src/logging"
	"grafanamlworker/src/migrate"
	"grafanamlworker/src/notify"
	"grafanamlworker/src/processor"
	"grafanamlworker/src/provisioner"
	"grafanamlworker/src/registry"
	"grafanamlworker/src/store"
	"grafanamlworker/src/summary"
)

var errLocked = errors.New("another worker holds the task lock")

func main() {
	app := &cli.App{
		Name:  "grafanaml-worker",
		Usage: "runs pending model and source tasks for the Grafana ML plugin",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run one task cycle and exit",
				Action: runOnce,
			},
			{
				Name:   "serve",
				Usage:  "run cycles on database notifications and a fallback timer, with the status API",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create the worker tables",
				Action: migrateDB,
			},
			{
				Name:  "recover",
				Usage: "mark tasks stuck in running as failed",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "older-than", Usage: "overrides STALE_RUNNING_AFTER"},
				},
				Action: recoverTasks,
			},
		},
		DefaultCommand: "run",
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logging.Log(err.Error(), slog.LevelError)
		stop()
		os.Exit(1)
	}
}

// worker is everything a command needs, wired from the config.
type worker struct {
	cfg       *config.Config
	db        *store.DB
	tasks     *store.Tasks
	scheduler *processor.Scheduler
	sandbox   *containerization.Sandbox
	stats     *logging.WorkerStats
	shutdown  func(context.Context) error
}

func setup(ctx context.Context) (*worker, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to setup OTel SDK: %w", err)
	}

	db, err := store.Open(cfg.ConnString())
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx, db, 5, 2*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	w := &worker{
		cfg:      cfg,
		db:       db,
		tasks:    store.NewTasks(db),
		stats:    logging.NewWorkerStats(uuid.NewString()),
		shutdown: otelShutdown,
	}

	deps := algorithm.Deps{
		Data:    dataset.SQL{},
		Results: algorithm.SQLResults{},
		Scripts: algorithm.ScriptsFromDir(cfg.ScriptsDir),
	}
	if cfg.SandboxEnabled {
		sb, err := containerization.NewSandbox(ctx, containerization.Options{
			Image:       cfg.ContainerImage,
			MemoryMB:    cfg.ContainerMemoryMB,
			CPULimit:    cfg.ContainerCPULimit,
			IdleTimeout: cfg.ContainerIdleTimeout,
		})
		if err != nil {
			logging.Log(fmt.Sprintf("Sandbox unavailable, script algorithms will fail: %v", err), slog.LevelWarn)
		} else {
			if err := sb.PullImage(ctx); err != nil {
				logging.Log(fmt.Sprintf("Warning: %v. Execution might fail if the image is not present locally.", err), slog.LevelWarn)
			}
			w.sandbox = sb
			deps.Runner = sb
		}
	}

	n := notify.New(cfg.Notifier)
	w.scheduler = &processor.Scheduler{
		Gateway: w.tasks,
		DB:      db,
		Executor: &executor.Dispatcher{
			Models:  &executor.ModelExecutor{Registry: registry.New(deps), Index: algorithm.SQLResults{}},
			Sources: &executor.SourceExecutor{Provisioner: provisioner.New(cfg.SourceRowLimit)},
		},
		Notifier:             n,
		Aggregator:           summary.NewAggregator(cfg.SummaryDir, n, cfg.GeneralNotifications),
		TaskNotifications:    cfg.TaskNotifications,
		GeneralNotifications: cfg.GeneralNotifications,
		GenerateSummary:      cfg.GenerateSummary,
		StaleAfter:           cfg.StaleRunningAfter,
		Stats:                w.stats,
	}
	return w, nil
}

func (w *worker) Close() {
	if w.sandbox != nil {
		if err := w.sandbox.Close(); err != nil {
			logging.Log(fmt.Sprintf("Error closing sandbox: %v", err), slog.LevelWarn)
		}
	}
	if err := w.db.Close(); err != nil {
		logging.Log(fmt.Sprintf("Error closing database: %v", err), slog.LevelWarn)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
	}
}

func (w *worker) lock(ctx context.Context) (func(), error) {
	release, ok, err := store.TryLock(ctx, w.db)
	if err != nil {
		return nil, fmt.Errorf("take task lock: %w", err)
	}
	if !ok {
		return nil, errLocked
	}
	return release, nil
}

// withLock runs fn while holding the task lock.
func (w *worker) withLock(ctx context.Context, fn func() error) error {
	release, err := w.lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// recoverStale fails tasks stuck in running. It holds the task lock, so a task
// a running cycle is still executing is never touched.
func (w *worker) recoverStale(ctx context.Context) (int64, error) {
	var n int64
	err := w.withLock(ctx, func() error {
		var rerr error
		n, rerr = w.scheduler.Recover(ctx)
		return rerr
	})
	return n, err
}

func runOnce(c *cli.Context) error {
	w, err := setup(c.Context)
	if err != nil {
		return err
	}
	defer w.Close()

	err = w.withLock(c.Context, func() error {
		sum := w.scheduler.RunCycle(c.Context)
		logging.Log(sum.Message(), slog.LevelInfo)
		return nil
	})
	if errors.Is(err, errLocked) {
		logging.Log("Another worker is running a cycle, skipping", slog.LevelInfo)
		return nil
	}
	return err
}

func serve(c *cli.Context) error {
	ctx := c.Context
	w, err := setup(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	release, err := w.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelError)
		}
	}
	listener := pq.NewListener(w.cfg.ConnString(), 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(w.cfg.NotifyChannel); err != nil {
		return fmt.Errorf("listen on %s: %w", w.cfg.NotifyChannel, err)
	}
	defer listener.Close()

	go func() {
		if err := StartAPIServer(ctx, w.cfg.APIPort, w.tasks, w.stats); err != nil {
			logging.Log(err.Error(), slog.LevelError)
		}
	}()
	if w.sandbox != nil {
		go w.sandbox.RunReaper(ctx)
	}

	ticker := time.NewTicker(w.cfg.PollingInterval)
	defer ticker.Stop()

	logging.Log("Worker started. Waiting for tasks (LISTEN/NOTIFY + Fallback Polling)...", slog.LevelInfo)
	w.scheduler.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
			return nil
		case <-ticker.C:
			w.scheduler.RunCycle(ctx)
		case <-listener.Notify:
			logging.Log("Received notification, checking for tasks...", slog.LevelInfo)
			w.scheduler.RunCycle(ctx)
			ticker.Reset(w.cfg.PollingInterval)
		}
	}
}

func migrateDB(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.ConnString())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Ping(c.Context, db, 5, 2*time.Second); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := migrate.Run(c.Context, db); err != nil {
		return err
	}
	logging.Log("Schema is up to date", slog.LevelInfo)
	return nil
}

func recoverTasks(c *cli.Context) error {
	w, err := setup(c.Context)
	if err != nil {
		return err
	}
	defer w.Close()

	if c.IsSet("older-than") {
		w.scheduler.StaleAfter = c.Duration("older-than")
	}
	if w.scheduler.StaleAfter <= 0 {
		return errors.New("stale recovery is disabled: set STALE_RUNNING_AFTER or --older-than")
	}
	n, err := w.recoverStale(c.Context)
	if errors.Is(err, errLocked) {
		return fmt.Errorf("%w: stop the running worker before recovering tasks", err)
	}
	if err != nil {
		return err
	}
	logging.Log(fmt.Sprintf("%d stale tasks marked as failed", n), slog.LevelInfo)
	return nil
}
