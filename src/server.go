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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"grafanamlworker/src/logging"
	"grafanamlworker/src/model"
)

// TaskCounter reports how many tasks of each kind sit in each state.
type TaskCounter interface {
	Counts(ctx context.Context) (map[model.TaskKind]map[model.TaskState]int, error)
}

// KindStats is the per-kind breakdown of /global-status.
type KindStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Eliminated int `json:"eliminated"`
}

// GlobalStats represents system-wide task counts
type GlobalStats struct {
	Kinds   map[model.TaskKind]KindStats `json:"kinds"`
	Pending int                          `json:"pending_tasks"`
	Running int                          `json:"running_tasks"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	tasks TaskCounter
	stats *logging.WorkerStats
}

func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/global-status", s.globalStatusHandler)
	return otelhttp.NewHandler(mux, "worker-api-server")
}

// StartAPIServer serves the status API until ctx is cancelled.
func StartAPIServer(ctx context.Context, port string, tasks TaskCounter, stats *logging.WorkerStats) error {
	srv := &APIServer{tasks: tasks, stats: stats}
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	counts, err := s.tasks.Counts(r.Context())
	if err != nil {
		logging.Log(fmt.Sprintf("Error counting tasks: %v", err), slog.LevelError)
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}

	gs := GlobalStats{Kinds: make(map[model.TaskKind]KindStats, len(model.Kinds))}
	for _, kind := range model.Kinds {
		byState := counts[kind]
		ks := KindStats{
			Pending:    byState[model.TaskPending],
			Running:    byState[model.TaskRunning],
			Done:       byState[model.TaskDone],
			Failed:     byState[model.TaskFailed],
			Eliminated: byState[model.TaskEliminated],
		}
		for _, n := range byState {
			ks.Total += n
		}
		gs.Kinds[kind] = ks
		gs.Pending += ks.Pending
		gs.Running += ks.Running
	}

	_ = json.NewEncoder(w).Encode(gs)
}
