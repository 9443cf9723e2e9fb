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

package logging

import (
	"sync"
	"time"
)

// CycleReport describes the last finished poll cycle.
type CycleReport struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

// StatusResponse for JSON output
type StatusResponse struct {
	ID               string       `json:"id"`
	StartTime        time.Time    `json:"start_time"`
	Uptime           string       `json:"uptime"`
	Cycles           uint64       `json:"cycles"`
	TasksProcessed   uint64       `json:"tasks_processed"`
	TasksSuccessful  uint64       `json:"tasks_successful"`
	TasksFailed      uint64       `json:"tasks_failed"`
	DatabaseFailures uint64       `json:"database_failures"`
	CurrentTask      string       `json:"current_task,omitempty"`
	LastCycle        *CycleReport `json:"last_cycle,omitempty"`
}

// WorkerStats tracks the internal state of the worker. A nil *WorkerStats is
// valid and records nothing.
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// TaskStarted sets the task shown as current, e.g. "create_model#12".
func (s *WorkerStats) TaskStarted(current string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed++
	s.statusResponse.CurrentTask = current
}

func (s *WorkerStats) TaskFinished(success bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.statusResponse.TasksSuccessful++
	} else {
		s.statusResponse.TasksFailed++
	}
	s.statusResponse.CurrentTask = ""
}

func (s *WorkerStats) DatabaseFailure() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.DatabaseFailures++
}

func (s *WorkerStats) CycleFinished(r CycleReport) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.Cycles++
	s.statusResponse.LastCycle = &r
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	if resp.LastCycle != nil {
		last := *resp.LastCycle
		resp.LastCycle = &last
	}
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
