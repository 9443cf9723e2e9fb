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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerStatsCounts(t *testing.T) {
	s := NewWorkerStats("w1")
	s.TaskStarted("create_model#1")
	assert.Equal(t, "create_model#1", s.GetStats().CurrentTask)
	s.TaskFinished(true)
	s.TaskStarted("create_model#2")
	s.TaskFinished(false)
	s.DatabaseFailure()
	s.CycleFinished(CycleReport{ID: "c1", StartedAt: time.Now(), Succeeded: 1, Failed: 1})

	got := s.GetStats()
	assert.Equal(t, "w1", got.ID)
	assert.EqualValues(t, 2, got.TasksProcessed)
	assert.EqualValues(t, 1, got.TasksSuccessful)
	assert.EqualValues(t, 1, got.TasksFailed)
	assert.EqualValues(t, 1, got.DatabaseFailures)
	assert.EqualValues(t, 1, got.Cycles)
	assert.Empty(t, got.CurrentTask)
	require.NotNil(t, got.LastCycle)
	assert.Equal(t, "c1", got.LastCycle.ID)
}

func TestNilWorkerStatsIsNoop(t *testing.T) {
	var s *WorkerStats
	assert.NotPanics(t, func() {
		s.TaskStarted("x")
		s.TaskFinished(true)
		s.DatabaseFailure()
		s.CycleFinished(CycleReport{})
	})
}
