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

package summary

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"grafanamlworker/src/logging"
	"grafanamlworker/src/model"
)

const NothingPending = "No pending tasks to run."

// Summary collects what one cycle did. The zero value is ready to use.
type Summary struct {
	ModelsCreated  []int64
	ModelsDeleted  []int64
	SourcesCreated []int64
	SourcesDeleted []int64
	Errors         []string
}

// Record files id under the list matching kind.
func (s *Summary) Record(kind model.TaskKind, id int64) {
	switch kind {
	case model.KindCreateModel:
		s.ModelsCreated = append(s.ModelsCreated, id)
	case model.KindDeleteModel:
		s.ModelsDeleted = append(s.ModelsDeleted, id)
	case model.KindCreateSource:
		s.SourcesCreated = append(s.SourcesCreated, id)
	case model.KindDeleteSource:
		s.SourcesDeleted = append(s.SourcesDeleted, id)
	}
}

func (s *Summary) Fail(msg string) {
	s.Errors = append(s.Errors, msg)
}

func (s *Summary) Succeeded() int {
	return len(s.ModelsCreated) + len(s.ModelsDeleted) + len(s.SourcesCreated) + len(s.SourcesDeleted)
}

func (s *Summary) Message() string {
	if s.Succeeded() == 0 && len(s.Errors) == 0 {
		return NothingPending
	}
	return fmt.Sprintf("Tasks executed: %d\nErrors found: %d", s.Succeeded(), len(s.Errors))
}

// Notifier is the subset of notify.Notifier the aggregator needs.
type Notifier interface {
	Send(title, message string, duration time.Duration)
}

// Aggregator appends cycle summaries to one report file per day.
type Aggregator struct {
	Dir      string
	Notifier Notifier
	// Notify sends the summary message through Notifier after each report.
	Notify bool
	Now    func() time.Time
}

func NewAggregator(dir string, n Notifier, notify bool) *Aggregator {
	return &Aggregator{Dir: dir, Notifier: n, Notify: notify, Now: time.Now}
}

func (a *Aggregator) Path(t time.Time) string {
	return filepath.Join(a.Dir, "summary_"+t.Format("2006-01-02")+".txt")
}

// Process writes s to today's report and, when Notify is set, notifies.
// Failures are logged, never returned.
func (a *Aggregator) Process(s *Summary) {
	now := a.Now()
	if err := a.appendReport(now, s); err != nil {
		logging.Log(fmt.Sprintf("Error writing task summary: %v", err), slog.LevelError)
	}
	if a.Notify && a.Notifier != nil {
		a.Notifier.Send("Task summary", s.Message(), 10*time.Second)
	}
}

func (a *Aggregator) appendReport(now time.Time, s *Summary) error {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}
	f, err := os.OpenFile(a.Path(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open summary file: %w", err)
	}
	_, werr := f.WriteString(Format(now, s))
	return multierror.Append(werr, f.Close()).ErrorOrNil()
}

// Format renders one report block.
func Format(now time.Time, s *Summary) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("-", 60) + "\n")
	b.WriteString("Task summary run at " + now.Format("2006-01-02 15:04:05") + "\n")
	for _, line := range []struct {
		label string
		ids   []int64
	}{
		{"Models created", s.ModelsCreated},
		{"Models deleted", s.ModelsDeleted},
		{"Sources created", s.SourcesCreated},
		{"Sources deleted", s.SourcesDeleted},
	} {
		if len(line.ids) > 0 {
			b.WriteString(line.label + ": " + joinIDs(line.ids) + "\n")
		}
	}
	switch {
	case len(s.Errors) > 0:
		b.WriteString("Errors found:\n")
		for _, e := range s.Errors {
			b.WriteString(" - " + e + "\n")
		}
	case s.Succeeded() == 0:
		b.WriteString(NothingPending + "\n")
	}
	return b.String()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
