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
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "go.opentelemetry.io/otel/grafanaml/worker"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	countersOnce sync.Once
	counters     map[string]metric.Int64Counter
)

func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

// LogContext logs with the span of ctx attached, plus any extra attributes.
func LogContext(ctx context.Context, level slog.Level, content string, attrs ...any) {
	logger.Log(ctx, level, content, attrs...)
}

func InitializeCounter(name, description, unit string) (metric.Int64Counter, error) {
	counter, err := meter.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	return counter, nil
}

const (
	MetricTasksTotal     = "worker_tasks_total"
	MetricTasksSucceeded = "worker_tasks_succeeded"
	MetricTasksFailed    = "worker_tasks_failed"
	MetricCyclesTotal    = "worker_cycles_total"
	MetricStaleRecovered = "worker_stale_tasks_recovered"
)

func initCounters() {
	defs := []struct{ name, description, unit string }{
		{MetricTasksTotal, "Total number of tasks picked up by the worker", "{task}"},
		{MetricTasksSucceeded, "Number of tasks that ended done", "{task}"},
		{MetricTasksFailed, "Number of tasks that ended failed", "{task}"},
		{MetricCyclesTotal, "Number of poll cycles run", "{cycle}"},
		{MetricStaleRecovered, "Number of stale running tasks marked failed", "{task}"},
	}
	counters = make(map[string]metric.Int64Counter, len(defs))
	for _, d := range defs {
		if c, err := InitializeCounter(d.name, d.description, d.unit); err == nil {
			counters[d.name] = c
		}
	}
}

// Count adds n to one of the Metric* counters.
func Count(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) {
	countersOnce.Do(initCounters)
	if c, ok := counters[name]; ok {
		c.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func UpdateSpanValue(ctx context.Context, key string, value float64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64(key, value))
}
