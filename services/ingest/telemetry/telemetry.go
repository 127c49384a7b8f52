// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes ingestion metrics via OpenTelemetry with a
// Prometheus exporter, plus an in-process snapshot the pipeline mirrors
// to Redis for the control API.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Snapshot is the point-in-time counter view published to Redis and
// served by the control API.
type Snapshot struct {
	BatchesProcessed int64 `json:"batchesProcessed"`
	BatchesSkipped   int64 `json:"batchesSkipped"`
	PointsWritten    int64 `json:"pointsWritten"`
	NonFiniteDropped int64 `json:"nonFiniteDropped"`
	UnresolvedPoints int64 `json:"unresolvedPoints"`
	TransientRetries int64 `json:"transientRetries"`
	NonRetryable     int64 `json:"nonRetryable"`
	DeadLettered     int64 `json:"deadLettered"`
	CurValErrors     int64 `json:"curValErrors"`
	GapsDetected     int64 `json:"gapsDetected"`
	GapsRecovered    int64 `json:"gapsRecovered"`

	TakenAt time.Time `json:"takenAt"`
}

// Metrics holds the ingestion instruments.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	batchesProcessed metric.Int64Counter
	batchesSkipped   metric.Int64Counter
	pointsWritten    metric.Int64Counter
	nonFiniteDropped metric.Int64Counter
	unresolvedPoints metric.Int64Counter
	transientRetries metric.Int64Counter
	nonRetryable     metric.Int64Counter
	deadLettered     metric.Int64Counter
	curValErrors     metric.Int64Counter
	gapsDetected     metric.Int64Counter
	gapsRecovered    metric.Int64Counter
	batchDuration    metric.Float64Histogram

	// Atomic mirrors back the Redis snapshot; OTel counters cannot be
	// read back in-process.
	snap struct {
		batchesProcessed atomic.Int64
		batchesSkipped   atomic.Int64
		pointsWritten    atomic.Int64
		nonFiniteDropped atomic.Int64
		unresolvedPoints atomic.Int64
		transientRetries atomic.Int64
		nonRetryable     atomic.Int64
		deadLettered     atomic.Int64
		curValErrors     atomic.Int64
		gapsDetected     atomic.Int64
		gapsRecovered    atomic.Int64
	}
}

// New builds the instruments on a dedicated Prometheus registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("historian/ingest")

	m := &Metrics{provider: provider, registry: registry}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.batchesProcessed, "historian_batches_processed_total", "Batches durably applied."},
		{&m.batchesSkipped, "historian_batches_skipped_total", "Batches skipped as duplicates."},
		{&m.pointsWritten, "historian_points_written_total", "Samples written to the time-series store."},
		{&m.nonFiniteDropped, "historian_nonfinite_dropped_total", "Samples dropped for NaN or Inf values."},
		{&m.unresolvedPoints, "historian_unresolved_points_total", "Samples whose point could not be resolved."},
		{&m.transientRetries, "historian_transient_retries_total", "Batch processing retries after transient faults."},
		{&m.nonRetryable, "historian_nonretryable_errors_total", "Batches rejected with permanent faults."},
		{&m.deadLettered, "historian_dead_lettered_total", "Messages sent to the dead-letter topic."},
		{&m.curValErrors, "historian_current_value_errors_total", "Current-value cache updates that failed."},
		{&m.gapsDetected, "historian_gaps_detected_total", "Chain gaps detected."},
		{&m.gapsRecovered, "historian_gaps_recovered_total", "Chain gaps fully recovered."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	m.batchDuration, err = meter.Float64Histogram(
		"historian_batch_duration_seconds",
		metric.WithDescription("End-to-end processing time per batch."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch duration histogram: %w", err)
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) BatchProcessed(ctx context.Context, points int, duration time.Duration) {
	m.batchesProcessed.Add(ctx, 1)
	m.pointsWritten.Add(ctx, int64(points))
	m.batchDuration.Record(ctx, duration.Seconds())
	m.snap.batchesProcessed.Add(1)
	m.snap.pointsWritten.Add(int64(points))
}

func (m *Metrics) BatchSkipped(ctx context.Context) {
	m.batchesSkipped.Add(ctx, 1)
	m.snap.batchesSkipped.Add(1)
}

func (m *Metrics) NonFiniteDropped(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	m.nonFiniteDropped.Add(ctx, int64(n))
	m.snap.nonFiniteDropped.Add(int64(n))
}

func (m *Metrics) UnresolvedPoints(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	m.unresolvedPoints.Add(ctx, int64(n))
	m.snap.unresolvedPoints.Add(int64(n))
}

func (m *Metrics) TransientRetry(ctx context.Context) {
	m.transientRetries.Add(ctx, 1)
	m.snap.transientRetries.Add(1)
}

func (m *Metrics) NonRetryableError(ctx context.Context) {
	m.nonRetryable.Add(ctx, 1)
	m.snap.nonRetryable.Add(1)
}

func (m *Metrics) DeadLettered(ctx context.Context) {
	m.deadLettered.Add(ctx, 1)
	m.snap.deadLettered.Add(1)
}

func (m *Metrics) CurrentValueError(ctx context.Context) {
	m.curValErrors.Add(ctx, 1)
	m.snap.curValErrors.Add(1)
}

func (m *Metrics) GapDetected(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	m.gapsDetected.Add(ctx, int64(n))
	m.snap.gapsDetected.Add(int64(n))
}

func (m *Metrics) GapRecovered(ctx context.Context) {
	m.gapsRecovered.Add(ctx, 1)
	m.snap.gapsRecovered.Add(1)
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		BatchesProcessed: m.snap.batchesProcessed.Load(),
		BatchesSkipped:   m.snap.batchesSkipped.Load(),
		PointsWritten:    m.snap.pointsWritten.Load(),
		NonFiniteDropped: m.snap.nonFiniteDropped.Load(),
		UnresolvedPoints: m.snap.unresolvedPoints.Load(),
		TransientRetries: m.snap.transientRetries.Load(),
		NonRetryable:     m.snap.nonRetryable.Load(),
		DeadLettered:     m.snap.deadLettered.Load(),
		CurValErrors:     m.snap.curValErrors.Load(),
		GapsDetected:     m.snap.gapsDetected.Load(),
		GapsRecovered:    m.snap.gapsRecovered.Load(),
		TakenAt:          time.Now().UTC(),
	}
}
