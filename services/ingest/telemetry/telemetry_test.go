// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Snapshot(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()
	ctx := context.Background()

	m.BatchProcessed(ctx, 10, 25*time.Millisecond)
	m.BatchProcessed(ctx, 5, 10*time.Millisecond)
	m.BatchSkipped(ctx)
	m.NonFiniteDropped(ctx, 2)
	m.UnresolvedPoints(ctx, 1)
	m.TransientRetry(ctx)
	m.NonRetryableError(ctx)
	m.DeadLettered(ctx)
	m.CurrentValueError(ctx)
	m.GapDetected(ctx, 3)
	m.GapRecovered(ctx)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.BatchesProcessed)
	assert.Equal(t, int64(15), snap.PointsWritten)
	assert.Equal(t, int64(1), snap.BatchesSkipped)
	assert.Equal(t, int64(2), snap.NonFiniteDropped)
	assert.Equal(t, int64(1), snap.UnresolvedPoints)
	assert.Equal(t, int64(1), snap.TransientRetries)
	assert.Equal(t, int64(1), snap.NonRetryable)
	assert.Equal(t, int64(1), snap.DeadLettered)
	assert.Equal(t, int64(1), snap.CurValErrors)
	assert.Equal(t, int64(3), snap.GapsDetected)
	assert.Equal(t, int64(1), snap.GapsRecovered)
	assert.False(t, snap.TakenAt.IsZero())
}

func TestMetrics_ZeroIncrementsAreNoops(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()
	ctx := context.Background()

	m.NonFiniteDropped(ctx, 0)
	m.UnresolvedPoints(ctx, 0)
	m.GapDetected(ctx, 0)

	snap := m.Snapshot()
	assert.Equal(t, int64(0), snap.NonFiniteDropped)
	assert.Equal(t, int64(0), snap.UnresolvedPoints)
	assert.Equal(t, int64(0), snap.GapsDetected)
}

func TestMetrics_PrometheusHandler(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	m.BatchProcessed(context.Background(), 10, 25*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "historian_batches_processed_total")
	assert.Contains(t, string(body), "historian_batch_duration_seconds")
}
