// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/historian/services/ingest/chain"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
	"github.com/AleutianAI/historian/services/ingest/publisher"
	"github.com/AleutianAI/historian/services/ingest/recovery"
	"github.com/AleutianAI/historian/services/ingest/registry"
	"github.com/AleutianAI/historian/services/ingest/shadow"
	"github.com/AleutianAI/historian/services/ingest/telemetry"
)

// fakeAPI implements ControlAPI for handler tests.
type fakeAPI struct {
	publishReceipt publisher.Receipt
	publishErr     error
	published      []datatypes.DataPointBatch
	backfills      []string

	health HealthReport

	recoverReport recovery.Report
	recoverErr    error
	recovered     []string

	checkpointEntry chain.Entry
	checkpointErr   error

	points    []datatypes.Point
	pointsErr error
	filter    registry.ListFilter

	entries []chain.Entry
	gaps    []chain.Gap
	stats   shadow.Stats

	stopped bool
}

func (f *fakeAPI) PublishBatch(ctx context.Context, batch datatypes.DataPointBatch, backfill bool) (publisher.Receipt, error) {
	f.published = append(f.published, batch)
	if backfill {
		f.backfills = append(f.backfills, batch.BatchID)
	}
	return f.publishReceipt, f.publishErr
}

func (f *fakeAPI) Health(ctx context.Context) HealthReport { return f.health }

func (f *fakeAPI) MetricsSnapshot() telemetry.Snapshot {
	return telemetry.Snapshot{BatchesProcessed: 7}
}

func (f *fakeAPI) Recover(ctx context.Context, source string) (recovery.Report, error) {
	f.recovered = append(f.recovered, source)
	return f.recoverReport, f.recoverErr
}

func (f *fakeAPI) Checkpoint(ctx context.Context, source, reason string) (chain.Entry, error) {
	return f.checkpointEntry, f.checkpointErr
}

func (f *fakeAPI) ListPoints(ctx context.Context, filter registry.ListFilter) ([]datatypes.Point, error) {
	f.filter = filter
	return f.points, f.pointsErr
}

func (f *fakeAPI) ChainEntries(ctx context.Context, source string, fromSeq int64, limit int) ([]chain.Entry, error) {
	return f.entries, nil
}

func (f *fakeAPI) ListGaps(ctx context.Context, source string) ([]chain.Gap, error) {
	return f.gaps, nil
}

func (f *fakeAPI) ShadowStats(ctx context.Context) (shadow.Stats, error) {
	return f.stats, nil
}

func (f *fakeAPI) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func newTestRouter(api ControlAPI) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(api, nil))
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlePublish(t *testing.T) {
	t.Run("accepts a valid batch", func(t *testing.T) {
		api := &fakeAPI{publishReceipt: publisher.Receipt{
			BatchID: "b1", ShadowID: "s1", Sequence: 1, Published: true,
		}}
		router := newTestRouter(api)

		body := `{"batchId":"b1","dataSourceId":"src1","createdAt":"2025-01-01T00:00:00Z",
		          "points":[{"pointName":"TEMP","timestamp":"2025-01-01T00:00:00Z","value":21.5,"quality":"good"}]}`
		rec := doRequest(router, http.MethodPost, "/v1/ingest/publish", body)

		require.Equal(t, http.StatusAccepted, rec.Code)
		var receipt publisher.Receipt
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
		assert.True(t, receipt.Published)

		require.Len(t, api.published, 1)
		assert.Equal(t, "b1", api.published[0].BatchID)
		assert.Equal(t, "src1", api.published[0].DataSourceID)
		require.Len(t, api.published[0].Points, 1)
		assert.Equal(t, datatypes.QualityGood, api.published[0].Points[0].Quality)
	})

	t.Run("generates a batch id when omitted", func(t *testing.T) {
		api := &fakeAPI{publishReceipt: publisher.Receipt{Published: true}}
		router := newTestRouter(api)

		rec := doRequest(router, http.MethodPost, "/v1/ingest/publish",
			`{"dataSourceId":"src1","points":[]}`)

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, api.published, 1)
		assert.NotEmpty(t, api.published[0].BatchID)
	})

	t.Run("routes backfill batches to the backfill topic", func(t *testing.T) {
		api := &fakeAPI{publishReceipt: publisher.Receipt{Published: true}}
		router := newTestRouter(api)

		rec := doRequest(router, http.MethodPost, "/v1/ingest/publish",
			`{"batchId":"b9","dataSourceId":"src1","backfill":true}`)

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"b9"}, api.backfills)
	})

	t.Run("rejects a missing data source", func(t *testing.T) {
		router := newTestRouter(&fakeAPI{})
		rec := doRequest(router, http.MethodPost, "/v1/ingest/publish", `{"batchId":"b1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("deferred publish still returns the receipt", func(t *testing.T) {
		api := &fakeAPI{
			publishReceipt: publisher.Receipt{BatchID: "b1", ShadowID: "s1"},
			publishErr:     faults.Transientf("broker unreachable"),
		}
		router := newTestRouter(api)

		rec := doRequest(router, http.MethodPost, "/v1/ingest/publish",
			`{"batchId":"b1","dataSourceId":"src1"}`)

		require.Equal(t, http.StatusAccepted, rec.Code)
		var receipt publisher.Receipt
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
		assert.False(t, receipt.Published)
		assert.Equal(t, "s1", receipt.ShadowID)
	})

	t.Run("shadow write failure is 503", func(t *testing.T) {
		api := &fakeAPI{publishErr: faults.Transientf("disk full")}
		router := newTestRouter(api)

		rec := doRequest(router, http.MethodPost, "/v1/ingest/publish",
			`{"batchId":"b1","dataSourceId":"src1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy service returns 200", func(t *testing.T) {
		api := &fakeAPI{health: HealthReport{
			Status: "ok", PipelineState: "running",
			Checks: map[string]string{"registry": "ok"},
		}}
		rec := doRequest(newTestRouter(api), http.MethodGet, "/v1/ingest/health", "")

		require.Equal(t, http.StatusOK, rec.Code)
		var report HealthReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.True(t, report.Healthy())
	})

	t.Run("degraded service returns 503", func(t *testing.T) {
		now := time.Now().UTC()
		api := &fakeAPI{health: HealthReport{
			Status: "degraded", PipelineState: "faulted",
			Checks:      map[string]string{"timeseries": "connection refused"},
			LastError:   "influx write: connection refused",
			LastErrorAt: &now,
			RecentError: true,
		}}
		rec := doRequest(newTestRouter(api), http.MethodGet, "/v1/ingest/health", "")

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var report HealthReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.True(t, report.RecentError)
	})
}

func TestHandleMetrics(t *testing.T) {
	rec := doRequest(newTestRouter(&fakeAPI{}), http.MethodGet, "/v1/ingest/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap telemetry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(7), snap.BatchesProcessed)
}

func TestHandleRecover(t *testing.T) {
	t.Run("scans one source when given", func(t *testing.T) {
		api := &fakeAPI{recoverReport: recovery.Report{SourcesScanned: 1, GapsRecovered: 1}}
		router := newTestRouter(api)

		rec := doRequest(router, http.MethodPost, "/v1/ingest/recover", `{"dataSourceId":"src1"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"src1"}, api.recovered)
	})

	t.Run("empty body scans all sources", func(t *testing.T) {
		api := &fakeAPI{}
		rec := doRequest(newTestRouter(api), http.MethodPost, "/v1/ingest/recover", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{""}, api.recovered)
	})

	t.Run("scan failure is 500", func(t *testing.T) {
		api := &fakeAPI{recoverErr: faults.Transientf("badger closed")}
		rec := doRequest(newTestRouter(api), http.MethodPost, "/v1/ingest/recover", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandleCheckpoint(t *testing.T) {
	t.Run("creates a checkpoint entry", func(t *testing.T) {
		api := &fakeAPI{checkpointEntry: chain.Entry{
			Sequence: 12, Kind: chain.KindCheckpoint, BatchID: "maintenance",
		}}
		rec := doRequest(newTestRouter(api), http.MethodPost, "/v1/ingest/checkpoint",
			`{"dataSourceId":"src1","reason":"maintenance"}`)

		require.Equal(t, http.StatusCreated, rec.Code)
		var entry chain.Entry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
		assert.Equal(t, chain.KindCheckpoint, entry.Kind)
	})

	t.Run("requires source and reason", func(t *testing.T) {
		rec := doRequest(newTestRouter(&fakeAPI{}), http.MethodPost, "/v1/ingest/checkpoint",
			`{"dataSourceId":"src1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleListPoints(t *testing.T) {
	api := &fakeAPI{points: []datatypes.Point{{Name: "TEMP", SequenceID: 1}}}
	rec := doRequest(newTestRouter(api), http.MethodGet,
		"/v1/ingest/points?source=src1&name=TEMP&enabled=true&limit=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "src1", api.filter.DataSourceID)
	assert.Equal(t, "TEMP", api.filter.NameContains)
	assert.True(t, api.filter.EnabledOnly)
	assert.Equal(t, 10, api.filter.Limit)
}

func TestHandleChainAndGaps(t *testing.T) {
	api := &fakeAPI{
		entries: []chain.Entry{{Sequence: 1}, {Sequence: 2}},
		gaps:    []chain.Gap{{FirstMissing: 6, LastMissing: 6, Status: chain.GapDetected}},
	}
	router := newTestRouter(api)

	rec := doRequest(router, http.MethodGet, "/v1/ingest/chain/src1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	rec = doRequest(router, http.MethodGet, "/v1/ingest/gaps/src1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"firstMissing":6`)
}

func TestHandleStop(t *testing.T) {
	api := &fakeAPI{}
	rec := doRequest(newTestRouter(api), http.MethodPost, "/v1/ingest/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, api.stopped)
}
