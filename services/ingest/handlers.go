// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/chain"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
	"github.com/AleutianAI/historian/services/ingest/publisher"
	"github.com/AleutianAI/historian/services/ingest/recovery"
	"github.com/AleutianAI/historian/services/ingest/registry"
	"github.com/AleutianAI/historian/services/ingest/shadow"
	"github.com/AleutianAI/historian/services/ingest/telemetry"
)

// ControlAPI is the service surface the HTTP handlers operate on.
// *Service implements it; tests substitute a fake.
type ControlAPI interface {
	PublishBatch(ctx context.Context, batch datatypes.DataPointBatch, backfill bool) (publisher.Receipt, error)
	Health(ctx context.Context) HealthReport
	MetricsSnapshot() telemetry.Snapshot
	Recover(ctx context.Context, source string) (recovery.Report, error)
	Checkpoint(ctx context.Context, source, reason string) (chain.Entry, error)
	ListPoints(ctx context.Context, filter registry.ListFilter) ([]datatypes.Point, error)
	ChainEntries(ctx context.Context, source string, fromSeq int64, limit int) ([]chain.Entry, error)
	ListGaps(ctx context.Context, source string) ([]chain.Gap, error)
	ShadowStats(ctx context.Context) (shadow.Stats, error)
	Stop(ctx context.Context) error
}

// Handlers holds the HTTP handlers of the ingestion control API.
type Handlers struct {
	api    ControlAPI
	logger *logging.Logger
}

// NewHandlers creates handlers over the given service surface.
func NewHandlers(api ControlAPI, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{api: api, logger: logger.With("component", "handlers")}
}

// HandlePublish handles POST /v1/ingest/publish.
//
// Description:
//
//	Accepts a connector batch and runs the resilient publish
//	(shadow buffer, chain entry, broker). A 202 with a receipt means
//	the batch is durable; "published": false in the receipt means the
//	broker hop is pending and recovery will replay it.
//
// Response:
//
//	202 Accepted: publisher.Receipt
//	400 Bad Request: validation error
//	503 Service Unavailable: shadow write failed; the caller must retry
func (h *Handlers) HandlePublish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	receipt, err := h.api.PublishBatch(c.Request.Context(), req.Batch(), req.Backfill)
	if err != nil {
		// A durable shadow entry means the batch is safe despite the
		// error; recovery finishes the publish.
		if receipt.ShadowID != "" {
			h.logger.Warn("publish deferred to recovery",
				"batch_id", receipt.BatchID, "error", err)
			c.JSON(http.StatusAccepted, receipt)
			return
		}
		if faults.KindOf(err) == faults.KindPermanent {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_BATCH"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "SHADOW_WRITE_FAILED"})
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

// HandleHealth handles GET /v1/ingest/health.
//
// Response:
//
//	200 OK: HealthReport (status "ok")
//	503 Service Unavailable: HealthReport (status "degraded")
func (h *Handlers) HandleHealth(c *gin.Context) {
	report := h.api.Health(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// HandleMetrics handles GET /v1/ingest/metrics: the JSON counter
// snapshot (the Prometheus endpoint lives on the metrics port).
func (h *Handlers) HandleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.api.MetricsSnapshot())
}

// HandleRecover handles POST /v1/ingest/recover.
//
// Response:
//
//	200 OK: recovery.Report
//	500 Internal Server Error: scan failed
func (h *Handlers) HandleRecover(c *gin.Context) {
	var req RecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	report, err := h.api.Recover(c.Request.Context(), req.DataSourceID)
	if err != nil {
		h.logger.Error("operator recovery failed", "source", req.DataSourceID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "RECOVERY_FAILED"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleCheckpoint handles POST /v1/ingest/checkpoint.
func (h *Handlers) HandleCheckpoint(c *gin.Context) {
	var req CheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	entry, err := h.api.Checkpoint(c.Request.Context(), req.DataSourceID, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "CHECKPOINT_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// HandleListPoints handles GET /v1/ingest/points.
//
// Query parameters: source, name, enabled, limit, offset.
func (h *Handlers) HandleListPoints(c *gin.Context) {
	filter := registry.ListFilter{
		DataSourceID: c.Query("source"),
		NameContains: c.Query("name"),
		EnabledOnly:  c.Query("enabled") == "true",
		Limit:        intQuery(c, "limit", 100),
		Offset:       intQuery(c, "offset", 0),
	}

	points, err := h.api.ListPoints(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LIST_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points, "count": len(points)})
}

// HandleChain handles GET /v1/ingest/chain/:source.
//
// Query parameters: from (sequence), limit.
func (h *Handlers) HandleChain(c *gin.Context) {
	source := c.Param("source")
	fromSeq := int64(intQuery(c, "from", 0))
	limit := intQuery(c, "limit", 100)

	entries, err := h.api.ChainEntries(c.Request.Context(), source, fromSeq, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "CHAIN_READ_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "entries": entries, "count": len(entries)})
}

// HandleGaps handles GET /v1/ingest/gaps/:source.
func (h *Handlers) HandleGaps(c *gin.Context) {
	source := c.Param("source")

	gaps, err := h.api.ListGaps(c.Request.Context(), source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "GAP_READ_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "gaps": gaps, "count": len(gaps)})
}

// HandleShadowStats handles GET /v1/ingest/shadow/stats.
func (h *Handlers) HandleShadowStats(c *gin.Context) {
	stats, err := h.api.ShadowStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STATS_FAILED"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleStop handles POST /v1/ingest/stop: drains the pipeline and
// recovery controller without exiting the process.
func (h *Handlers) HandleStop(c *gin.Context) {
	if err := h.api.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STOP_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
