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
	"time"

	"github.com/AleutianAI/historian/services/ingest/datatypes"
)

// ServiceVersion is the Historian ingestion service version.
const ServiceVersion = "0.1.0"

// recentErrorWindow is how long an error keeps the health report marked
// as recently failing.
const recentErrorWindow = 5 * time.Minute

// PublishRequest is the connector-facing batch submission body.
type PublishRequest struct {
	BatchID      string `json:"batchId"`
	DataSourceID string `json:"dataSourceId" binding:"required"`

	CreatedAt time.Time             `json:"createdAt"`
	Points    []datatypes.DataPoint `json:"points"`

	// Backfill routes the batch to the historical topic so it does not
	// contend with live traffic.
	Backfill bool `json:"backfill,omitempty"`
}

// Batch converts the request into a domain batch, generating the batch
// id and creation time when the connector left them empty.
func (r PublishRequest) Batch() datatypes.DataPointBatch {
	batch := datatypes.NewBatch(r.DataSourceID, r.Points)
	if r.BatchID != "" {
		batch.BatchID = r.BatchID
	}
	if !r.CreatedAt.IsZero() {
		batch.CreatedAt = r.CreatedAt
	}
	return batch
}

// RecoverRequest triggers a recovery scan.
type RecoverRequest struct {
	// DataSourceID restricts the scan to one source; empty scans all
	// active sources.
	DataSourceID string `json:"dataSourceId"`
}

// CheckpointRequest re-anchors a source's chain.
type CheckpointRequest struct {
	DataSourceID string `json:"dataSourceId" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
}

// HealthReport aggregates dependency probes and recent-error state.
type HealthReport struct {
	// Status is "ok" when every check passes and the pipeline runs,
	// otherwise "degraded".
	Status string `json:"status"`

	PipelineState string `json:"pipelineState"`

	// Checks maps dependency name to "ok" or the probe error.
	Checks map[string]string `json:"checks"`

	LastError   string     `json:"lastError,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`

	// RecentError is true when the last error occurred within the
	// recent-error window.
	RecentError bool `json:"recentError"`

	Version string `json:"version"`
}

// Healthy reports whether every check passed.
func (h HealthReport) Healthy() bool {
	return h.Status == "ok"
}

// ErrorResponse is the uniform error body of the control API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
