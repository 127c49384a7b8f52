// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataPoint is a single in-flight sample.
//
// Invariant: either PointSequenceID > 0 or PointName is non-empty.
// Non-finite values are dropped (with a warning) before any persistence.
type DataPoint struct {
	// PointSequenceID is the registry sequence id. Zero means
	// "unresolved"; the pipeline resolves it by name during enrichment.
	PointSequenceID int64 `json:"pointSequenceId"`

	// PointName is the display name used for resolution and
	// auto-registration of unknown points.
	PointName string `json:"pointName"`

	// Timestamp is the sample time in UTC, nanosecond-capable.
	Timestamp time.Time `json:"timestamp"`

	// Value is the sample value. Must be finite to be persisted.
	Value float64 `json:"value"`

	// Quality is the sample quality flag.
	Quality Quality `json:"quality"`

	// SourceAddress is an optional source-side address tag.
	SourceAddress string `json:"sourceAddress,omitempty"`
}

// IsFinite reports whether the value can be persisted.
func (p DataPoint) IsFinite() bool {
	return !math.IsNaN(p.Value) && !math.IsInf(p.Value, 0)
}

// Validate checks the per-point invariant.
func (p DataPoint) Validate() error {
	if p.PointSequenceID <= 0 && p.PointName == "" {
		return errors.New("data point needs a sequence id or a point name")
	}
	if p.Timestamp.IsZero() {
		return errors.New("data point timestamp must be set")
	}
	return nil
}

// DataPointBatch is the unit of publish and commit.
//
// A batch is immutable once created. BatchID is globally unique for the
// lifetime of the deployment; DataSourceID is the broker partition key.
// An empty batch is legal but carries no points.
type DataPointBatch struct {
	BatchID      string      `json:"batchId" binding:"required"`
	DataSourceID string      `json:"dataSourceId" binding:"required"`
	CreatedAt    time.Time   `json:"createdAt"`
	Points       []DataPoint `json:"points"`
}

// NewBatch builds a batch with a fresh UUID batch id.
func NewBatch(dataSourceID string, points []DataPoint) DataPointBatch {
	return DataPointBatch{
		BatchID:      uuid.NewString(),
		DataSourceID: dataSourceID,
		CreatedAt:    time.Now().UTC(),
		Points:       points,
	}
}

// Validate checks batch-level invariants. Point-level problems (missing
// names, non-finite values) are handled downstream per point and do not
// fail the batch here.
func (b DataPointBatch) Validate() error {
	if b.BatchID == "" {
		return errors.New("batch id must not be empty")
	}
	if b.DataSourceID == "" {
		return errors.New("data source id must not be empty")
	}
	return nil
}

// IsEmpty reports whether the batch carries no points.
func (b DataPointBatch) IsEmpty() bool {
	return len(b.Points) == 0
}

// TimeRange returns the min and max timestamps of the contained points.
// Both are zero for an empty batch.
func (b DataPointBatch) TimeRange() (min, max time.Time) {
	for _, p := range b.Points {
		if min.IsZero() || p.Timestamp.Before(min) {
			min = p.Timestamp
		}
		if max.IsZero() || p.Timestamp.After(max) {
			max = p.Timestamp
		}
	}
	return min, max
}

// EncodeBatch serializes a batch to its JSON wire form.
func EncodeBatch(b DataPointBatch) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", b.BatchID, err)
	}
	return data, nil
}

// DecodeBatch deserializes a batch from its JSON wire form.
func DecodeBatch(data []byte) (DataPointBatch, error) {
	var b DataPointBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return DataPointBatch{}, fmt.Errorf("decode batch: %w", err)
	}
	if err := b.Validate(); err != nil {
		return DataPointBatch{}, fmt.Errorf("decode batch: %w", err)
	}
	return b, nil
}

// CanonicalBytes returns the deterministic serialization of a batch used
// for chain hashing.
//
// Description:
//
//	Producer and consumer must derive identical bytes from identical
//	batches on any platform, so the encoding is hand-ordered:
//
//	  batchId|dataSourceId|createdAt
//	  seq|name|timestamp|value|quality
//	  ...
//
//	Timestamps use RFC3339 with nanoseconds in UTC; values use 'g'
//	formatting with 17 significant digits, which round-trips every
//	float64 exactly.
//
// Thread Safety: Safe for concurrent use (operates on a value copy).
func (b DataPointBatch) CanonicalBytes() []byte {
	var sb strings.Builder
	sb.WriteString(b.BatchID)
	sb.WriteByte('|')
	sb.WriteString(b.DataSourceID)
	sb.WriteByte('|')
	sb.WriteString(b.CreatedAt.UTC().Format(time.RFC3339Nano))
	for _, p := range b.Points {
		sb.WriteByte('\n')
		sb.WriteString(strconv.FormatInt(p.PointSequenceID, 10))
		sb.WriteByte('|')
		sb.WriteString(p.PointName)
		sb.WriteByte('|')
		sb.WriteString(p.Timestamp.UTC().Format(time.RFC3339Nano))
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(p.Value, 'g', 17, 64))
		sb.WriteByte('|')
		sb.WriteString(p.Quality.String())
	}
	return []byte(sb.String())
}

// CurrentValue is the latest known sample for a point.
//
// Invariant: a cached current value is only replaced by one bearing a
// strictly newer timestamp (monotonic per point).
type CurrentValue struct {
	PointSequenceID int64     `json:"pointSequenceId"`
	Timestamp       time.Time `json:"timestamp"`
	Value           float64   `json:"value"`
	Quality         Quality   `json:"quality"`
}
