// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tswriter writes resolved samples to InfluxDB and serves range
// and aggregate reads.
//
// Writes are idempotent: InfluxDB upserts on (measurement, tag set,
// timestamp), so replays and gap recovery can safely rewrite the same
// samples. HTTP errors are classified into transient (retryable) and
// permanent faults by status code.
package tswriter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
)

// Sample pairs a registered point with one of its measurements.
type Sample struct {
	Point datatypes.Point
	Data  datatypes.DataPoint
}

// WriteResult reports what a Write call did.
type WriteResult struct {
	Written          int `json:"written"`
	DroppedNonFinite int `json:"droppedNonFinite"`
}

// Reading is one stored sample returned by the read paths.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// AggregateFn names a Flux aggregate function.
type AggregateFn string

const (
	AggMean  AggregateFn = "mean"
	AggMin   AggregateFn = "min"
	AggMax   AggregateFn = "max"
	AggCount AggregateFn = "count"
	AggLast  AggregateFn = "last"
)

// Config identifies the target bucket.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// healthChecker is the slice of influxdb2.Client used for Health.
type healthChecker interface {
	Health(ctx context.Context) (*domain.HealthCheck, error)
}

// Writer is the time-series store client.
//
// Thread Safety: Safe for concurrent use.
type Writer struct {
	cfg      Config
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	health   healthChecker
	logger   *logging.Logger
}

// New connects to InfluxDB.
func New(cfg Config, logger *logging.Logger) (*Writer, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, org, and bucket are required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "process_data"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := NewWithAPIs(cfg, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.QueryAPI(cfg.Org), logger)
	w.health = client
	return w, nil
}

// NewWithAPIs wires explicit API handles; used by tests with fakes.
func NewWithAPIs(cfg Config, writeAPI api.WriteAPIBlocking, queryAPI api.QueryAPI, logger *logging.Logger) *Writer {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "process_data"
	}
	return &Writer{
		cfg:      cfg,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		logger:   logger.With("component", "tswriter"),
	}
}

// Write stores a batch's resolved samples.
//
// Description:
//
//	Non-finite values (NaN, Inf) are dropped and counted rather than
//	failing the batch; the time-series store cannot represent them.
//	The whole batch is written in one call so a transient failure
//	leaves nothing partially acknowledged.
//
// Outputs:
//
//	WriteResult - Counts of written and dropped samples.
//	error - A faults.Fault: transient for 5xx/429/network errors,
//	        permanent for other 4xx responses.
func (w *Writer) Write(ctx context.Context, samples []Sample) (WriteResult, error) {
	var result WriteResult
	points := make([]*write.Point, 0, len(samples))

	for _, s := range samples {
		if !s.Data.IsFinite() {
			result.DroppedNonFinite++
			continue
		}
		points = append(points, write.NewPoint(
			w.cfg.Measurement,
			map[string]string{
				"seq":    strconv.FormatInt(s.Point.SequenceID, 10),
				"source": s.Point.DataSourceID,
				"name":   s.Point.Name,
			},
			map[string]any{
				"value":   s.Data.Value,
				"quality": int(s.Data.Quality),
			},
			s.Data.Timestamp,
		))
	}

	if len(points) == 0 {
		return result, nil
	}
	if err := w.writeAPI.WritePoint(ctx, points...); err != nil {
		return WriteResult{}, classify(err)
	}
	result.Written = len(points)
	return result, nil
}

// ReadRange returns a point's stored samples within [from, to].
func (w *Writer) ReadRange(ctx context.Context, seq int64, from, to time.Time) ([]Reading, error) {
	flux := rangeFlux(w.cfg.Bucket, w.cfg.Measurement, seq, from, to)
	return w.collect(ctx, flux)
}

// ReadLast returns a point's most recent stored sample.
func (w *Writer) ReadLast(ctx context.Context, seq int64) (Reading, error) {
	flux := lastFlux(w.cfg.Bucket, w.cfg.Measurement, seq)
	readings, err := w.collect(ctx, flux)
	if err != nil {
		return Reading{}, err
	}
	if len(readings) == 0 {
		return Reading{}, fmt.Errorf("no samples stored for point %d", seq)
	}
	return readings[len(readings)-1], nil
}

// ReadAggregate returns windowed aggregates over [from, to].
func (w *Writer) ReadAggregate(ctx context.Context, seq int64, from, to time.Time, window time.Duration, fn AggregateFn) ([]Reading, error) {
	flux := aggregateFlux(w.cfg.Bucket, w.cfg.Measurement, seq, from, to, window, fn)
	return w.collect(ctx, flux)
}

func (w *Writer) collect(ctx context.Context, flux string) ([]Reading, error) {
	result, err := w.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, classify(err)
	}
	defer result.Close()

	var readings []Reading
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		readings = append(readings, Reading{
			Timestamp: record.Time(),
			Value:     value,
		})
	}
	if result.Err() != nil {
		return nil, classify(result.Err())
	}
	return readings, nil
}

// Health checks the InfluxDB instance.
func (w *Writer) Health(ctx context.Context) error {
	if w.health == nil {
		return nil
	}
	check, err := w.health.Health(ctx)
	if err != nil {
		return faults.Transient(fmt.Errorf("influx health: %w", err))
	}
	if check.Status != domain.HealthCheckStatusPass {
		return faults.Transient(fmt.Errorf("influx health status %s", check.Status))
	}
	return nil
}

// classify maps Influx client errors to fault kinds. 429 and 5xx are
// retryable; other 4xx responses are permanent rejections.
func classify(err error) error {
	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429 || httpErr.StatusCode >= 500:
			return faults.Transient(fmt.Errorf("influx write: %w", err))
		case httpErr.StatusCode >= 400:
			return faults.Permanent(fmt.Errorf("influx write rejected: %w", err))
		}
	}
	if faults.KindOf(err) == faults.KindPermanent {
		return faults.Permanent(fmt.Errorf("influx write: %w", err))
	}
	return faults.Transient(fmt.Errorf("influx write: %w", err))
}

func rangeFlux(bucket, measurement string, seq int64, from, to time.Time) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.seq == %q and r._field == "value")
  |> sort(columns: ["_time"])`,
		bucket, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano),
		measurement, strconv.FormatInt(seq, 10))
}

func lastFlux(bucket, measurement string, seq int64) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %q and r.seq == %q and r._field == "value")
  |> last()`,
		bucket, measurement, strconv.FormatInt(seq, 10))
}

func aggregateFlux(bucket, measurement string, seq int64, from, to time.Time, window time.Duration, fn AggregateFn) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.seq == %q and r._field == "value")
  |> aggregateWindow(every: %s, fn: %s, createEmpty: false)`,
		bucket, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano),
		measurement, strconv.FormatInt(seq, 10), window.String(), fn)
}
