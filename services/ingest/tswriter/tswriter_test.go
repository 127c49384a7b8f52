// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tswriter

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
)

// fakeWriteAPI records written points and returns a configured error.
type fakeWriteAPI struct {
	points []*write.Point
	err    error
}

func (f *fakeWriteAPI) WritePoint(ctx context.Context, points ...*write.Point) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeWriteAPI) WriteRecord(ctx context.Context, lines ...string) error { return f.err }
func (f *fakeWriteAPI) EnableBatching()                                        {}
func (f *fakeWriteAPI) Flush(ctx context.Context) error                        { return nil }

func testConfig() Config {
	return Config{
		URL: "http://localhost:8086", Org: "historian",
		Bucket: "datapoints", Measurement: "process_data",
	}
}

func sample(seq int64, value float64, ts time.Time) Sample {
	return Sample{
		Point: datatypes.Point{
			SequenceID: seq, Name: "plant.line1.temp", DataSourceID: "plc-01",
		},
		Data: datatypes.DataPoint{
			PointName: "plant.line1.temp", Timestamp: ts,
			Value: value, Quality: datatypes.QualityGood,
		},
	}
}

func TestWriter_Write(t *testing.T) {
	fake := &fakeWriteAPI{}
	w := NewWithAPIs(testConfig(), fake, nil, nil)
	ts := time.Now().UTC()

	result, err := w.Write(context.Background(), []Sample{
		sample(1, 21.5, ts),
		sample(2, 3.2, ts),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Written)
	assert.Equal(t, 0, result.DroppedNonFinite)
	require.Len(t, fake.points, 2)
}

func TestWriter_Write_DropsNonFinite(t *testing.T) {
	fake := &fakeWriteAPI{}
	w := NewWithAPIs(testConfig(), fake, nil, nil)
	ts := time.Now().UTC()

	result, err := w.Write(context.Background(), []Sample{
		sample(1, 21.5, ts),
		sample(2, math.NaN(), ts),
		sample(3, math.Inf(1), ts),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Written)
	assert.Equal(t, 2, result.DroppedNonFinite)
	require.Len(t, fake.points, 1)
}

func TestWriter_Write_AllNonFiniteSkipsCall(t *testing.T) {
	fake := &fakeWriteAPI{err: errors.New("should not be called")}
	w := NewWithAPIs(testConfig(), fake, nil, nil)

	result, err := w.Write(context.Background(), []Sample{
		sample(1, math.NaN(), time.Now().UTC()),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Written)
	assert.Equal(t, 1, result.DroppedNonFinite)
}

func TestWriter_Write_FaultClassification(t *testing.T) {
	ts := time.Now().UTC()

	t.Run("5xx is transient", func(t *testing.T) {
		fake := &fakeWriteAPI{err: &influxhttp.Error{StatusCode: 503, Message: "unavailable"}}
		w := NewWithAPIs(testConfig(), fake, nil, nil)

		_, err := w.Write(context.Background(), []Sample{sample(1, 1.0, ts)})
		require.Error(t, err)
		assert.Equal(t, faults.KindTransient, faults.KindOf(err))
	})

	t.Run("429 is transient", func(t *testing.T) {
		fake := &fakeWriteAPI{err: &influxhttp.Error{StatusCode: 429, Message: "too many requests"}}
		w := NewWithAPIs(testConfig(), fake, nil, nil)

		_, err := w.Write(context.Background(), []Sample{sample(1, 1.0, ts)})
		require.Error(t, err)
		assert.Equal(t, faults.KindTransient, faults.KindOf(err))
	})

	t.Run("4xx is permanent", func(t *testing.T) {
		fake := &fakeWriteAPI{err: &influxhttp.Error{StatusCode: 422, Message: "unprocessable"}}
		w := NewWithAPIs(testConfig(), fake, nil, nil)

		_, err := w.Write(context.Background(), []Sample{sample(1, 1.0, ts)})
		require.Error(t, err)
		assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
	})

	t.Run("plain network error is transient", func(t *testing.T) {
		fake := &fakeWriteAPI{err: errors.New("connection refused")}
		w := NewWithAPIs(testConfig(), fake, nil, nil)

		_, err := w.Write(context.Background(), []Sample{sample(1, 1.0, ts)})
		require.Error(t, err)
		assert.Equal(t, faults.KindTransient, faults.KindOf(err))
	})
}

func TestFluxBuilders(t *testing.T) {
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	t.Run("range", func(t *testing.T) {
		flux := rangeFlux("datapoints", "process_data", 42, from, to)
		assert.Contains(t, flux, `from(bucket: "datapoints")`)
		assert.Contains(t, flux, `r.seq == "42"`)
		assert.Contains(t, flux, "2025-06-01T00:00:00Z")
		assert.Contains(t, flux, "2025-06-01T01:00:00Z")
	})

	t.Run("last", func(t *testing.T) {
		flux := lastFlux("datapoints", "process_data", 42)
		assert.Contains(t, flux, "|> last()")
		assert.Contains(t, flux, "range(start: 0)")
	})

	t.Run("aggregate", func(t *testing.T) {
		flux := aggregateFlux("datapoints", "process_data", 42, from, to, 5*time.Minute, AggMean)
		assert.Contains(t, flux, "aggregateWindow(every: 5m0s, fn: mean")
	})
}
