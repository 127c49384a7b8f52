// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package curval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/historian/services/ingest/datatypes"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache, err := New(client, nil)
	require.NoError(t, err)
	return cache
}

func cv(seq int64, ts time.Time, value float64) datatypes.CurrentValue {
	return datatypes.CurrentValue{
		PointSequenceID: seq,
		Timestamp:       ts,
		Value:           value,
		Quality:         datatypes.QualityGood,
	}
}

func TestCache_SetAndGet(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 500, time.UTC)

	applied, err := cache.Set(ctx, cv(1, ts, 21.5))
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ts, got.Timestamp)
	assert.Equal(t, 21.5, got.Value)
	assert.Equal(t, datatypes.QualityGood, got.Quality)
}

func TestCache_Monotonic(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := cache.Set(ctx, cv(1, ts, 21.5))
	require.NoError(t, err)

	// Older sample is rejected.
	applied, err := cache.Set(ctx, cv(1, ts.Add(-time.Minute), 99.0))
	require.NoError(t, err)
	assert.False(t, applied)

	// Equal timestamp is rejected too (strictly newer wins).
	applied, err = cache.Set(ctx, cv(1, ts, 99.0))
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 21.5, got.Value)

	// Newer sample replaces.
	applied, err = cache.Set(ctx, cv(1, ts.Add(time.Second), 22.0))
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 22.0, got.Value)
}

func TestCache_MonotonicNanosecondPrecision(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	// UnixNano values in this era exceed 2^53; a float comparison would
	// collapse nanosecond-adjacent timestamps into a ~256 ns bucket.
	base := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)

	applied, err := cache.Set(ctx, cv(1, base, 1.0))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = cache.Set(ctx, cv(1, base.Add(time.Nanosecond), 2.0))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = cache.Set(ctx, cv(1, base.Add(time.Nanosecond), 3.0))
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Value)
	assert.Equal(t, base.Add(time.Nanosecond), got.Timestamp)
}

func TestCache_GetMissing(t *testing.T) {
	cache := newTestCache(t)
	_, err := cache.Get(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCache_SetMany(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	_, err := cache.Set(ctx, cv(2, ts.Add(time.Hour), 1.0))
	require.NoError(t, err)

	applied, err := cache.SetMany(ctx, []datatypes.CurrentValue{
		cv(1, ts, 10.0),
		cv(2, ts, 20.0), // older than the existing value
		cv(3, ts, 30.0),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
}

func TestCache_GetMany(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	_, err := cache.Set(ctx, cv(1, ts, 10.0))
	require.NoError(t, err)
	_, err = cache.Set(ctx, cv(3, ts, 30.0))
	require.NoError(t, err)

	values, err := cache.GetMany(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, 10.0, values[1].Value)
	assert.Equal(t, 30.0, values[3].Value)
}

func TestCache_Remove(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Set(ctx, cv(1, time.Now().UTC(), 10.0))
	require.NoError(t, err)

	require.NoError(t, cache.Remove(ctx, 1))

	_, err = cache.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
