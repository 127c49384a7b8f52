// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, ttl, nil)
	require.NoError(t, err)
	return store, mr
}

func TestStore_MarkProcessed(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	first, err := store.MarkProcessed(ctx, "batch-1")
	require.NoError(t, err)
	assert.True(t, first)

	// Second mark loses the SETNX race.
	first, err = store.MarkProcessed(ctx, "batch-1")
	require.NoError(t, err)
	assert.False(t, first)
}

func TestStore_IsProcessed(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	processed, err := store.IsProcessed(ctx, "batch-1")
	require.NoError(t, err)
	assert.False(t, processed)

	_, err = store.MarkProcessed(ctx, "batch-1")
	require.NoError(t, err)

	processed, err = store.IsProcessed(ctx, "batch-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestStore_ProcessedAt(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	_, found, err := store.ProcessedAt(ctx, "batch-1")
	require.NoError(t, err)
	assert.False(t, found)

	before := time.Now().UTC().Add(-time.Second)
	_, err = store.MarkProcessed(ctx, "batch-1")
	require.NoError(t, err)

	ts, found, err := store.ProcessedAt(ctx, "batch-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, ts.After(before))
}

func TestStore_TTLExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.MarkProcessed(ctx, "batch-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	processed, err := store.IsProcessed(ctx, "batch-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestStore_Health(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)

	require.NoError(t, store.Health(context.Background()))

	mr.Close()
	assert.Error(t, store.Health(context.Background()))
}
