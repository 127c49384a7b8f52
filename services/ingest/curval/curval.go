// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package curval is the Redis-backed current-value cache.
//
// One hash per point (cv:{sequenceId}) holds the latest sample. Updates
// go through a Lua compare-and-set on the stored timestamp, so replays
// and out-of-order backfill can never regress a point's current value,
// regardless of how many pipeline workers write concurrently.
package curval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
)

const keyPrefix = "cv:"

// ErrNotFound is returned when a point has no cached value.
var ErrNotFound = errors.New("no current value cached")

// setIfNewer updates the hash only when the incoming timestamp is
// strictly newer than the stored one. Returns 1 on update, 0 on skip.
//
// Timestamps are stored as zero-padded fixed-width decimals and compared
// as strings: Lua numbers are float64, which above 2^53 cannot tell
// nanosecond-adjacent UnixNano values apart.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and cur >= ARGV[1] then
    return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'val', ARGV[2], 'q', ARGV[3])
return 1
`)

// Cache serves and updates current values.
//
// Thread Safety: Safe for concurrent use; the CAS runs atomically in
// Redis.
type Cache struct {
	client redis.UniversalClient
	logger *logging.Logger
}

// New creates the current-value cache.
func New(client redis.UniversalClient, logger *logging.Logger) (*Cache, error) {
	if client == nil {
		return nil, errors.New("redis client must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cache{client: client, logger: logger.With("component", "curval")}, nil
}

func key(seq int64) string {
	return keyPrefix + strconv.FormatInt(seq, 10)
}

// tsField renders a timestamp as a 19-digit zero-padded UnixNano so the
// CAS script's string comparison is numerically correct.
func tsField(t time.Time) string {
	return fmt.Sprintf("%019d", t.UnixNano())
}

// Set updates a point's current value when cv.Timestamp is strictly
// newer than the stored one. Returns true when the value was applied.
func (c *Cache) Set(ctx context.Context, cv datatypes.CurrentValue) (bool, error) {
	applied, err := setIfNewer.Run(ctx, c.client, []string{key(cv.PointSequenceID)},
		tsField(cv.Timestamp),
		strconv.FormatFloat(cv.Value, 'g', 17, 64),
		cv.Quality.String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("set current value for point %d: %w", cv.PointSequenceID, err)
	}
	return applied == 1, nil
}

// SetMany applies Set for each value; values for the same point must
// already be reduced to one candidate. Returns the number applied.
func (c *Cache) SetMany(ctx context.Context, values []datatypes.CurrentValue) (int, error) {
	applied := 0
	for _, cv := range values {
		ok, err := c.Set(ctx, cv)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// Get returns a point's current value.
func (c *Cache) Get(ctx context.Context, seq int64) (datatypes.CurrentValue, error) {
	fields, err := c.client.HGetAll(ctx, key(seq)).Result()
	if err != nil {
		return datatypes.CurrentValue{}, fmt.Errorf("get current value for point %d: %w", seq, err)
	}
	if len(fields) == 0 {
		return datatypes.CurrentValue{}, ErrNotFound
	}
	return parseFields(seq, fields)
}

// GetMany returns current values for the given points; missing points
// are omitted from the result.
func (c *Cache) GetMany(ctx context.Context, seqs []int64) (map[int64]datatypes.CurrentValue, error) {
	out := make(map[int64]datatypes.CurrentValue, len(seqs))
	for _, seq := range seqs {
		cv, err := c.Get(ctx, seq)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[seq] = cv
	}
	return out, nil
}

// Remove deletes a point's cached value; used when a point is disabled.
func (c *Cache) Remove(ctx context.Context, seq int64) error {
	if err := c.client.Del(ctx, key(seq)).Err(); err != nil {
		return fmt.Errorf("remove current value for point %d: %w", seq, err)
	}
	return nil
}

// Health pings Redis.
func (c *Cache) Health(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func parseFields(seq int64, fields map[string]string) (datatypes.CurrentValue, error) {
	tsNanos, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return datatypes.CurrentValue{}, fmt.Errorf("corrupt timestamp for point %d: %w", seq, err)
	}
	value, err := strconv.ParseFloat(fields["val"], 64)
	if err != nil {
		return datatypes.CurrentValue{}, fmt.Errorf("corrupt value for point %d: %w", seq, err)
	}
	quality, err := datatypes.ParseQuality(fields["q"])
	if err != nil {
		return datatypes.CurrentValue{}, fmt.Errorf("corrupt quality for point %d: %w", seq, err)
	}
	return datatypes.CurrentValue{
		PointSequenceID: seq,
		Timestamp:       time.Unix(0, tsNanos).UTC(),
		Value:           value,
		Quality:         quality,
	}, nil
}
