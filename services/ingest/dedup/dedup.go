// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup is the Redis-backed idempotency store.
//
// The broker delivers at-least-once, so the pipeline marks each batch id
// after it is durably applied and skips redeliveries. Keys carry a TTL
// that must exceed the broker's maximum redelivery window; after expiry
// a very late redelivery would be reprocessed, which the time-series
// store tolerates because writes are idempotent per (point, timestamp).
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/historian/pkg/logging"
)

const keyPrefix = "idem:"

// Store marks and checks processed batch ids.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *logging.Logger
}

// New creates the idempotency store.
func New(client redis.UniversalClient, ttl time.Duration, logger *logging.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client must not be nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %v", ttl)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "dedup"),
	}, nil
}

func key(batchID string) string {
	return keyPrefix + batchID
}

// MarkProcessed records a batch id. Returns true when this call was the
// first to mark it (SETNX semantics); false means another worker already
// processed the batch.
func (s *Store) MarkProcessed(ctx context.Context, batchID string) (bool, error) {
	first, err := s.client.SetNX(ctx, key(batchID), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark batch %s processed: %w", batchID, err)
	}
	return first, nil
}

// IsProcessed reports whether the batch id was already marked.
func (s *Store) IsProcessed(ctx context.Context, batchID string) (bool, error) {
	n, err := s.client.Exists(ctx, key(batchID)).Result()
	if err != nil {
		return false, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	return n > 0, nil
}

// ProcessedAt returns when the batch was marked, for reconciliation.
func (s *Store) ProcessedAt(ctx context.Context, batchID string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, key(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get batch %s mark: %w", batchID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		// Legacy or foreign value; treat as processed with unknown time.
		return time.Time{}, true, nil
	}
	return ts, true, nil
}

// Health pings Redis.
func (s *Store) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
