// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lookup caches the point registry in memory for the hot
// ingestion path.
//
// The cache is a copy-on-write snapshot behind an atomic pointer: reads
// never lock, and a periodic refresher (plus on-demand Refresh after
// auto-registration) swaps in a fresh snapshot atomically. Lookups can
// briefly observe a stale view; the pipeline refreshes and retries when
// a name is missing.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
)

// ErrNotFound is returned when a point is absent from the snapshot.
var ErrNotFound = errors.New("point not in lookup cache")

// Lister is the registry surface the cache needs.
type Lister interface {
	ListAll(ctx context.Context) ([]datatypes.Point, error)
}

// snapshot is an immutable view of the registry.
type snapshot struct {
	byID     map[string]datatypes.Point
	byName   map[string]datatypes.Point // key: source + "\x00" + lower(name)
	bySeq    map[int64]datatypes.Point
	byAddr   map[string]datatypes.Point // key: source + "\x00" + address
	loadedAt time.Time
}

func nameKey(source, name string) string {
	return source + "\x00" + strings.ToLower(name)
}

func addrKey(source, address string) string {
	return source + "\x00" + address
}

// Cache is the in-memory point lookup.
//
// Thread Safety: Safe for concurrent use; reads are lock-free.
type Cache struct {
	lister   Lister
	interval time.Duration
	logger   *logging.Logger

	snap atomic.Pointer[snapshot]

	stop chan struct{}
	done chan struct{}
}

// New builds the cache and performs the initial load.
func New(ctx context.Context, lister Lister, interval time.Duration, logger *logging.Logger) (*Cache, error) {
	if lister == nil {
		return nil, errors.New("lister must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Cache{
		lister:   lister,
		interval: interval,
		logger:   logger.With("component", "lookup"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial cache load: %w", err)
	}
	go c.refreshLoop()
	return c, nil
}

// refreshLoop periodically reloads the snapshot until Close.
func (c *Cache) refreshLoop() {
	defer close(c.done)

	if c.interval <= 0 {
		<-c.stop
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.Refresh(ctx); err != nil {
				// Keep serving the stale snapshot.
				c.logger.Warn("lookup cache refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Refresh reloads the snapshot from the registry immediately.
func (c *Cache) Refresh(ctx context.Context) error {
	points, err := c.lister.ListAll(ctx)
	if err != nil {
		return err
	}

	snap := &snapshot{
		byID:     make(map[string]datatypes.Point, len(points)),
		byName:   make(map[string]datatypes.Point, len(points)),
		bySeq:    make(map[int64]datatypes.Point, len(points)),
		byAddr:   make(map[string]datatypes.Point, len(points)),
		loadedAt: time.Now().UTC(),
	}
	for _, p := range points {
		snap.byID[p.ID] = p
		snap.byName[nameKey(p.DataSourceID, p.Name)] = p
		snap.bySeq[p.SequenceID] = p
		if p.SourceAddress != "" {
			snap.byAddr[addrKey(p.DataSourceID, p.SourceAddress)] = p
		}
	}
	c.snap.Store(snap)
	return nil
}

// ByID looks up a point by UUID.
func (c *Cache) ByID(id string) (datatypes.Point, error) {
	if p, ok := c.snap.Load().byID[id]; ok {
		return p, nil
	}
	return datatypes.Point{}, ErrNotFound
}

// ByName looks up a point by source and case-insensitive name.
func (c *Cache) ByName(source, name string) (datatypes.Point, error) {
	if p, ok := c.snap.Load().byName[nameKey(source, name)]; ok {
		return p, nil
	}
	return datatypes.Point{}, ErrNotFound
}

// BySequenceID looks up a point by its durable numeric handle.
func (c *Cache) BySequenceID(seq int64) (datatypes.Point, error) {
	if p, ok := c.snap.Load().bySeq[seq]; ok {
		return p, nil
	}
	return datatypes.Point{}, ErrNotFound
}

// BySourceAddress looks up a point by its source-side address tag.
func (c *Cache) BySourceAddress(source, address string) (datatypes.Point, error) {
	if p, ok := c.snap.Load().byAddr[addrKey(source, address)]; ok {
		return p, nil
	}
	return datatypes.Point{}, ErrNotFound
}

// Size returns the number of cached points.
func (c *Cache) Size() int {
	return len(c.snap.Load().byID)
}

// LoadedAt returns when the current snapshot was built.
func (c *Cache) LoadedAt() time.Time {
	return c.snap.Load().loadedAt
}

// Close stops the refresher. The last snapshot remains readable.
func (c *Cache) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}
