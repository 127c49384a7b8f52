// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery closes the loop between the shadow buffer, the
// integrity chain, and the pipeline.
//
// Each scan cycle:
//
//  1. Reconcile: confirm shadow entries whose batch id appears in the
//     idempotency store (the pipeline applied them).
//  2. Validate: walk each active source's chain; new sequence holes
//     become persisted gaps.
//  3. Recover: republish shadow entries covering each open gap onto the
//     backfill topic. Gaps with no covering entries fail; gaps that
//     exhaust their attempt budget are abandoned.
//  4. Replay: unconfirmed shadow entries older than the replay age are
//     republished even without a detected gap. This covers outages
//     where batches never reached the broker, so the chain has no hole
//     to detect.
//  5. Purge expired confirmed shadow entries.
//
// Every step is idempotent: replays are deduplicated by the pipeline,
// and rewrites of already-stored samples are upserts.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/chain"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/shadow"
	"github.com/AleutianAI/historian/services/ingest/telemetry"
)

// ShadowStore is the shadow buffer surface the controller needs.
type ShadowStore interface {
	SourcesWithUnconfirmed(ctx context.Context) ([]string, error)
	GetUnconfirmed(ctx context.Context, source string, since time.Time) ([]shadow.Entry, error)
	GetForRecovery(ctx context.Context, source string, from, to time.Time) ([]shadow.Entry, error)
	Confirm(ctx context.Context, shadowID string) error
	Decode(entry shadow.Entry) (datatypes.DataPointBatch, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// ChainStore is the integrity chain surface.
type ChainStore interface {
	Validate(ctx context.Context, source string) (chain.ValidationResult, error)
	ListGaps(ctx context.Context, source string, statuses ...chain.GapStatus) ([]chain.Gap, error)
	UpdateGap(ctx context.Context, gap chain.Gap) error
	SourcesWithGaps(ctx context.Context, statuses ...chain.GapStatus) ([]string, error)
}

// Deduper checks whether the pipeline applied a batch.
type Deduper interface {
	IsProcessed(ctx context.Context, batchID string) (bool, error)
}

// Replayer republishes recovered batches.
type Replayer interface {
	PublishBackfill(ctx context.Context, batch datatypes.DataPointBatch, chainHash string) error
}

// Config tunes the scan loop.
type Config struct {
	ScanInterval time.Duration

	// Lookback bounds how far back gap recovery searches the shadow
	// buffer around a gap's time window.
	Lookback time.Duration

	// ReplayAfter is the age an unconfirmed entry must reach before it
	// is replayed without a detected gap.
	ReplayAfter time.Duration

	// MaxAttempts before a gap is abandoned.
	MaxAttempts int
}

// Report summarizes one scan cycle.
type Report struct {
	SourcesScanned int `json:"sourcesScanned"`
	Confirmed      int `json:"confirmed"`
	GapsDetected   int `json:"gapsDetected"`
	GapsRecovered  int `json:"gapsRecovered"`
	GapsFailed     int `json:"gapsFailed"`
	GapsAbandoned  int `json:"gapsAbandoned"`
	Replayed       int `json:"replayed"`
	Purged         int `json:"purged"`

	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Controller runs the recovery scan.
//
// Thread Safety: Start, Stop, and RunOnce are safe for concurrent use;
// cycles themselves are serialized by a mutex.
type Controller struct {
	shadow  ShadowStore
	chains  ChainStore
	dedup   Deduper
	replay  Replayer
	cfg     Config
	metrics *telemetry.Metrics
	logger  *logging.Logger

	runMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a controller.
func New(shadowStore ShadowStore, chains ChainStore, dedup Deduper, replay Replayer,
	cfg Config, metrics *telemetry.Metrics, logger *logging.Logger) (*Controller, error) {

	if shadowStore == nil || chains == nil || dedup == nil || replay == nil {
		return nil, errors.New("shadow, chain, dedup, and replayer are required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{
		shadow:  shadowStore,
		chains:  chains,
		dedup:   dedup,
		replay:  replay,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "recovery"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the periodic scan loop.
func (c *Controller) Start() {
	go func() {
		defer close(c.done)

		interval := c.cfg.ScanInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := c.RunOnce(ctx); err != nil {
					c.logger.Warn("recovery scan failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts the scan loop and waits for the current cycle.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// RunOnce executes one full scan cycle over all active sources.
func (c *Controller) RunOnce(ctx context.Context) (Report, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	report := Report{StartedAt: time.Now().UTC()}

	sources, err := c.activeSources(ctx)
	if err != nil {
		return report, err
	}

	for _, source := range sources {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.SourcesScanned++
		if err := c.scanSource(ctx, source, &report); err != nil {
			c.logger.Warn("source scan failed", "source", source, "error", err)
		}
	}

	purged, err := c.shadow.PurgeExpired(ctx)
	if err != nil {
		c.logger.Warn("shadow purge failed", "error", err)
	}
	report.Purged = purged

	report.Duration = time.Since(report.StartedAt)
	if report.Confirmed+report.GapsDetected+report.Replayed+report.Purged > 0 {
		c.logger.Info("recovery cycle complete",
			"sources", report.SourcesScanned, "confirmed", report.Confirmed,
			"gaps_detected", report.GapsDetected, "gaps_recovered", report.GapsRecovered,
			"replayed", report.Replayed, "purged", report.Purged)
	}
	return report, nil
}

// RecoverSource runs one cycle for a single source; used by the control
// API for operator-triggered recovery.
func (c *Controller) RecoverSource(ctx context.Context, source string) (Report, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	report := Report{StartedAt: time.Now().UTC(), SourcesScanned: 1}
	err := c.scanSource(ctx, source, &report)
	report.Duration = time.Since(report.StartedAt)
	return report, err
}

// activeSources unions sources with unconfirmed entries and sources
// with open gaps.
func (c *Controller) activeSources(ctx context.Context) ([]string, error) {
	unconfirmed, err := c.shadow.SourcesWithUnconfirmed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed sources: %w", err)
	}
	gapped, err := c.chains.SourcesWithGaps(ctx, chain.GapDetected, chain.GapRecovering, chain.GapFailed)
	if err != nil {
		return nil, fmt.Errorf("list gapped sources: %w", err)
	}

	seen := make(map[string]struct{}, len(unconfirmed)+len(gapped))
	var sources []string
	for _, s := range append(unconfirmed, gapped...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		sources = append(sources, s)
	}
	return sources, nil
}

func (c *Controller) scanSource(ctx context.Context, source string, report *Report) error {
	if err := c.reconcile(ctx, source, report); err != nil {
		return err
	}

	result, err := c.chains.Validate(ctx, source)
	if err != nil {
		return fmt.Errorf("validate chain: %w", err)
	}
	report.GapsDetected += len(result.NewGaps)
	if c.metrics != nil {
		c.metrics.GapDetected(ctx, len(result.NewGaps))
	}

	if err := c.recoverGaps(ctx, source, report); err != nil {
		return err
	}
	return c.replayStale(ctx, source, report)
}

// reconcile confirms shadow entries the pipeline has already applied.
func (c *Controller) reconcile(ctx context.Context, source string, report *Report) error {
	entries, err := c.shadow.GetUnconfirmed(ctx, source, time.Time{})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		processed, err := c.dedup.IsProcessed(ctx, entry.BatchID)
		if err != nil {
			return fmt.Errorf("check batch %s: %w", entry.BatchID, err)
		}
		if !processed {
			continue
		}
		if err := c.shadow.Confirm(ctx, entry.ShadowID); err != nil {
			return fmt.Errorf("confirm entry %s: %w", entry.ShadowID, err)
		}
		report.Confirmed++
	}
	return nil
}

// recoverGaps republishes shadow entries covering each open gap.
func (c *Controller) recoverGaps(ctx context.Context, source string, report *Report) error {
	gaps, err := c.chains.ListGaps(ctx, source, chain.GapDetected, chain.GapFailed)
	if err != nil {
		return err
	}

	for _, gap := range gaps {
		if gap.Attempts >= c.cfg.MaxAttempts {
			gap.Status = chain.GapAbandoned
			if err := c.chains.UpdateGap(ctx, gap); err != nil {
				return err
			}
			report.GapsAbandoned++
			c.logger.Error("gap abandoned after max attempts",
				"source", source, "first_missing", gap.FirstMissing, "attempts", gap.Attempts)
			continue
		}

		now := time.Now().UTC()
		gap.Status = chain.GapRecovering
		gap.Attempts++
		gap.LastAttemptAt = &now
		if err := c.chains.UpdateGap(ctx, gap); err != nil {
			return err
		}

		from := gap.From.Add(-c.cfg.Lookback)
		to := gap.To.Add(c.cfg.Lookback)
		entries, err := c.shadow.GetForRecovery(ctx, source, from, to)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			gap.Status = chain.GapFailed
			if err := c.chains.UpdateGap(ctx, gap); err != nil {
				return err
			}
			report.GapsFailed++
			c.logger.Warn("no shadow entries cover gap",
				"source", source, "first_missing", gap.FirstMissing)
			continue
		}

		replayed, err := c.replayEntries(ctx, entries)
		report.Replayed += replayed
		if err != nil {
			gap.Status = chain.GapFailed
			if uerr := c.chains.UpdateGap(ctx, gap); uerr != nil {
				return uerr
			}
			report.GapsFailed++
			continue
		}

		gap.Status = chain.GapRecovered
		gap.ResolvedAt = &now
		if err := c.chains.UpdateGap(ctx, gap); err != nil {
			return err
		}
		report.GapsRecovered++
		if c.metrics != nil {
			c.metrics.GapRecovered(ctx)
		}
		c.logger.Info("gap recovered",
			"source", source, "first_missing", gap.FirstMissing,
			"last_missing", gap.LastMissing, "entries", len(entries))
	}
	return nil
}

// replayStale republishes unconfirmed entries older than the replay
// age. An outage before the broker leaves no chain hole; this is the
// only path that recovers those batches.
func (c *Controller) replayStale(ctx context.Context, source string, report *Report) error {
	if c.cfg.ReplayAfter <= 0 {
		return nil
	}
	entries, err := c.shadow.GetUnconfirmed(ctx, source, time.Time{})
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-c.cfg.ReplayAfter)
	var stale []shadow.Entry
	for _, entry := range entries {
		if entry.BufferedAt.Before(cutoff) {
			stale = append(stale, entry)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	replayed, err := c.replayEntries(ctx, stale)
	report.Replayed += replayed
	return err
}

func (c *Controller) replayEntries(ctx context.Context, entries []shadow.Entry) (int, error) {
	replayed := 0
	for _, entry := range entries {
		batch, err := c.shadow.Decode(entry)
		if err != nil {
			c.logger.Error("shadow entry undecodable, skipping",
				"shadow_id", entry.ShadowID, "error", err)
			continue
		}
		if err := c.replay.PublishBackfill(ctx, batch, ""); err != nil {
			return replayed, fmt.Errorf("republish batch %s: %w", batch.BatchID, err)
		}
		replayed++
	}
	return replayed, nil
}
