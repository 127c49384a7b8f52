// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the consumer-side ingestion loop.
//
// Each worker polls the broker, deduplicates, resolves points, writes to
// the time-series store, updates current values, and only then marks the
// batch processed and commits the offset. Commit ordering is the
// at-least-once contract: a crash anywhere before the commit causes a
// redelivery that the idempotency store absorbs.
//
// Fault handling per batch:
//
//	poison    -> dead-letter, commit
//	duplicate -> skip, commit
//	transient -> retry the same batch with delay, no commit
//	permanent -> dead-letter, commit
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/broker"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
	"github.com/AleutianAI/historian/services/ingest/lookup"
	"github.com/AleutianAI/historian/services/ingest/registry"
	"github.com/AleutianAI/historian/services/ingest/telemetry"
	"github.com/AleutianAI/historian/services/ingest/tswriter"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFaulted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// SnapshotKey is where the metrics snapshot lives in Redis.
const SnapshotKey = "metrics:pipeline"

// Consumer is the broker surface the pipeline needs.
type Consumer interface {
	Poll(ctx context.Context) (*broker.Envelope, error)
	Commit(ctx context.Context, env *broker.Envelope) error
	EmitDLQ(ctx context.Context, env *broker.Envelope, reason string) error
}

// Deduper is the idempotency store surface.
type Deduper interface {
	IsProcessed(ctx context.Context, batchID string) (bool, error)
	MarkProcessed(ctx context.Context, batchID string) (bool, error)
}

// Resolver is the lookup cache surface.
type Resolver interface {
	BySequenceID(seq int64) (datatypes.Point, error)
	ByName(source, name string) (datatypes.Point, error)
	BySourceAddress(source, address string) (datatypes.Point, error)
	Refresh(ctx context.Context) error
}

// Registrar auto-registers unknown points.
type Registrar interface {
	Register(ctx context.Context, p datatypes.Point) (datatypes.Point, error)
}

// SeriesWriter is the time-series store surface.
type SeriesWriter interface {
	Write(ctx context.Context, samples []tswriter.Sample) (tswriter.WriteResult, error)
}

// ValueCache is the current-value cache surface.
type ValueCache interface {
	SetMany(ctx context.Context, values []datatypes.CurrentValue) (int, error)
}

// Config tunes the pipeline.
type Config struct {
	Workers         int
	RetryDelay      time.Duration
	MetricsInterval time.Duration
	ShutdownTimeout time.Duration

	// AutoRegister creates registry rows for unknown point names instead
	// of dropping their samples.
	AutoRegister bool
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Consumer  Consumer
	Dedup     Deduper
	Lookup    Resolver
	Registrar Registrar
	Writer    SeriesWriter
	Values    ValueCache

	// Snapshot is optional; when set, the metrics snapshot is mirrored
	// to Redis every MetricsInterval.
	Snapshot redis.UniversalClient

	Metrics *telemetry.Metrics
	Logger  *logging.Logger
}

// Pipeline runs the ingestion workers.
//
// Thread Safety: Start, StopAsync, and State are safe for concurrent
// use.
type Pipeline struct {
	cfg  Config
	deps Deps

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos of last successful poll cycle

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New validates dependencies and builds a stopped pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Consumer == nil || deps.Dedup == nil || deps.Lookup == nil ||
		deps.Writer == nil || deps.Values == nil {
		return nil, errors.New("consumer, dedup, lookup, writer, and values are required")
	}
	if cfg.AutoRegister && deps.Registrar == nil {
		return nil, errors.New("auto-register requires a registrar")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	deps.Logger = deps.Logger.With("component", "pipeline")
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Start launches the workers. Only valid from the stopped state.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("cannot start pipeline in state %s", p.State())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	group, groupCtx := errgroup.WithContext(runCtx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		group.Go(func() error {
			return p.runWorker(groupCtx, worker)
		})
	}
	if p.deps.Snapshot != nil && p.cfg.MetricsInterval > 0 {
		group.Go(func() error {
			p.runSnapshotLoop(groupCtx)
			return nil
		})
	}

	p.state.Store(int32(StateRunning))
	p.lastActivity.Store(time.Now().UnixNano())
	p.deps.Logger.Info("pipeline started", "workers", p.cfg.Workers)

	go func() {
		defer close(p.done)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			p.deps.Logger.Error("pipeline faulted", "error", err)
			p.state.Store(int32(StateFaulted))
			return
		}
		p.state.Store(int32(StateStopped))
	}()
	return nil
}

// StopAsync requests shutdown and waits up to the shutdown timeout for
// workers to drain.
func (p *Pipeline) StopAsync(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("cannot stop pipeline in state %s", p.State())
	}
	p.cancel()

	timeout := p.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return errors.New("pipeline shutdown timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports whether the pipeline is running and recently active.
func (p *Pipeline) Health() error {
	if p.State() != StateRunning {
		return fmt.Errorf("pipeline is %s", p.State())
	}
	last := time.Unix(0, p.lastActivity.Load())
	if time.Since(last) > 5*time.Minute {
		return fmt.Errorf("pipeline stalled; last activity %s", last.UTC().Format(time.RFC3339))
	}
	return nil
}

// runWorker is one poll-process-commit loop.
func (p *Pipeline) runWorker(ctx context.Context, worker int) error {
	logger := p.deps.Logger.With("worker", worker)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		env, err := p.deps.Consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("poll failed", "error", err)
			p.sleep(ctx, p.cfg.RetryDelay)
			continue
		}
		p.lastActivity.Store(time.Now().UnixNano())
		if env == nil {
			continue
		}

		if err := p.processEnvelope(ctx, logger, env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("envelope processing aborted", "error", err)
		}
	}
}

// processEnvelope drives one envelope to a committed terminal state,
// retrying in place on transient faults.
func (p *Pipeline) processEnvelope(ctx context.Context, logger *logging.Logger, env *broker.Envelope) error {
	for {
		err := p.processOnce(ctx, logger, env)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch faults.KindOf(err) {
		case faults.KindTransient:
			p.metricsTransientRetry(ctx)
			logger.Warn("transient fault, retrying batch",
				"batch_id", env.Batch.BatchID, "error", err)
			p.sleep(ctx, p.cfg.RetryDelay)
		default:
			p.metricsNonRetryable(ctx)
			logger.Error("permanent fault, dead-lettering batch",
				"batch_id", env.Batch.BatchID, "error", err)
			if dlqErr := p.deps.Consumer.EmitDLQ(ctx, env, err.Error()); dlqErr != nil {
				// DLQ publish is itself transient; retry the whole cycle.
				p.sleep(ctx, p.cfg.RetryDelay)
				continue
			}
			p.metricsDeadLettered(ctx)
			return p.deps.Consumer.Commit(ctx, env)
		}
	}
}

// processOnce runs the happy path for one envelope. Returned faults are
// classified by the caller.
func (p *Pipeline) processOnce(ctx context.Context, logger *logging.Logger, env *broker.Envelope) error {
	started := time.Now()

	if env.Poison() {
		if err := p.deps.Consumer.EmitDLQ(ctx, env, env.Err.Error()); err != nil {
			return err
		}
		p.metricsDeadLettered(ctx)
		return p.deps.Consumer.Commit(ctx, env)
	}

	batch := env.Batch

	processed, err := p.deps.Dedup.IsProcessed(ctx, batch.BatchID)
	if err != nil {
		return faults.Transient(err)
	}
	if processed {
		if p.deps.Metrics != nil {
			p.deps.Metrics.BatchSkipped(ctx)
		}
		logger.Debug("duplicate batch skipped", "batch_id", batch.BatchID)
		return p.deps.Consumer.Commit(ctx, env)
	}

	if batch.IsEmpty() {
		if _, err := p.deps.Dedup.MarkProcessed(ctx, batch.BatchID); err != nil {
			return faults.Transient(err)
		}
		return p.deps.Consumer.Commit(ctx, env)
	}

	samples, unresolved, err := p.resolve(ctx, batch)
	if err != nil {
		return err
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.UnresolvedPoints(ctx, unresolved)
	}

	result, err := p.deps.Writer.Write(ctx, samples)
	if err != nil {
		return err
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.NonFiniteDropped(ctx, result.DroppedNonFinite)
	}

	// The current-value cache is best effort; a cache outage must not
	// stall ingestion. Replays repopulate it, and the CAS keeps any
	// later rewrite monotonic.
	if _, err := p.deps.Values.SetMany(ctx, reduceCurrentValues(samples)); err != nil {
		p.metricsCurrentValueError(ctx)
		logger.Warn("current-value update failed, continuing",
			"batch_id", batch.BatchID, "error", err)
	}

	if _, err := p.deps.Dedup.MarkProcessed(ctx, batch.BatchID); err != nil {
		return faults.Transient(err)
	}
	if err := p.deps.Consumer.Commit(ctx, env); err != nil {
		return err
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.BatchProcessed(ctx, result.Written, time.Since(started))
	}
	logger.Debug("batch committed",
		"batch_id", batch.BatchID, "written", result.Written,
		"dropped_nonfinite", result.DroppedNonFinite, "unresolved", unresolved)
	return nil
}

// resolve maps batch samples to registered points. Unknown names trigger
// one cache refresh; still-unknown names are auto-registered when
// enabled, otherwise dropped and counted.
func (p *Pipeline) resolve(ctx context.Context, batch datatypes.DataPointBatch) ([]tswriter.Sample, int, error) {
	samples := make([]tswriter.Sample, 0, len(batch.Points))
	unresolved := 0
	refreshed := false

	for _, dp := range batch.Points {
		point, err := p.resolveOne(batch.DataSourceID, dp)
		if errors.Is(err, lookup.ErrNotFound) && !refreshed {
			if rerr := p.deps.Lookup.Refresh(ctx); rerr != nil {
				return nil, 0, faults.Transient(rerr)
			}
			refreshed = true
			point, err = p.resolveOne(batch.DataSourceID, dp)
		}
		if errors.Is(err, lookup.ErrNotFound) && p.cfg.AutoRegister {
			point, err = p.autoRegister(ctx, batch.DataSourceID, dp)
		}
		if err != nil {
			if errors.Is(err, lookup.ErrNotFound) {
				unresolved++
				continue
			}
			return nil, 0, err
		}
		if !point.Enabled {
			continue
		}
		samples = append(samples, tswriter.Sample{Point: point, Data: dp})
	}
	return samples, unresolved, nil
}

// resolveOne maps a sample to its registered point. Pre-enriched
// samples carry a sequence id and need no name lookup; name and source
// address are the fallbacks for raw connector data.
func (p *Pipeline) resolveOne(source string, dp datatypes.DataPoint) (datatypes.Point, error) {
	if dp.PointSequenceID > 0 {
		return p.deps.Lookup.BySequenceID(dp.PointSequenceID)
	}
	if dp.PointName != "" {
		return p.deps.Lookup.ByName(source, dp.PointName)
	}
	if dp.SourceAddress != "" {
		return p.deps.Lookup.BySourceAddress(source, dp.SourceAddress)
	}
	return datatypes.Point{}, lookup.ErrNotFound
}

func (p *Pipeline) autoRegister(ctx context.Context, source string, dp datatypes.DataPoint) (datatypes.Point, error) {
	if dp.PointName == "" {
		return datatypes.Point{}, lookup.ErrNotFound
	}
	point, err := p.deps.Registrar.Register(ctx, datatypes.Point{
		Name:          dp.PointName,
		Enabled:       true,
		DataSourceID:  source,
		SourceAddress: dp.SourceAddress,
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return datatypes.Point{}, lookup.ErrNotFound
		}
		if faults.IsRetryable(err) {
			return datatypes.Point{}, faults.Transient(err)
		}
		// A rejected registration (bad name, validation) must not wedge
		// the partition in retries; the point stays unresolved.
		p.deps.Logger.Warn("auto-register rejected, dropping point",
			"source", source, "point", dp.PointName, "error", err)
		return datatypes.Point{}, lookup.ErrNotFound
	}
	if err := p.deps.Lookup.Refresh(ctx); err != nil {
		return datatypes.Point{}, faults.Transient(err)
	}
	return point, nil
}

// reduceCurrentValues keeps the newest sample per point; on equal
// timestamps the last sample in batch order wins.
func reduceCurrentValues(samples []tswriter.Sample) []datatypes.CurrentValue {
	best := make(map[int64]datatypes.CurrentValue, len(samples))
	order := make([]int64, 0, len(samples))

	for _, s := range samples {
		if !s.Data.IsFinite() {
			continue
		}
		seq := s.Point.SequenceID
		cv := datatypes.CurrentValue{
			PointSequenceID: seq,
			Timestamp:       s.Data.Timestamp,
			Value:           s.Data.Value,
			Quality:         s.Data.Quality,
		}
		cur, seen := best[seq]
		if !seen {
			order = append(order, seq)
			best[seq] = cv
			continue
		}
		if !cv.Timestamp.Before(cur.Timestamp) {
			best[seq] = cv
		}
	}

	out := make([]datatypes.CurrentValue, 0, len(best))
	for _, seq := range order {
		out = append(out, best[seq])
	}
	return out
}

// runSnapshotLoop mirrors the metrics snapshot to Redis.
func (p *Pipeline) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishSnapshot(ctx)
		}
	}
}

func (p *Pipeline) publishSnapshot(ctx context.Context) {
	if p.deps.Metrics == nil || p.deps.Snapshot == nil {
		return
	}
	data, err := json.Marshal(p.deps.Metrics.Snapshot())
	if err != nil {
		return
	}
	if err := p.deps.Snapshot.Set(ctx, SnapshotKey, data, 0).Err(); err != nil {
		p.deps.Logger.Warn("metrics snapshot publish failed", "error", err)
	}
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pipeline) metricsTransientRetry(ctx context.Context) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.TransientRetry(ctx)
	}
}

func (p *Pipeline) metricsNonRetryable(ctx context.Context) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.NonRetryableError(ctx)
	}
}

func (p *Pipeline) metricsDeadLettered(ctx context.Context) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.DeadLettered(ctx)
	}
}

func (p *Pipeline) metricsCurrentValueError(ctx context.Context) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.CurrentValueError(ctx)
	}
}
