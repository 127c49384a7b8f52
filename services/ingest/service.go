// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest assembles the Historian ingestion service: the
// producer-side publish primitive, the consumer pipeline, the gap
// recovery controller, and the HTTP control surface that operates them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/broker"
	"github.com/AleutianAI/historian/services/ingest/chain"
	"github.com/AleutianAI/historian/services/ingest/config"
	"github.com/AleutianAI/historian/services/ingest/curval"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/dedup"
	"github.com/AleutianAI/historian/services/ingest/lookup"
	"github.com/AleutianAI/historian/services/ingest/pipeline"
	"github.com/AleutianAI/historian/services/ingest/publisher"
	"github.com/AleutianAI/historian/services/ingest/recovery"
	"github.com/AleutianAI/historian/services/ingest/registry"
	"github.com/AleutianAI/historian/services/ingest/shadow"
	"github.com/AleutianAI/historian/services/ingest/storage"
	"github.com/AleutianAI/historian/services/ingest/telemetry"
	"github.com/AleutianAI/historian/services/ingest/tswriter"
)

// Service owns every ingestion component and their shared lifecycle.
//
// Construction order is leaves first (stores, clients), then the
// composites (publisher, pipeline, recovery). Shutdown runs in reverse.
//
// Thread Safety: Safe for concurrent use after NewService returns.
type Service struct {
	cfg     config.Config
	logger  *logging.Logger
	metrics *telemetry.Metrics
	errs    *errorRecorder

	db       *storage.DB
	registry *registry.Registry
	points   *lookup.Cache
	shadows  *shadow.Store
	chains   *chain.Store
	producer *broker.Producer
	consumer *broker.Consumer
	cache    redis.UniversalClient
	dedups   *dedup.Store
	values   *curval.Cache
	writer   *tswriter.Writer
	pub      *publisher.Publisher
	pipe     *pipeline.Pipeline
	recover  *recovery.Controller

	purgeStop    chan struct{}
	purgeDone    chan struct{}
	purgeStarted bool

	closeOnce sync.Once
}

// NewService wires all components from the configuration. Every external
// dependency (Postgres, Redis, InfluxDB, Kafka, the Badger database) is
// connected here; a failure to reach any of them fails construction.
func NewService(ctx context.Context, cfg config.Config) (*Service, error) {
	errs := newErrorRecorder()
	logger := logging.New(logging.Config{
		Level:    logging.LevelInfo,
		Service:  "ingest",
		Exporter: errs,
	})

	metrics, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		errs:      errs,
		purgeStop: make(chan struct{}),
		purgeDone: make(chan struct{}),
	}

	if err := s.buildStores(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildBroker(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildComposites(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) buildStores(ctx context.Context) error {
	db, err := storage.Open(storage.DefaultConfig(s.cfg.Shadow.Path))
	if err != nil {
		return fmt.Errorf("open shadow database: %w", err)
	}
	s.db = db

	s.shadows, err = shadow.New(db, shadow.Config{
		Compression:      s.cfg.Shadow.Compression,
		CompressionLevel: s.cfg.Shadow.CompressionLevel,
		Retention:        s.cfg.Shadow.Retention,
		MaxSizeWarnBytes: s.cfg.Shadow.MaxSizeWarnBytes,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init shadow buffer: %w", err)
	}

	s.chains, err = chain.New(db, chain.Config{HistoryLimit: s.cfg.Chain.HistoryLimit}, s.logger)
	if err != nil {
		return fmt.Errorf("init integrity chain: %w", err)
	}

	s.registry, err = registry.Open(s.cfg.Registry.DSN, s.logger)
	if err != nil {
		return fmt.Errorf("open point registry: %w", err)
	}
	if err := s.registry.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate point registry: %w", err)
	}

	s.points, err = lookup.New(ctx, s.registry, s.cfg.Registry.RefreshInterval, s.logger)
	if err != nil {
		return fmt.Errorf("init lookup cache: %w", err)
	}

	s.cache = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Cache.Addr,
		Password: s.cfg.Cache.Password,
		DB:       s.cfg.Cache.DB,
	})
	s.dedups, err = dedup.New(s.cache, s.cfg.Cache.IdempotencyTTL, s.logger)
	if err != nil {
		return fmt.Errorf("init idempotency store: %w", err)
	}
	s.values, err = curval.New(s.cache, s.logger)
	if err != nil {
		return fmt.Errorf("init current-value cache: %w", err)
	}

	s.writer, err = tswriter.New(tswriter.Config{
		URL:         s.cfg.TimeSeries.URL,
		Token:       s.cfg.TimeSeries.Token,
		Org:         s.cfg.TimeSeries.Org,
		Bucket:      s.cfg.TimeSeries.Bucket,
		Measurement: s.cfg.TimeSeries.Measurement,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init time-series writer: %w", err)
	}
	return nil
}

func (s *Service) buildBroker() error {
	producer, err := broker.NewProducer(broker.ProducerConfig{
		BootstrapServers: s.cfg.Broker.BootstrapServers,
		Topic:            s.cfg.Broker.Topic,
		BackfillTopic:    s.cfg.Broker.BackfillTopic,
		ClientID:         s.cfg.Broker.ClientID,
		MaxRetries:       s.cfg.Broker.MaxRetries,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init producer: %w", err)
	}
	s.producer = producer

	consumer, err := broker.NewConsumer(broker.ConsumerConfig{
		BootstrapServers:  s.cfg.Broker.BootstrapServers,
		Topic:             s.cfg.Broker.Topic,
		BackfillTopic:     s.cfg.Broker.BackfillTopic,
		DLQTopic:          s.cfg.Broker.DLQTopic,
		GroupID:           s.cfg.Broker.GroupID,
		SessionTimeout:    s.cfg.Broker.SessionTimeout,
		HeartbeatInterval: s.cfg.Broker.HeartbeatInterval,
		PollTimeout:       s.cfg.Pipeline.PollTimeout,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init consumer: %w", err)
	}
	s.consumer = consumer
	return nil
}

func (s *Service) buildComposites(ctx context.Context) error {
	pub, err := publisher.New(s.shadows, s.chains, s.producer, s.logger)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	s.pub = pub

	pipe, err := pipeline.New(pipeline.Config{
		Workers:         s.cfg.Pipeline.Workers,
		RetryDelay:      s.cfg.Pipeline.RetryDelay,
		MetricsInterval: s.cfg.Pipeline.MetricsInterval,
		ShutdownTimeout: s.cfg.Pipeline.ShutdownTimeout,
		AutoRegister:    true,
	}, pipeline.Deps{
		Consumer:  s.consumer,
		Dedup:     s.dedups,
		Lookup:    s.points,
		Registrar: s.registry,
		Writer:    s.writer,
		Values:    s.values,
		Snapshot:  s.cache,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	s.pipe = pipe

	ctl, err := recovery.New(s.shadows, s.chains, s.dedups, s.producer, recovery.Config{
		ScanInterval: s.cfg.Recovery.ScanInterval,
		Lookback:     s.cfg.Recovery.Lookback,
		ReplayAfter:  s.cfg.Recovery.ReplayAfter,
		MaxAttempts:  s.cfg.Recovery.MaxAttempts,
	}, s.metrics, s.logger)
	if err != nil {
		return fmt.Errorf("init recovery controller: %w", err)
	}
	s.recover = ctl
	return nil
}

// Start launches the pipeline workers, the recovery scan loop, and the
// shadow purge loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.pipe.Start(ctx); err != nil {
		return err
	}
	s.recover.Start()
	s.purgeStarted = true
	go s.runPurgeLoop()
	s.logger.Info("ingestion service started",
		"workers", s.cfg.Pipeline.Workers, "shadow_path", s.cfg.Shadow.Path)
	return nil
}

// Stop drains the pipeline and recovery controller. The purge loop and
// connections are released by Close.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error
	if s.pipe.State() == pipeline.StateRunning {
		if err := s.pipe.StopAsync(ctx); err != nil {
			firstErr = err
		}
	}
	s.recover.Stop()
	s.logger.Info("ingestion service stopped")
	return firstErr
}

// Close releases every connection and store. Idempotent.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.purgeStop)
		if s.purgeStarted {
			select {
			case <-s.purgeDone:
			case <-time.After(5 * time.Second):
			}
		}
		if s.consumer != nil {
			_ = s.consumer.Close()
		}
		if s.producer != nil {
			_ = s.producer.Close()
		}
		if s.points != nil {
			s.points.Close()
		}
		if s.registry != nil {
			_ = s.registry.Close()
		}
		if s.cache != nil {
			_ = s.cache.Close()
		}
		if s.db != nil {
			_ = s.db.Close()
		}
		if s.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.metrics.Shutdown(ctx)
			cancel()
		}
		_ = s.logger.Close()
	})
}

// runPurgeLoop deletes expired confirmed shadow entries on the
// configured interval. Recovery cycles also purge; this loop covers
// deployments where recovery is scanning rarely or not at all.
func (s *Service) runPurgeLoop() {
	defer close(s.purgeDone)

	interval := s.cfg.Shadow.PurgeInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.purgeStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := s.shadows.PurgeExpired(ctx); err != nil {
				s.logger.Warn("shadow purge failed", "error", err)
			}
			cancel()
		}
	}
}

// PublishBatch runs the resilient producer-side publish. Backfill
// batches go to the historical topic so they do not contend with live
// traffic.
func (s *Service) PublishBatch(ctx context.Context, batch datatypes.DataPointBatch, backfill bool) (publisher.Receipt, error) {
	if backfill {
		return s.pub.PublishBackfill(ctx, batch)
	}
	return s.pub.Publish(ctx, batch)
}

// Health probes every dependency and folds in pipeline state and
// recent-error tracking.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		PipelineState: s.pipe.State().String(),
		Checks:        make(map[string]string),
		Version:       ServiceVersion,
	}

	probes := []struct {
		name  string
		probe func(context.Context) error
	}{
		{"registry", s.registry.Ping},
		{"cache", s.dedups.Health},
		{"timeseries", s.writer.Health},
		{"pipeline", func(context.Context) error { return s.pipe.Health() }},
	}

	healthy := true
	for _, p := range probes {
		if err := p.probe(ctx); err != nil {
			report.Checks[p.name] = err.Error()
			healthy = false
			continue
		}
		report.Checks[p.name] = "ok"
	}

	if msg, at, ok := s.errs.last(); ok {
		report.LastError = msg
		report.LastErrorAt = &at
		report.RecentError = time.Since(at) < recentErrorWindow
	}

	report.Status = "degraded"
	if healthy {
		report.Status = "ok"
	}
	return report
}

// MetricsSnapshot returns the in-process counter view.
func (s *Service) MetricsSnapshot() telemetry.Snapshot {
	return s.metrics.Snapshot()
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Recover runs one recovery cycle, restricted to one source when given.
func (s *Service) Recover(ctx context.Context, source string) (recovery.Report, error) {
	if source != "" {
		return s.recover.RecoverSource(ctx, source)
	}
	return s.recover.RunOnce(ctx)
}

// Checkpoint appends a chain checkpoint marker for a source.
func (s *Service) Checkpoint(ctx context.Context, source, reason string) (chain.Entry, error) {
	if source == "" || reason == "" {
		return chain.Entry{}, errors.New("source and reason are required")
	}
	return s.chains.Checkpoint(ctx, source, reason)
}

// ListPoints queries the registry.
func (s *Service) ListPoints(ctx context.Context, filter registry.ListFilter) ([]datatypes.Point, error) {
	return s.registry.List(ctx, filter)
}

// ChainEntries lists a source's retained chain in order.
func (s *Service) ChainEntries(ctx context.Context, source string, fromSeq int64, limit int) ([]chain.Entry, error) {
	return s.chains.ListEntries(ctx, source, fromSeq, limit)
}

// ListGaps lists a source's recorded gaps.
func (s *Service) ListGaps(ctx context.Context, source string) ([]chain.Gap, error) {
	return s.chains.ListGaps(ctx, source)
}

// ShadowStats summarizes the shadow buffer.
func (s *Service) ShadowStats(ctx context.Context) (shadow.Stats, error) {
	return s.shadows.Stats(ctx)
}

// errorRecorder keeps the most recent Error-level log entry for the
// health report. It plugs into the logger's exporter extension point so
// every component's errors are captured without explicit plumbing.
type errorRecorder struct {
	mu sync.Mutex
	at time.Time
	ms string
	ok bool
}

func newErrorRecorder() *errorRecorder {
	return &errorRecorder{}
}

// Export implements logging.LogExporter.
func (r *errorRecorder) Export(_ context.Context, entry logging.LogEntry) error {
	if entry.Level < logging.LevelError {
		return nil
	}
	r.mu.Lock()
	r.ms = entry.Message
	r.at = entry.Timestamp
	r.ok = true
	r.mu.Unlock()
	return nil
}

// Flush implements logging.LogExporter.
func (r *errorRecorder) Flush(context.Context) error { return nil }

// Close implements logging.LogExporter.
func (r *errorRecorder) Close() error { return nil }

func (r *errorRecorder) last() (string, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ms, r.at, r.ok
}
