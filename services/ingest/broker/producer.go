// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
)

// ProducerConfig configures the batch producer.
type ProducerConfig struct {
	BootstrapServers []string
	Topic            string
	BackfillTopic    string
	ClientID         string

	// MaxRetries bounds the client's internal publish attempts.
	MaxRetries int
}

// messageWriter is the kafka.Writer surface the producer needs; tests
// substitute a fake.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes batches to the real-time and backfill topics.
//
// Thread Safety: Safe for concurrent use; kafka.Writer serializes
// internally.
type Producer struct {
	writer messageWriter
	cfg    ProducerConfig
	logger *logging.Logger
}

// NewProducer connects a producer. RequireAll acks and hash balancing
// on the message key keep per-source ordering across partitions.
func NewProducer(cfg ProducerConfig, logger *logging.Logger) (*Producer, error) {
	if len(cfg.BootstrapServers) == 0 {
		return nil, errors.New("bootstrap servers must not be empty")
	}
	if cfg.Topic == "" || cfg.BackfillTopic == "" {
		return nil, errors.New("topic and backfill topic are required")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 5
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BootstrapServers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxRetries,
		Compression:  kafka.Gzip,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newProducerWithWriter(writer, cfg, logger), nil
}

func newProducerWithWriter(writer messageWriter, cfg ProducerConfig, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Producer{
		writer: writer,
		cfg:    cfg,
		logger: logger.With("component", "producer"),
	}
}

// Publish sends a batch to the real-time topic.
//
// Outputs:
//
//	error - A faults.Fault; publish failures are transient (the broker
//	        may come back) unless encoding itself failed.
func (p *Producer) Publish(ctx context.Context, batch datatypes.DataPointBatch, chainHash string) error {
	return p.publish(ctx, p.cfg.Topic, batch, chainHash)
}

// PublishBackfill sends a batch to the backfill topic; used by gap
// recovery so replays do not contend with live traffic.
func (p *Producer) PublishBackfill(ctx context.Context, batch datatypes.DataPointBatch, chainHash string) error {
	return p.publish(ctx, p.cfg.BackfillTopic, batch, chainHash)
}

func (p *Producer) publish(ctx context.Context, topic string, batch datatypes.DataPointBatch, chainHash string) error {
	msg, err := buildMessage(topic, batch, chainHash)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if faults.KindOf(err) == faults.KindPermanent {
			return faults.Permanent(fmt.Errorf("publish batch %s: %w", batch.BatchID, err))
		}
		return faults.Transient(fmt.Errorf("publish batch %s: %w", batch.BatchID, err))
	}
	p.logger.Debug("batch published",
		"topic", topic, "batch_id", batch.BatchID, "points", len(batch.Points))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
