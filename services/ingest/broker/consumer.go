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
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/faults"
)

// ConsumerConfig configures the group consumer.
type ConsumerConfig struct {
	BootstrapServers []string
	Topic            string
	BackfillTopic    string
	DLQTopic         string
	GroupID          string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration

	// PollTimeout bounds one Poll call; Poll returns nil when no
	// message arrives in time.
	PollTimeout time.Duration
}

// messageFetcher is the kafka.Reader surface the consumer needs.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads batch messages with manual offset commits.
//
// Offsets advance only via Commit, after the pipeline has durably
// applied (or dead-lettered) the batch. A crash between apply and
// commit causes a redelivery, which the idempotency store skips.
//
// Thread Safety: Poll and Commit must be called from one goroutine per
// Consumer; Pause, Resume, and EmitDLQ may be called from any.
type Consumer struct {
	reader messageFetcher
	dlq    messageWriter
	cfg    ConsumerConfig
	logger *logging.Logger

	paused atomic.Bool
}

// NewConsumer joins the consumer group on the real-time and backfill
// topics.
func NewConsumer(cfg ConsumerConfig, logger *logging.Logger) (*Consumer, error) {
	if len(cfg.BootstrapServers) == 0 {
		return nil, errors.New("bootstrap servers must not be empty")
	}
	if cfg.Topic == "" || cfg.DLQTopic == "" || cfg.GroupID == "" {
		return nil, errors.New("topic, dlq topic, and group id are required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}

	topics := []string{cfg.Topic}
	if cfg.BackfillTopic != "" {
		topics = append(topics, cfg.BackfillTopic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.BootstrapServers,
		GroupID:           cfg.GroupID,
		GroupTopics:       topics,
		StartOffset:       kafka.FirstOffset,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IsolationLevel:    kafka.ReadCommitted,
		// Manual commits only.
		CommitInterval: 0,
	})
	dlq := &kafka.Writer{
		Addr:         kafka.TCP(cfg.BootstrapServers...),
		Topic:        cfg.DLQTopic,
		RequiredAcks: kafka.RequireAll,
	}
	return newConsumerWith(reader, dlq, cfg, logger), nil
}

func newConsumerWith(reader messageFetcher, dlq messageWriter, cfg ConsumerConfig, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Consumer{
		reader: reader,
		dlq:    dlq,
		cfg:    cfg,
		logger: logger.With("component", "consumer"),
	}
}

// Poll fetches and decodes the next message. Returns (nil, nil) when the
// poll timeout elapses without a message or the consumer is paused.
// A returned envelope with Poison() true must be dead-lettered and
// committed by the caller.
func (c *Consumer) Poll(ctx context.Context) (*Envelope, error) {
	if c.paused.Load() {
		// Back off for one poll interval so caller loops do not spin
		// while paused.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollTimeout):
		}
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	msg, err := c.reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Transient(fmt.Errorf("fetch message: %w", err))
	}
	return decodeMessage(msg), nil
}

// Commit advances the group offset past the envelope's message.
func (c *Consumer) Commit(ctx context.Context, env *Envelope) error {
	if err := c.reader.CommitMessages(ctx, env.Msg); err != nil {
		return faults.Transient(fmt.Errorf("commit offset %d: %w", env.Msg.Offset, err))
	}
	return nil
}

// EmitDLQ copies the envelope's raw message to the dead-letter topic
// with the failure reason attached. The caller still commits afterwards.
func (c *Consumer) EmitDLQ(ctx context.Context, env *Envelope, reason string) error {
	if err := c.dlq.WriteMessages(ctx, dlqMessage(c.cfg.DLQTopic, env, reason)); err != nil {
		return faults.Transient(fmt.Errorf("dead-letter offset %d: %w", env.Msg.Offset, err))
	}
	c.logger.Warn("message dead-lettered",
		"offset", env.Msg.Offset, "topic", env.Msg.Topic, "reason", reason)
	return nil
}

// Pause makes subsequent Poll calls return immediately without
// fetching. In-group membership is retained.
func (c *Consumer) Pause() { c.paused.Store(true) }

// Resume re-enables fetching.
func (c *Consumer) Resume() { c.paused.Store(false) }

// Paused reports the pause flag.
func (c *Consumer) Paused() bool { return c.paused.Load() }

// Seek reads the message at an exact partition offset through a one-shot
// non-group reader. Group readers cannot reposition, so this is a
// diagnostics operation (inspecting a dead-lettered or disputed offset);
// the consumer group's committed offsets are untouched.
func Seek(ctx context.Context, brokers []string, topic string, partition int, offset int64) (*Envelope, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("brokers and topic are required")
	}
	if partition < 0 || offset < 0 {
		return nil, fmt.Errorf("partition and offset must be non-negative, got %d/%d", partition, offset)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: partition,
	})
	defer func() { _ = reader.Close() }()

	if err := reader.SetOffset(offset); err != nil {
		return nil, faults.Transient(fmt.Errorf("seek %s/%d to offset %d: %w", topic, partition, offset, err))
	}
	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("read %s/%d at offset %d: %w", topic, partition, offset, err))
	}
	return decodeMessage(msg), nil
}

// Close leaves the group and closes the DLQ writer.
func (c *Consumer) Close() error {
	rerr := c.reader.Close()
	derr := c.dlq.Close()
	if rerr != nil {
		return rerr
	}
	return derr
}
