// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publisher is the producer-side resilient publish primitive.
//
// Publish runs three steps in a fixed order: durable shadow buffering,
// chain entry creation, broker publish. The ordering carries the loss
// guarantee: once the shadow write succeeds the batch cannot be lost,
// whatever happens to the chain store or the broker afterwards. The
// shadow entry stays unconfirmed until the recovery controller sees the
// batch id in the idempotency store, so a failed publish is replayed on
// the next recovery cycle rather than surfaced to the connector as data
// loss.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/chain"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
	"github.com/AleutianAI/historian/services/ingest/shadow"
)

// BatchBuffer is the shadow buffer surface the publisher needs.
type BatchBuffer interface {
	Buffer(ctx context.Context, batch datatypes.DataPointBatch) (shadow.Entry, error)
	SetChainEntry(ctx context.Context, shadowID, chainEntryID string) error
}

// ChainAppender appends integrity chain entries.
type ChainAppender interface {
	CreateEntry(ctx context.Context, batch datatypes.DataPointBatch) (chain.Entry, error)
}

// BrokerProducer publishes batches to the broker.
type BrokerProducer interface {
	Publish(ctx context.Context, batch datatypes.DataPointBatch, chainHash string) error
	PublishBackfill(ctx context.Context, batch datatypes.DataPointBatch, chainHash string) error
}

// Receipt reports how far a publish got.
type Receipt struct {
	BatchID  string `json:"batchId"`
	ShadowID string `json:"shadowId"`

	// ChainEntryID and Sequence are zero when chain creation failed;
	// the shadow entry still protects the batch.
	ChainEntryID string `json:"chainEntryId,omitempty"`
	Sequence     int64  `json:"sequence,omitempty"`
	ChainHash    string `json:"chainHash,omitempty"`

	// Published is false when the broker rejected or was unreachable;
	// the batch will be replayed by the recovery controller.
	Published bool `json:"published"`
}

// Publisher combines shadow buffer, chain, and producer into one
// publish call.
//
// Thread Safety: Safe for concurrent use; serialization happens inside
// the shadow and chain stores.
type Publisher struct {
	buffer   BatchBuffer
	chains   ChainAppender
	producer BrokerProducer
	logger   *logging.Logger
}

// New wires the three stages.
func New(buffer BatchBuffer, chains ChainAppender, producer BrokerProducer, logger *logging.Logger) (*Publisher, error) {
	if buffer == nil || chains == nil || producer == nil {
		return nil, errors.New("buffer, chain, and producer are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		buffer:   buffer,
		chains:   chains,
		producer: producer,
		logger:   logger.With("component", "publisher"),
	}, nil
}

// Publish buffers, chains, and publishes one batch.
//
// Description:
//
//	Step 1 failures abort everything: nothing was persisted, the caller
//	must retry. Step 2 and 3 failures return an error alongside a
//	partial receipt; the shadow entry is durable and unconfirmed, and
//	recovery will finish the job. Callers that only need the loss
//	guarantee can therefore treat any error after step 1 as deferred
//	success.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	batch - The validated, immutable batch.
//
// Outputs:
//
//	Receipt - How far the publish got; valid even on error once the
//	          shadow write succeeded.
//	error - A faults.Fault describing the first failed step.
func (p *Publisher) Publish(ctx context.Context, batch datatypes.DataPointBatch) (Receipt, error) {
	return p.publish(ctx, batch, false)
}

// PublishBackfill runs the same resilient publish but targets the
// backfill topic, keeping historical loads off the live partition lag.
func (p *Publisher) PublishBackfill(ctx context.Context, batch datatypes.DataPointBatch) (Receipt, error) {
	return p.publish(ctx, batch, true)
}

func (p *Publisher) publish(ctx context.Context, batch datatypes.DataPointBatch, backfill bool) (Receipt, error) {
	if err := batch.Validate(); err != nil {
		return Receipt{}, faults.Permanent(err)
	}

	entry, err := p.buffer.Buffer(ctx, batch)
	if err != nil {
		return Receipt{}, faults.Transient(fmt.Errorf("shadow write for batch %s: %w", batch.BatchID, err))
	}
	receipt := Receipt{BatchID: batch.BatchID, ShadowID: entry.ShadowID}

	link, err := p.chains.CreateEntry(ctx, batch)
	if err != nil {
		// The batch is safe in the shadow buffer. Later entries will
		// skip this sequence and validation records the gap.
		p.logger.Warn("chain entry creation failed, batch remains shadow-buffered",
			"batch_id", batch.BatchID, "error", err)
		return receipt, faults.Transient(fmt.Errorf("chain entry for batch %s: %w", batch.BatchID, err))
	}
	receipt.ChainEntryID = link.EntryID
	receipt.Sequence = link.Sequence
	receipt.ChainHash = link.ChainHash

	if err := p.buffer.SetChainEntry(ctx, entry.ShadowID, link.EntryID); err != nil {
		// Linkage is diagnostic only; recovery keys on batch id.
		p.logger.Warn("shadow chain-entry linkage failed",
			"shadow_id", entry.ShadowID, "error", err)
	}

	produce := p.producer.Publish
	if backfill {
		produce = p.producer.PublishBackfill
	}
	if err := produce(ctx, batch, link.ChainHash); err != nil {
		p.logger.Warn("broker publish failed, batch remains shadow-buffered",
			"batch_id", batch.BatchID, "sequence", link.Sequence, "error", err)
		return receipt, err
	}
	receipt.Published = true

	p.logger.Debug("batch published",
		"batch_id", batch.BatchID, "source", batch.DataSourceID,
		"sequence", link.Sequence, "points", len(batch.Points))
	return receipt, nil
}
