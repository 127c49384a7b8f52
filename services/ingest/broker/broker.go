// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broker carries batches over Kafka.
//
// Messages are keyed by data source id so one source always lands on one
// partition, preserving per-source ordering end to end. Metadata rides
// in headers; the value is the batch's JSON encoding. Delivery is
// at-least-once: offsets are committed only after the pipeline durably
// applies a batch, and the idempotency store absorbs redeliveries.
package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
)

// Header names on every batch message.
const (
	HeaderBatchID    = "batch_id"
	HeaderPointCount = "point_count"
	HeaderSentAt     = "sent_at"
	HeaderChainHash  = "chain_hash"
	HeaderDataHash   = "data_hash"
	HeaderError      = "error"
	HeaderOrigTopic  = "original_topic"
)

// Envelope is one received batch message.
type Envelope struct {
	// Msg is the raw message, retained for offset commits and DLQ.
	Msg kafka.Message

	// Batch is the decoded payload; zero when Err is set.
	Batch datatypes.DataPointBatch

	// ChainHash is the producer's chain hash header, when present.
	// Carried for lineage diagnostics and into the DLQ.
	ChainHash string

	// Err is non-nil for poison messages that failed decoding or
	// validation. Poison envelopes go to the DLQ, never back to the
	// topic.
	Err error

	ReceivedAt time.Time
}

// Poison reports whether the envelope failed decoding.
func (e *Envelope) Poison() bool {
	return e.Err != nil
}

// payloadHash is the hex SHA-256 of the batch's canonical bytes, the
// same digest the chain entry records as its DataHash.
func payloadHash(batch datatypes.DataPointBatch) string {
	sum := sha256.Sum256(batch.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// buildMessage encodes a batch into a keyed, headered Kafka message.
func buildMessage(topic string, batch datatypes.DataPointBatch, chainHash string) (kafka.Message, error) {
	value, err := datatypes.EncodeBatch(batch)
	if err != nil {
		return kafka.Message{}, faults.Permanent(err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(batch.DataSourceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderBatchID, Value: []byte(batch.BatchID)},
			{Key: HeaderPointCount, Value: []byte(strconv.Itoa(len(batch.Points)))},
			{Key: HeaderSentAt, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
			{Key: HeaderChainHash, Value: []byte(chainHash)},
			{Key: HeaderDataHash, Value: []byte(payloadHash(batch))},
		},
	}, nil
}

// decodeMessage turns a raw message into an Envelope. Decode,
// validation, and digest failures are captured in Envelope.Err rather
// than returned, so the caller can still commit and dead-letter the
// message.
func decodeMessage(msg kafka.Message) *Envelope {
	env := &Envelope{
		Msg:        msg,
		ChainHash:  headerValue(msg, HeaderChainHash),
		ReceivedAt: time.Now().UTC(),
	}

	batch, err := datatypes.DecodeBatch(msg.Value)
	if err != nil {
		env.Err = faults.Poison(err)
		return env
	}
	if err := batch.Validate(); err != nil {
		env.Err = faults.Poison(err)
		return env
	}
	// The digest header pins the payload to what the producer hashed
	// into the integrity chain; a mismatch means in-flight corruption
	// or tampering.
	if want := headerValue(msg, HeaderDataHash); want != "" && want != payloadHash(batch) {
		env.Err = faults.Poison(fmt.Errorf("payload digest mismatch for batch %s", batch.BatchID))
		return env
	}
	env.Batch = batch
	return env
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// dlqMessage wraps a poison or rejected message for the dead-letter
// topic, preserving the original key, value, and headers.
func dlqMessage(dlqTopic string, env *Envelope, reason string) kafka.Message {
	headers := make([]kafka.Header, 0, len(env.Msg.Headers)+2)
	headers = append(headers, env.Msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(reason)},
		kafka.Header{Key: HeaderOrigTopic, Value: []byte(env.Msg.Topic)},
	)
	return kafka.Message{
		Topic:   dlqTopic,
		Key:     env.Msg.Key,
		Value:   env.Msg.Value,
		Headers: headers,
	}
}
