// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/faults"
)

// fakeWriter records written messages.
type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

// fakeFetcher serves queued messages and records commits.
type fakeFetcher struct {
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.queue) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeFetcher) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeFetcher) Close() error {
	f.closed = true
	return nil
}

func testBatch() datatypes.DataPointBatch {
	return datatypes.NewBatch("plc-01", []datatypes.DataPoint{
		{
			PointName: "plant.line1.temp", Timestamp: time.Now().UTC(),
			Value: 21.5, Quality: datatypes.QualityGood,
		},
	})
}

func testConsumer(reader messageFetcher, dlq messageWriter) *Consumer {
	return newConsumerWith(reader, dlq, ConsumerConfig{
		Topic: "datapoints", DLQTopic: "datapoints.dlq",
		GroupID: "historian-ingest", PollTimeout: 50 * time.Millisecond,
	}, nil)
}

func TestBuildMessage_Headers(t *testing.T) {
	batch := testBatch()
	msg, err := buildMessage("datapoints", batch, "abc123")
	require.NoError(t, err)

	assert.Equal(t, "datapoints", msg.Topic)
	assert.Equal(t, []byte("plc-01"), msg.Key)
	assert.Equal(t, batch.BatchID, headerValue(msg, HeaderBatchID))
	assert.Equal(t, "1", headerValue(msg, HeaderPointCount))
	assert.Equal(t, "abc123", headerValue(msg, HeaderChainHash))
	assert.Equal(t, payloadHash(batch), headerValue(msg, HeaderDataHash))
	assert.NotEmpty(t, headerValue(msg, HeaderSentAt))
}

func TestDecodeMessage_RoundTrip(t *testing.T) {
	batch := testBatch()
	msg, err := buildMessage("datapoints", batch, "abc123")
	require.NoError(t, err)

	env := decodeMessage(msg)
	require.False(t, env.Poison())
	assert.Equal(t, batch.BatchID, env.Batch.BatchID)
	assert.Equal(t, "abc123", env.ChainHash)
	assert.Len(t, env.Batch.Points, 1)
}

func TestDecodeMessage_DigestMismatch(t *testing.T) {
	msg, err := buildMessage("datapoints", testBatch(), "abc123")
	require.NoError(t, err)

	// Swap the payload for a different, well-formed batch; the digest
	// header no longer matches what the producer hashed.
	swapped, err := buildMessage("datapoints", testBatch(), "other")
	require.NoError(t, err)
	msg.Value = swapped.Value

	env := decodeMessage(msg)
	require.True(t, env.Poison())
	assert.Equal(t, faults.KindPoison, faults.KindOf(env.Err))
	assert.Contains(t, env.Err.Error(), "digest mismatch")

	// Messages without the header skip the check.
	bare := kafka.Message{Value: swapped.Value}
	assert.False(t, decodeMessage(bare).Poison())
}

func TestDecodeMessage_Poison(t *testing.T) {
	env := decodeMessage(kafka.Message{Value: []byte("not json")})
	require.True(t, env.Poison())
	assert.Equal(t, faults.KindPoison, faults.KindOf(env.Err))

	// Structurally valid JSON that fails batch validation is poison too.
	env = decodeMessage(kafka.Message{Value: []byte(`{"batchId":"","dataSourceId":"","points":[]}`)})
	assert.True(t, env.Poison())
}

func TestProducer_Publish(t *testing.T) {
	writer := &fakeWriter{}
	p := newProducerWithWriter(writer, ProducerConfig{
		Topic: "datapoints", BackfillTopic: "datapoints.backfill",
	}, nil)

	require.NoError(t, p.Publish(context.Background(), testBatch(), "h1"))
	require.Len(t, writer.msgs, 1)
	assert.Equal(t, "datapoints", writer.msgs[0].Topic)

	require.NoError(t, p.PublishBackfill(context.Background(), testBatch(), "h2"))
	require.Len(t, writer.msgs, 2)
	assert.Equal(t, "datapoints.backfill", writer.msgs[1].Topic)
}

func TestProducer_PublishFailureIsTransient(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker unavailable")}
	p := newProducerWithWriter(writer, ProducerConfig{
		Topic: "datapoints", BackfillTopic: "datapoints.backfill",
	}, nil)

	err := p.Publish(context.Background(), testBatch(), "h1")
	require.Error(t, err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))
}

func TestConsumer_PollAndCommit(t *testing.T) {
	batch := testBatch()
	msg, err := buildMessage("datapoints", batch, "h1")
	require.NoError(t, err)
	msg.Offset = 7

	reader := &fakeFetcher{queue: []kafka.Message{msg}}
	c := testConsumer(reader, &fakeWriter{})

	env, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, batch.BatchID, env.Batch.BatchID)

	require.NoError(t, c.Commit(context.Background(), env))
	require.Len(t, reader.committed, 1)
	assert.Equal(t, int64(7), reader.committed[0].Offset)
}

func TestConsumer_PollTimeout(t *testing.T) {
	c := testConsumer(&fakeFetcher{}, &fakeWriter{})

	env, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestConsumer_PauseResume(t *testing.T) {
	msg, err := buildMessage("datapoints", testBatch(), "h1")
	require.NoError(t, err)
	reader := &fakeFetcher{queue: []kafka.Message{msg}}
	c := testConsumer(reader, &fakeWriter{})

	c.Pause()
	start := time.Now()
	env, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.True(t, c.Paused())
	// A paused poll backs off instead of spinning.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	c.Resume()
	env, err = c.Poll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, env)
}

func TestConsumer_EmitDLQ(t *testing.T) {
	dlq := &fakeWriter{}
	c := testConsumer(&fakeFetcher{}, dlq)

	env := decodeMessage(kafka.Message{
		Topic: "datapoints",
		Key:   []byte("plc-01"),
		Value: []byte("not json"),
		Headers: []kafka.Header{
			{Key: HeaderBatchID, Value: []byte("b1")},
		},
	})
	require.True(t, env.Poison())

	require.NoError(t, c.EmitDLQ(context.Background(), env, "decode failure"))
	require.Len(t, dlq.msgs, 1)

	out := dlq.msgs[0]
	assert.Equal(t, "datapoints.dlq", out.Topic)
	assert.Equal(t, []byte("plc-01"), out.Key)
	assert.Equal(t, []byte("not json"), out.Value)
	assert.Equal(t, "b1", headerValue(out, HeaderBatchID))
	assert.Equal(t, "decode failure", headerValue(out, HeaderError))
	assert.Equal(t, "datapoints", headerValue(out, HeaderOrigTopic))
}

func TestSeek_RejectsBadArguments(t *testing.T) {
	ctx := context.Background()

	_, err := Seek(ctx, nil, "datapoints", 0, 0)
	assert.Error(t, err)

	_, err = Seek(ctx, []string{"localhost:9092"}, "", 0, 0)
	assert.Error(t, err)

	_, err = Seek(ctx, []string{"localhost:9092"}, "datapoints", -1, 0)
	assert.Error(t, err)

	_, err = Seek(ctx, []string{"localhost:9092"}, "datapoints", 0, -1)
	assert.Error(t, err)
}

func TestConsumer_ContextCancelled(t *testing.T) {
	c := testConsumer(&fakeFetcher{}, &fakeWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
