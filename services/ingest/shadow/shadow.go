// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shadow implements the producer-side durable buffer.
//
// Every batch is persisted here before it leaves the producer. Entries
// stay until they are confirmed (the downstream pipeline durably applied
// the batch) and their retention expires; unconfirmed entries are never
// purged. The gap recovery controller replays unconfirmed entries after
// broker or consumer outages.
//
// Storage layout (BadgerDB):
//
//	sb:{source}:{bufferedAtNs:020d}:{shadowID}  -> [4-byte CRC32][JSON record]
//	sbid:{shadowID}                             -> primary key
//	sbbatch:{batchID}                           -> primary key
//	sbts:{source}:{minTsNs:020d}:{shadowID}     -> primary key
//
// The CRC framing detects torn or corrupted records on replay.
package shadow

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/storage"
	dgbadger "github.com/dgraph-io/badger/v4"
)

var (
	// ErrNotFound is returned when a shadow entry does not exist.
	ErrNotFound = errors.New("shadow entry not found")

	// ErrCorrupted is returned when a stored record fails its CRC check.
	ErrCorrupted = errors.New("shadow entry corrupted (CRC mismatch)")
)

// Entry describes one buffered batch.
type Entry struct {
	// ShadowID is the opaque entry identifier.
	ShadowID string `json:"shadowId"`

	DataSourceID string `json:"dataSourceId"`
	BatchID      string `json:"batchId"`

	// ChainEntryID links to the integrity-chain entry, when one was
	// created after buffering.
	ChainEntryID string `json:"chainEntryId,omitempty"`

	PointCount int `json:"pointCount"`

	BufferedAt  time.Time  `json:"bufferedAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`

	MinTS time.Time `json:"minTs"`
	MaxTS time.Time `json:"maxTs"`

	// Compressed indicates the payload is gzip-compressed batch JSON.
	Compressed bool `json:"compressed"`

	// Payload is the serialized batch.
	Payload []byte `json:"payload"`
}

// Confirmed reports whether the downstream pipeline acknowledged the batch.
func (e Entry) Confirmed() bool {
	return e.ConfirmedAt != nil
}

// Stats summarizes buffer contents.
type Stats struct {
	TotalEntries       int            `json:"totalEntries"`
	UnconfirmedEntries int            `json:"unconfirmedEntries"`
	PerSource          map[string]int `json:"perSource"`
	PerSourceUnconf    map[string]int `json:"perSourceUnconfirmed"`
	OldestBufferedAt   time.Time      `json:"oldestBufferedAt"`
	NewestBufferedAt   time.Time      `json:"newestBufferedAt"`
	DiskSizeBytes      int64          `json:"diskSizeBytes"`
}

// Config controls buffering behavior.
type Config struct {
	// Compression enables gzip of the batch payload.
	Compression bool

	// CompressionLevel is the gzip level (1-9).
	CompressionLevel int

	// Retention is how long confirmed entries are kept.
	Retention time.Duration

	// MaxSizeWarnBytes logs a warning when the database exceeds it.
	// Zero disables the warning.
	MaxSizeWarnBytes int64
}

// Store is the durable shadow buffer.
//
// Thread Safety: Safe for concurrent use. Writes are serialized by a
// single-writer mutex; reads run concurrently.
type Store struct {
	db     *storage.DB
	cfg    Config
	logger *logging.Logger

	// mu serializes durable writes so per-source buffered-at ordering
	// is strict.
	mu sync.Mutex
}

// New creates a shadow buffer on the given database.
func New(db *storage.DB, cfg Config, logger *logging.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.Compression && (cfg.CompressionLevel < 1 || cfg.CompressionLevel > 9) {
		return nil, fmt.Errorf("compression level must be 1-9, got %d", cfg.CompressionLevel)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "shadow"),
	}, nil
}

func primaryKey(source string, bufferedAt time.Time, shadowID string) []byte {
	return fmt.Appendf(nil, "sb:%s:%020d:%s", source, bufferedAt.UnixNano(), shadowID)
}

func idKey(shadowID string) []byte {
	return fmt.Appendf(nil, "sbid:%s", shadowID)
}

func batchKey(batchID string) []byte {
	return fmt.Appendf(nil, "sbbatch:%s", batchID)
}

func tsKey(source string, minTS time.Time, shadowID string) []byte {
	return fmt.Appendf(nil, "sbts:%s:%020d:%s", source, minTS.UnixNano(), shadowID)
}

// Buffer persists a batch durably and returns its shadow entry.
//
// Description:
//
//	Serializes the batch (gzip-compressed when configured), frames it
//	with a CRC32 checksum, and commits it together with its lookup
//	indices in one synchronous transaction. The entry is crash-durable
//	when Buffer returns.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	batch - The immutable batch to buffer.
//
// Outputs:
//
//	Entry - The persisted entry (unconfirmed).
//	error - Non-nil if serialization or the durable write fails.
func (s *Store) Buffer(ctx context.Context, batch datatypes.DataPointBatch) (Entry, error) {
	raw, err := datatypes.EncodeBatch(batch)
	if err != nil {
		return Entry{}, err
	}

	payload := raw
	compressed := false
	if s.cfg.Compression {
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, s.cfg.CompressionLevel)
		if err != nil {
			return Entry{}, fmt.Errorf("init gzip writer: %w", err)
		}
		if _, err := zw.Write(raw); err != nil {
			return Entry{}, fmt.Errorf("compress batch %s: %w", batch.BatchID, err)
		}
		if err := zw.Close(); err != nil {
			return Entry{}, fmt.Errorf("compress batch %s: %w", batch.BatchID, err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	minTS, maxTS := batch.TimeRange()
	entry := Entry{
		ShadowID:     uuid.NewString(),
		DataSourceID: batch.DataSourceID,
		BatchID:      batch.BatchID,
		PointCount:   len(batch.Points),
		BufferedAt:   time.Now().UTC(),
		MinTS:        minTS,
		MaxTS:        maxTS,
		Compressed:   compressed,
		Payload:      payload,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pk := primaryKey(entry.DataSourceID, entry.BufferedAt, entry.ShadowID)
	value, err := frame(entry)
	if err != nil {
		return Entry{}, err
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(pk, value); err != nil {
			return err
		}
		if err := txn.Set(idKey(entry.ShadowID), pk); err != nil {
			return err
		}
		if err := txn.Set(batchKey(entry.BatchID), pk); err != nil {
			return err
		}
		return txn.Set(tsKey(entry.DataSourceID, entry.MinTS, entry.ShadowID), pk)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("buffer batch %s: %w", batch.BatchID, err)
	}

	if s.cfg.MaxSizeWarnBytes > 0 {
		if size := s.db.DiskSize(); size > s.cfg.MaxSizeWarnBytes {
			s.logger.Warn("shadow buffer size above threshold",
				"size_bytes", size, "threshold_bytes", s.cfg.MaxSizeWarnBytes)
		}
	}

	return entry, nil
}

// SetChainEntry records the chain entry id created for a buffered batch.
func (s *Store) SetChainEntry(ctx context.Context, shadowID, chainEntryID string) error {
	return s.update(ctx, shadowID, func(e *Entry) {
		e.ChainEntryID = chainEntryID
	})
}

// Confirm records that the batch was durably applied downstream.
func (s *Store) Confirm(ctx context.Context, shadowID string) error {
	now := time.Now().UTC()
	return s.update(ctx, shadowID, func(e *Entry) {
		if e.ConfirmedAt == nil {
			e.ConfirmedAt = &now
		}
	})
}

// ConfirmBatch confirms by batch id; used by the reconciliation path,
// which only knows the idempotency key. Confirming an unknown batch is
// not an error (the entry may already be purged).
func (s *Store) ConfirmBatch(ctx context.Context, batchID string) error {
	var pk []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(batchKey(batchID))
		if err != nil {
			return err
		}
		pk, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup batch %s: %w", batchID, err)
	}
	return s.updateByKey(ctx, pk, func(e *Entry) {
		if e.ConfirmedAt == nil {
			now := time.Now().UTC()
			e.ConfirmedAt = &now
		}
	})
}

// Get returns a single entry by shadow id.
func (s *Store) Get(ctx context.Context, shadowID string) (Entry, error) {
	var pk []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(idKey(shadowID))
		if err != nil {
			return err
		}
		pk, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return s.getByKey(ctx, pk)
}

// GetUnconfirmed returns unconfirmed entries for a source buffered at or
// after since, ordered by buffered-at.
func (s *Store) GetUnconfirmed(ctx context.Context, source string, since time.Time) ([]Entry, error) {
	var entries []Entry
	prefix := fmt.Appendf(nil, "sb:%s:", source)

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := unframe(value)
			if err != nil {
				return err
			}
			if entry.Confirmed() || entry.BufferedAt.Before(since) {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan unconfirmed for %s: %w", source, err)
	}
	return entries, nil
}

// GetForRecovery returns entries for a source whose minimum point
// timestamp falls within [from, to], ordered by min-ts. Used by the gap
// recovery controller to find batches covering a chain gap.
func (s *Store) GetForRecovery(ctx context.Context, source string, from, to time.Time) ([]Entry, error) {
	var entries []Entry
	prefix := fmt.Appendf(nil, "sbts:%s:", source)
	seek := fmt.Appendf(nil, "sbts:%s:%020d:", source, from.UnixNano())

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			pk, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := s.readByKeyTxn(txn, pk)
			if err != nil {
				return err
			}
			if entry.MinTS.After(to) {
				break
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan recovery range for %s: %w", source, err)
	}
	return entries, nil
}

// SourcesWithUnconfirmed lists data sources that currently hold at least
// one unconfirmed entry.
func (s *Store) SourcesWithUnconfirmed(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	prefix := []byte("sb:")

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := unframe(value)
			if err != nil {
				return err
			}
			if !entry.Confirmed() {
				seen[entry.DataSourceID] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sources := make([]string, 0, len(seen))
	for src := range seen {
		sources = append(sources, src)
	}
	return sources, nil
}

// Decode reconstructs the original batch from an entry's payload.
func (s *Store) Decode(entry Entry) (datatypes.DataPointBatch, error) {
	raw := entry.Payload
	if entry.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(entry.Payload))
		if err != nil {
			return datatypes.DataPointBatch{}, fmt.Errorf("decompress shadow entry %s: %w", entry.ShadowID, err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return datatypes.DataPointBatch{}, fmt.Errorf("decompress shadow entry %s: %w", entry.ShadowID, err)
		}
		if err := zr.Close(); err != nil {
			return datatypes.DataPointBatch{}, fmt.Errorf("decompress shadow entry %s: %w", entry.ShadowID, err)
		}
	}
	return datatypes.DecodeBatch(raw)
}

// PurgeExpired deletes confirmed entries whose confirmation is older
// than the configured retention. Unconfirmed entries are never deleted.
//
// Outputs:
//
//	int - Number of entries deleted.
//	error - Non-nil if the scan or deletion fails.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	prefix := []byte("sb:")

	type victim struct {
		entry Entry
		pk    []byte
	}
	var victims []victim

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			pk := it.Item().KeyCopy(nil)
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := unframe(value)
			if err != nil {
				return err
			}
			if entry.Confirmed() && entry.ConfirmedAt.Before(cutoff) {
				victims = append(victims, victim{entry: entry, pk: pk})
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan for purge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range victims {
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			if err := txn.Delete(v.pk); err != nil {
				return err
			}
			if err := txn.Delete(idKey(v.entry.ShadowID)); err != nil {
				return err
			}
			if err := txn.Delete(batchKey(v.entry.BatchID)); err != nil {
				return err
			}
			return txn.Delete(tsKey(v.entry.DataSourceID, v.entry.MinTS, v.entry.ShadowID))
		})
		if err != nil {
			return 0, fmt.Errorf("purge entry %s: %w", v.entry.ShadowID, err)
		}
	}

	if len(victims) > 0 {
		s.logger.Info("purged expired shadow entries", "count", len(victims))
	}
	return len(victims), nil
}

// Stats returns buffer totals, per-source counts, and on-disk size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		PerSource:       make(map[string]int),
		PerSourceUnconf: make(map[string]int),
	}
	prefix := []byte("sb:")

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := unframe(value)
			if err != nil {
				return err
			}
			stats.TotalEntries++
			stats.PerSource[entry.DataSourceID]++
			if !entry.Confirmed() {
				stats.UnconfirmedEntries++
				stats.PerSourceUnconf[entry.DataSourceID]++
			}
			if stats.OldestBufferedAt.IsZero() || entry.BufferedAt.Before(stats.OldestBufferedAt) {
				stats.OldestBufferedAt = entry.BufferedAt
			}
			if entry.BufferedAt.After(stats.NewestBufferedAt) {
				stats.NewestBufferedAt = entry.BufferedAt
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	stats.DiskSizeBytes = s.db.DiskSize()
	return stats, nil
}

// update rewrites an entry found via the shadow-id index.
func (s *Store) update(ctx context.Context, shadowID string, mutate func(*Entry)) error {
	var pk []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(idKey(shadowID))
		if err != nil {
			return err
		}
		pk, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return s.updateByKey(ctx, pk, mutate)
}

func (s *Store) updateByKey(ctx context.Context, pk []byte, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry, err := s.readByKeyTxn(txn, pk)
		if err != nil {
			return err
		}
		mutate(&entry)
		value, err := frame(entry)
		if err != nil {
			return err
		}
		return txn.Set(pk, value)
	})
}

func (s *Store) getByKey(ctx context.Context, pk []byte) (Entry, error) {
	var entry Entry
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		entry, err = s.readByKeyTxn(txn, pk)
		return err
	})
	return entry, err
}

func (s *Store) readByKeyTxn(txn *dgbadger.Txn, pk []byte) (Entry, error) {
	item, err := txn.Get(pk)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return Entry{}, err
	}
	return unframe(value)
}

// frame encodes an entry as [4-byte CRC32][JSON].
func frame(entry Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode shadow entry %s: %w", entry.ShadowID, err)
	}
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(data))
	copy(out[4:], data)
	return out, nil
}

// unframe verifies the CRC and decodes the entry.
func unframe(value []byte) (Entry, error) {
	if len(value) < 4 {
		return Entry{}, ErrCorrupted
	}
	want := binary.BigEndian.Uint32(value[:4])
	data := value[4:]
	if crc32.ChecksumIEEE(data) != want {
		return Entry{}, ErrCorrupted
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode shadow entry: %w", err)
	}
	return entry, nil
}
