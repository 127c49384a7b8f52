// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain implements the per-source temporal integrity chain.
//
// Each published batch appends one entry: a monotonically increasing
// sequence number, a SHA-256 hash of the batch's canonical serialization,
// and a chain hash linking it to the previous entry. A verifier can walk
// the chain and prove that no batch was lost, reordered, or altered
// between producer and store. Sequence discontinuities become persisted
// Gap records that drive the recovery controller.
//
// Storage layout (BadgerDB, shared with the shadow buffer):
//
//	ch:{source}:{seq:016d}      -> [4-byte CRC32][JSON entry]
//	chlast:{source}             -> same framing, copy of the last entry
//	gap:{source}:{firstMissing:016d} -> [4-byte CRC32][JSON gap]
//
// The zero-padded sequence keeps Badger's key order equal to chain order.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
	"github.com/AleutianAI/historian/services/ingest/storage"
	dgbadger "github.com/dgraph-io/badger/v4"
)

// GenesisHash is the chain hash preceding the first entry of every source.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EntryKind distinguishes data entries from checkpoint markers.
type EntryKind string

const (
	KindData       EntryKind = "data"
	KindCheckpoint EntryKind = "checkpoint"
)

// GapStatus is the recovery lifecycle of a detected gap.
type GapStatus string

const (
	GapDetected   GapStatus = "detected"
	GapRecovering GapStatus = "recovering"
	GapRecovered  GapStatus = "recovered"
	GapFailed     GapStatus = "failed"
	GapAbandoned  GapStatus = "abandoned"
)

var (
	// ErrNotFound is returned when a chain entry or gap does not exist.
	ErrNotFound = errors.New("chain entry not found")

	// ErrCorrupted is returned when a stored record fails its CRC check.
	ErrCorrupted = errors.New("chain record corrupted (CRC mismatch)")
)

// Entry is one link in a source's integrity chain.
type Entry struct {
	EntryID      string    `json:"entryId"`
	DataSourceID string    `json:"dataSourceId"`
	Sequence     int64     `json:"sequence"`
	Kind         EntryKind `json:"kind"`

	// BatchID is the batch this entry covers; for checkpoints it is the
	// checkpoint reason.
	BatchID    string `json:"batchId"`
	PointCount int    `json:"pointCount"`

	MinTS     time.Time `json:"minTs"`
	MaxTS     time.Time `json:"maxTs"`
	CreatedAt time.Time `json:"createdAt"`

	// DataHash is the SHA-256 of the batch's canonical serialization.
	DataHash string `json:"dataHash"`

	// PrevHash is the previous entry's ChainHash, or GenesisHash.
	PrevHash string `json:"prevHash"`

	// ChainHash = SHA-256("{PrevHash}|{BatchID}|{PointCount}|{MinTS}|{MaxTS}|{DataHash}")
	// with timestamps in RFC 3339 nanosecond UTC form.
	ChainHash string `json:"chainHash"`
}

// Gap records a detected sequence discontinuity.
type Gap struct {
	GapID        string    `json:"gapId"`
	DataSourceID string    `json:"dataSourceId"`

	// FirstMissing and LastMissing bound the missing sequence range,
	// inclusive.
	FirstMissing int64 `json:"firstMissing"`
	LastMissing  int64 `json:"lastMissing"`

	// From and To bound the wall-clock window of the missing data,
	// taken from the entries surrounding the hole.
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	Status        GapStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	DetectedAt    time.Time  `json:"detectedAt"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// ValidationResult summarizes a chain walk.
type ValidationResult struct {
	DataSourceID string `json:"dataSourceId"`
	EntriesValid int    `json:"entriesValid"`

	// BrokenLinks lists sequences whose hash linkage failed.
	BrokenLinks []int64 `json:"brokenLinks,omitempty"`

	// NewGaps lists gaps persisted during this validation.
	NewGaps []Gap `json:"newGaps,omitempty"`
}

// OK reports whether the chain is intact with no new gaps.
func (r ValidationResult) OK() bool {
	return len(r.BrokenLinks) == 0 && len(r.NewGaps) == 0
}

// Config bounds chain growth.
type Config struct {
	// HistoryLimit is the maximum retained entries per source. The most
	// recent entries are kept; pruning never removes the last entry.
	HistoryLimit int
}

// Store maintains integrity chains for all data sources.
//
// Thread Safety: Safe for concurrent use. Appends to one source are
// serialized by a per-source mutex; Badger transaction conflicts guard
// against external writers.
type Store struct {
	db     *storage.DB
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	sources map[string]*sync.Mutex
}

// New creates a chain store on the given database.
func New(db *storage.DB, cfg Config, logger *logging.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.HistoryLimit < 1 {
		return nil, fmt.Errorf("history limit must be positive, got %d", cfg.HistoryLimit)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		db:      db,
		cfg:     cfg,
		logger:  logger.With("component", "chain"),
		sources: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) sourceLock(source string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.sources[source]
	if !ok {
		lock = &sync.Mutex{}
		s.sources[source] = lock
	}
	return lock
}

func entryKey(source string, seq int64) []byte {
	return fmt.Appendf(nil, "ch:%s:%016d", source, seq)
}

func lastKey(source string) []byte {
	return fmt.Appendf(nil, "chlast:%s", source)
}

func gapKey(source string, firstMissing int64) []byte {
	return fmt.Appendf(nil, "gap:%s:%016d", source, firstMissing)
}

// DataHash returns the hex SHA-256 of the batch's canonical serialization.
func DataHash(batch datatypes.DataPointBatch) string {
	sum := sha256.Sum256(batch.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// chainHash links an entry to its predecessor. The hash covers the
// batch's identity and coverage window alongside the data hash, so a
// tampered entry cannot keep its link by preserving the payload alone.
func chainHash(e Entry) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s|%s|%s",
		e.PrevHash, e.BatchID, e.PointCount,
		e.MinTS.UTC().Format(time.RFC3339Nano),
		e.MaxTS.UTC().Format(time.RFC3339Nano),
		e.DataHash))
	return hex.EncodeToString(sum[:])
}

// CreateEntry appends a chain entry for the batch.
//
// Description:
//
//	Reads the source's last entry, assigns the next sequence number,
//	hashes the batch's canonical bytes, links the new entry to its
//	predecessor, and commits both the entry and the last-entry marker
//	in one transaction. Prunes entries beyond the history limit.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	batch - The batch being published.
//
// Outputs:
//
//	Entry - The appended entry.
//	error - Non-nil if the durable write fails.
func (s *Store) CreateEntry(ctx context.Context, batch datatypes.DataPointBatch) (Entry, error) {
	minTS, maxTS := batch.TimeRange()
	return s.append(ctx, batch.DataSourceID, Entry{
		EntryID:    uuid.NewString(),
		Kind:       KindData,
		BatchID:    batch.BatchID,
		PointCount: len(batch.Points),
		MinTS:      minTS,
		MaxTS:      maxTS,
		DataHash:   DataHash(batch),
	})
}

// Checkpoint appends a marker entry that re-anchors the chain. Used
// after administrative repairs so later validation starts from a known
// good link instead of flagging historical damage forever.
func (s *Store) Checkpoint(ctx context.Context, source, reason string) (Entry, error) {
	sum := sha256.Sum256(fmt.Appendf(nil, "checkpoint|%s|%s", source, reason))
	return s.append(ctx, source, Entry{
		EntryID:  uuid.NewString(),
		Kind:     KindCheckpoint,
		BatchID:  reason,
		DataHash: hex.EncodeToString(sum[:]),
	})
}

func (s *Store) append(ctx context.Context, source string, entry Entry) (Entry, error) {
	lock := s.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()

	entry.DataSourceID = source
	entry.CreatedAt = time.Now().UTC()

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		prev, err := readEntry(txn, lastKey(source))
		switch {
		case errors.Is(err, ErrNotFound):
			entry.Sequence = 1
			entry.PrevHash = GenesisHash
		case err != nil:
			return err
		default:
			entry.Sequence = prev.Sequence + 1
			entry.PrevHash = prev.ChainHash
		}
		entry.ChainHash = chainHash(entry)

		value, err := frame(entry)
		if err != nil {
			return err
		}
		if err := txn.Set(entryKey(source, entry.Sequence), value); err != nil {
			return err
		}
		return txn.Set(lastKey(source), value)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append chain entry for %s: %w", source, err)
	}

	if err := s.prune(ctx, source, entry.Sequence); err != nil {
		s.logger.Warn("chain prune failed", "source", source, "error", err)
	}
	return entry, nil
}

// prune deletes entries older than the history limit. The last entry is
// always retained; validation treats the lowest retained sequence as the
// chain's horizon, not as a gap.
func (s *Store) prune(ctx context.Context, source string, lastSeq int64) error {
	horizon := lastSeq - int64(s.cfg.HistoryLimit)
	if horizon < 1 {
		return nil
	}

	prefix := fmt.Appendf(nil, "ch:%s:", source)
	var victims [][]byte

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			var seq int64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &seq); err != nil {
				continue
			}
			if seq > horizon {
				break
			}
			victims = append(victims, key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range victims {
		err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetLastEntry returns the most recent entry for a source.
func (s *Store) GetLastEntry(ctx context.Context, source string) (Entry, error) {
	var entry Entry
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		entry, err = readEntry(txn, lastKey(source))
		return err
	})
	return entry, err
}

// GetEntry returns the entry at a specific sequence.
func (s *Store) GetEntry(ctx context.Context, source string, seq int64) (Entry, error) {
	var entry Entry
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		entry, err = readEntry(txn, entryKey(source, seq))
		return err
	})
	return entry, err
}

// ListEntries returns up to limit entries for a source in chain order,
// starting at fromSeq (use 0 for the retained horizon).
func (s *Store) ListEntries(ctx context.Context, source string, fromSeq int64, limit int) ([]Entry, error) {
	var entries []Entry
	prefix := fmt.Appendf(nil, "ch:%s:", source)
	seek := entryKey(source, fromSeq)

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := unframe(value)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chain entries for %s: %w", source, err)
	}
	return entries, nil
}

// Validate walks a source's retained chain, verifying hash linkage and
// sequence continuity. Sequence holes and broken hash links are both
// persisted as Gap records exactly once, so the recovery controller can
// replay the affected batches from the shadow buffer; re-running
// Validate over the same damage does not create a duplicate.
func (s *Store) Validate(ctx context.Context, source string) (ValidationResult, error) {
	entries, err := s.ListEntries(ctx, source, 0, 0)
	if err != nil {
		return ValidationResult{}, err
	}

	result := ValidationResult{DataSourceID: source}
	var prev *Entry

	for i := range entries {
		e := entries[i]

		if chainHash(e) != e.ChainHash {
			result.BrokenLinks = append(result.BrokenLinks, e.Sequence)
			gap, created, err := s.recordBrokenLink(ctx, source, prev, e)
			if err != nil {
				return ValidationResult{}, err
			}
			if created {
				result.NewGaps = append(result.NewGaps, gap)
			}
			prev = &entries[i]
			continue
		}

		if prev != nil {
			switch {
			case e.Sequence == prev.Sequence+1:
				if e.PrevHash != prev.ChainHash {
					result.BrokenLinks = append(result.BrokenLinks, e.Sequence)
					gap, created, err := s.recordBrokenLink(ctx, source, prev, e)
					if err != nil {
						return ValidationResult{}, err
					}
					if created {
						result.NewGaps = append(result.NewGaps, gap)
					}
				}
			case e.Sequence > prev.Sequence+1:
				gap, created, err := s.recordGap(ctx, source, prev.Sequence+1, e.Sequence-1, prev.MaxTS, e.MinTS)
				if err != nil {
					return ValidationResult{}, err
				}
				if created {
					result.NewGaps = append(result.NewGaps, gap)
				}
			}
		}

		result.EntriesValid++
		prev = &entries[i]
	}

	return result, nil
}

// recordBrokenLink persists a single-sequence gap for an entry whose
// hash linkage failed. The entry exists but cannot be trusted, so the
// gap window covers its coverage window for a shadow-buffer replay.
func (s *Store) recordBrokenLink(ctx context.Context, source string, prev *Entry, e Entry) (Gap, bool, error) {
	from := e.MinTS
	if prev != nil {
		from = prev.MaxTS
	}
	return s.recordGap(ctx, source, e.Sequence, e.Sequence, from, e.MaxTS)
}

// recordGap persists a gap unless one already exists for the same first
// missing sequence.
func (s *Store) recordGap(ctx context.Context, source string, first, last int64, from, to time.Time) (Gap, bool, error) {
	key := gapKey(source, first)

	existing, err := s.getGapByKey(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Gap{}, false, err
	}

	gap := Gap{
		GapID:        uuid.NewString(),
		DataSourceID: source,
		FirstMissing: first,
		LastMissing:  last,
		From:         from,
		To:           to,
		Status:       GapDetected,
		DetectedAt:   time.Now().UTC(),
	}
	value, err := frameGap(gap)
	if err != nil {
		return Gap{}, false, err
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return Gap{}, false, fmt.Errorf("record gap for %s: %w", source, err)
	}

	s.logger.Warn("chain gap detected",
		"source", source, "first_missing", first, "last_missing", last)
	return gap, true, nil
}

// UpdateGap persists a gap's status, attempt count, and timestamps.
func (s *Store) UpdateGap(ctx context.Context, gap Gap) error {
	value, err := frameGap(gap)
	if err != nil {
		return err
	}
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(gapKey(gap.DataSourceID, gap.FirstMissing), value)
	})
}

// ListGaps returns a source's gaps, optionally filtered by status.
func (s *Store) ListGaps(ctx context.Context, source string, statuses ...GapStatus) ([]Gap, error) {
	var gaps []Gap
	prefix := fmt.Appendf(nil, "gap:%s:", source)

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			gap, err := unframeGap(value)
			if err != nil {
				return err
			}
			if len(statuses) > 0 && !statusIn(gap.Status, statuses) {
				continue
			}
			gaps = append(gaps, gap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list gaps for %s: %w", source, err)
	}
	return gaps, nil
}

// SourcesWithGaps lists sources holding gaps in any of the given
// statuses (all statuses when none given).
func (s *Store) SourcesWithGaps(ctx context.Context, statuses ...GapStatus) ([]string, error) {
	seen := make(map[string]struct{})
	prefix := []byte("gap:")

	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			gap, err := unframeGap(value)
			if err != nil {
				return err
			}
			if len(statuses) > 0 && !statusIn(gap.Status, statuses) {
				continue
			}
			seen[gap.DataSourceID] = struct{}{}
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

func (s *Store) getGapByKey(ctx context.Context, key []byte) (Gap, error) {
	var gap Gap
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		gap, err = unframeGap(value)
		return err
	})
	return gap, err
}

func statusIn(status GapStatus, statuses []GapStatus) bool {
	for _, s := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

func readEntry(txn *dgbadger.Txn, key []byte) (Entry, error) {
	item, err := txn.Get(key)
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

// frame encodes a record as [4-byte CRC32][JSON].
func frame(entry Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode chain entry %s: %w", entry.EntryID, err)
	}
	return checksum(data), nil
}

func frameGap(gap Gap) ([]byte, error) {
	data, err := json.Marshal(gap)
	if err != nil {
		return nil, fmt.Errorf("encode gap %s: %w", gap.GapID, err)
	}
	return checksum(data), nil
}

func checksum(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(data))
	copy(out[4:], data)
	return out
}

func verify(value []byte) ([]byte, error) {
	if len(value) < 4 {
		return nil, ErrCorrupted
	}
	data := value[4:]
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(value[:4]) {
		return nil, ErrCorrupted
	}
	return data, nil
}

func unframe(value []byte) (Entry, error) {
	data, err := verify(value)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode chain entry: %w", err)
	}
	return entry, nil
}

func unframeGap(value []byte) (Gap, error) {
	data, err := verify(value)
	if err != nil {
		return Gap{}, err
	}
	var gap Gap
	if err := json.Unmarshal(data, &gap); err != nil {
		return Gap{}, fmt.Errorf("decode gap: %w", err)
	}
	return gap, nil
}
