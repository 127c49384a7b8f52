// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the embedded BadgerDB instance backing the
// shadow buffer and the integrity-chain state.
//
// Both stores share one database per host (WAL-style journaling comes
// from Badger's value log). SyncWrites must stay enabled in production:
// the shadow buffer's durability contract is "crash-durable before the
// broker publish is attempted".
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the embedded database.
type Config struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode; used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes. Must be true in production.
	SyncWrites bool

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC rewrites
	// a value-log file.
	GCDiscardRatio float64

	// Logger receives Badger's internal log output. Nil disables it.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: sync writes on, GC every
// five minutes at a 0.5 discard ratio.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a Badger instance with lifecycle management (GC runner,
// close ordering). Safe for concurrent use.
type DB struct {
	*badger.DB
	cfg    Config
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens the embedded database, creating the directory if needed,
// and starts the GC runner when configured.
//
// Outputs:
//
//	*DB - The managed database. Caller must Close() it.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	d := &DB{DB: db, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.stopGC = make(chan struct{})
		d.doneGC = make(chan struct{})
		go d.runGC()
	}
	return d, nil
}

// runGC periodically triggers value-log garbage collection.
func (d *DB) runGC() {
	defer close(d.doneGC)

	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// Nil return means a rewrite happened; ErrNoRewrite means
			// nothing was collectible.
			err := d.DB.RunValueLogGC(d.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if d.cfg.Logger != nil {
					d.cfg.Logger.Warn("badger value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Close stops the GC runner and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.doneGC
	}
	return d.DB.Close()
}

// WithTxn executes fn in a read-write transaction, committing on nil
// return. Returns badger.ErrConflict when a concurrent writer touched
// the same keys; callers treating keys as compare-and-set slots should
// retry.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn executes fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// DiskSize returns the approximate on-disk size (LSM plus value log).
func (d *DB) DiskSize() int64 {
	lsm, vlog := d.DB.Size()
	return lsm + vlog
}
