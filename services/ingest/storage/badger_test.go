// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	t.Run("persistent requires path", func(t *testing.T) {
		_, err := Open(Config{})
		assert.Error(t, err)
	})

	t.Run("creates directory", func(t *testing.T) {
		cfg := DefaultConfig(t.TempDir() + "/nested/shadow")
		cfg.GCInterval = 0
		db, err := Open(cfg)
		require.NoError(t, err)
		assert.NoError(t, db.Close())
	})

	t.Run("in-memory", func(t *testing.T) {
		db := openTestDB(t)
		assert.NotNil(t, db.DB)
	})
}

func TestWithTxn(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("commit on nil", func(t *testing.T) {
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			return txn.Set([]byte("k"), []byte("v"))
		})
		require.NoError(t, err)

		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get([]byte("k"))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				assert.Equal(t, "v", string(val))
				return nil
			})
		})
		assert.NoError(t, err)
	})

	t.Run("discard on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithTxn(ctx, func(txn *badger.Txn) error {
			if err := txn.Set([]byte("rollback"), []byte("x")); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("rollback"))
			return err
		})
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := db.WithTxn(cancelled, func(txn *badger.Txn) error { return nil })
		assert.Error(t, err)
		err = db.WithReadTxn(cancelled, func(txn *badger.Txn) error { return nil })
		assert.Error(t, err)
	})
}
