// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package faults

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "permanent", KindPermanent.String())
	assert.Equal(t, "poison", KindPoison.String())
	assert.Equal(t, "duplicate", KindDuplicate.String())
	assert.Equal(t, "unresolved", KindUnresolved.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestConstructors(t *testing.T) {
	t.Run("nil passthrough", func(t *testing.T) {
		assert.NoError(t, Transient(nil))
		assert.NoError(t, Permanent(nil))
		assert.NoError(t, Poison(nil))
	})

	t.Run("wrap preserves cause", func(t *testing.T) {
		cause := errors.New("influx write rejected")
		err := Permanent(cause)
		require.Error(t, err)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "permanent")
		assert.Contains(t, err.Error(), "influx write rejected")
	})

	t.Run("formatted constructors", func(t *testing.T) {
		err := Transientf("broker %s unreachable", "kafka-1")
		assert.Equal(t, KindTransient, KindOf(err))
		assert.Contains(t, err.Error(), "kafka-1")

		err = Permanentf("bad schema version %d", 3)
		assert.Equal(t, KindPermanent, KindOf(err))
	})
}

func TestFault_IsRetryable(t *testing.T) {
	var f *Fault
	require.True(t, errors.As(Transient(errors.New("x")), &f))
	assert.True(t, f.IsRetryable())

	require.True(t, errors.As(Poison(errors.New("x")), &f))
	assert.False(t, f.IsRetryable())
}

func TestKindOf(t *testing.T) {
	t.Run("typed fault wins over message", func(t *testing.T) {
		// The message says "timeout" but the typed wrap is authoritative.
		err := Permanent(errors.New("timeout while validating schema"))
		assert.Equal(t, KindPermanent, KindOf(err))
	})

	t.Run("wrapped fault found through chain", func(t *testing.T) {
		err := fmt.Errorf("publish: %w", Transient(errors.New("broker down")))
		assert.Equal(t, KindTransient, KindOf(err))
	})

	t.Run("context errors are transient", func(t *testing.T) {
		assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
		assert.Equal(t, KindTransient, KindOf(context.Canceled))
		assert.Equal(t, KindTransient, KindOf(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	})

	t.Run("connection syscalls are transient", func(t *testing.T) {
		assert.Equal(t, KindTransient, KindOf(syscall.ECONNREFUSED))
		assert.Equal(t, KindTransient, KindOf(syscall.ECONNRESET))
		assert.Equal(t, KindTransient, KindOf(syscall.EPIPE))
	})

	t.Run("substring heuristic is last resort", func(t *testing.T) {
		assert.Equal(t, KindTransient, KindOf(errors.New("i/o timeout")))
		assert.Equal(t, KindTransient, KindOf(errors.New("connection refused by peer")))
	})

	t.Run("opaque errors fail closed as permanent", func(t *testing.T) {
		assert.Equal(t, KindPermanent, KindOf(errors.New("field value out of range")))
	})

	t.Run("nil is permanent", func(t *testing.T) {
		assert.Equal(t, KindPermanent, KindOf(nil))
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient(errors.New("x"))))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(errors.New("malformed payload")))
}
