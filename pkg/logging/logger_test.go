// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()

	assert.Equal(t, "historian", logger.config.Service)
	assert.Equal(t, LevelInfo, logger.config.Level)
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "ingest",
		Quiet:   true,
	})
	logger.Info("batch committed", "batch_id", "b1")
	require.NoError(t, logger.Close())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "ingest_"))

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"batch_id":"b1"`)
	assert.Contains(t, string(data), `"service":"ingest"`)
}

func TestLogger_Exporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "recovery",
		Quiet:    true,
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Info("gap recovered", "source", "src1", "attempts", 2)
	logger.Debug("below level, not exported")

	// Export is asynchronous.
	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)

	entries := exporter.Entries()
	assert.Equal(t, "gap recovered", entries[0].Message)
	assert.Equal(t, "recovery", entries[0].Service)
	assert.Equal(t, "src1", entries[0].Attrs["source"])
}

func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Service: "ingest", Exporter: exporter})
	defer logger.Close()

	child := logger.With("worker", 3)
	child.Info("processing")

	require.Eventually(t, func() bool {
		return len(exporter.Entries()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".historian/logs"), expandPath("~/.historian/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "relative/path", expandPath("relative/path"))
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"key1", "value1", "key2", 123})
	assert.Equal(t, "value1", m["key1"])
	assert.Equal(t, 123, m["key2"])

	// Odd trailing arg is ignored.
	m = argsToMap([]any{"key1", "value1", "dangling"})
	assert.Len(t, m, 1)
}
