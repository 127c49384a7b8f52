// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/historian/services/ingest/datatypes"
)

var pointColumns = []string{
	"id", "sequence_id", "name", "description", "units", "value_type",
	"enabled", "data_source_id", "source_address", "created_at", "updated_at",
}

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	return NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), nil), mock
}

func pointRow(seq int64, name, source string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(pointColumns).AddRow(
		"11111111-1111-1111-1111-111111111111", seq, name, "", "degC",
		"numeric", true, source, "ns=2;s=Temp", now, now)
}

func TestRegistry_Register(t *testing.T) {
	reg, mock := newMockRegistry(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO points").
		WithArgs("plant.line1.temp", "", "degC", "numeric", true, "plc-01", "ns=2;s=Temp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM points WHERE data_source_id = (.+) AND lower\\(name\\)").
		WithArgs("plc-01", "plant.line1.temp").
		WillReturnRows(pointRow(42, "plant.line1.temp", "plc-01"))

	p, err := reg.Register(ctx, datatypes.Point{
		Name:          "plant.line1.temp",
		Units:         "degC",
		Enabled:       true,
		DataSourceID:  "plc-01",
		SourceAddress: "ns=2;s=Temp",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.SequenceID)
	assert.Equal(t, datatypes.ValueTypeNumeric, p.ValueType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Register_InvalidName(t *testing.T) {
	reg, _ := newMockRegistry(t)

	_, err := reg.Register(context.Background(), datatypes.Point{
		Name:         "has spaces in it",
		DataSourceID: "plc-01",
	})
	assert.Error(t, err)
}

func TestRegistry_Register_ConflictReturnsExisting(t *testing.T) {
	reg, mock := newMockRegistry(t)
	ctx := context.Background()

	// Insert races with another writer; ON CONFLICT swallows it and the
	// follow-up select returns the winner's row.
	mock.ExpectExec("INSERT INTO points").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM points WHERE data_source_id").
		WithArgs("plc-01", "plant.line1.temp").
		WillReturnRows(pointRow(7, "plant.line1.temp", "plc-01"))

	p, err := reg.Register(ctx, datatypes.Point{
		Name:         "plant.line1.temp",
		DataSourceID: "plc-01",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.SequenceID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_GetBySequenceID(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectQuery("SELECT (.+) FROM points WHERE sequence_id").
		WithArgs(int64(42)).
		WillReturnRows(pointRow(42, "plant.line1.temp", "plc-01"))

	p, err := reg.GetBySequenceID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "plant.line1.temp", p.Name)
}

func TestRegistry_GetByName_NotFound(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectQuery("SELECT (.+) FROM points WHERE data_source_id").
		WithArgs("plc-01", "missing").
		WillReturnRows(sqlmock.NewRows(pointColumns))

	_, err := reg.GetByName(context.Background(), "plc-01", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_List_Filtered(t *testing.T) {
	reg, mock := newMockRegistry(t)

	rows := pointRow(1, "plant.line1.temp", "plc-01").
		AddRow("22222222-2222-2222-2222-222222222222", 2, "plant.line1.flow",
			"", "m3/h", "numeric", true, "plc-01", "", time.Now(), time.Now())

	mock.ExpectQuery("SELECT (.+) FROM points WHERE data_source_id = (.+) AND enabled = TRUE AND name ILIKE (.+) ORDER BY sequence_id LIMIT").
		WithArgs("plc-01", "%line1%", 10).
		WillReturnRows(rows)

	points, err := reg.List(context.Background(), ListFilter{
		DataSourceID: "plc-01",
		EnabledOnly:  true,
		NameContains: "line1",
		Limit:        10,
	})
	require.NoError(t, err)
	assert.Len(t, points, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Update(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec("UPDATE points").
		WithArgs("11111111-1111-1111-1111-111111111111", "new desc", "degC",
			"numeric", false, "ns=2;s=Temp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM points WHERE id").
		WithArgs("11111111-1111-1111-1111-111111111111").
		WillReturnRows(pointRow(42, "plant.line1.temp", "plc-01"))

	_, err := reg.Update(context.Background(), datatypes.Point{
		ID:            "11111111-1111-1111-1111-111111111111",
		Description:   "new desc",
		Units:         "degC",
		Enabled:       false,
		SourceAddress: "ns=2;s=Temp",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Update_NotFound(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec("UPDATE points").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := reg.Update(context.Background(), datatypes.Point{ID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Migrate(t *testing.T) {
	reg, mock := newMockRegistry(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS points").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, reg.Migrate(context.Background()))
}
