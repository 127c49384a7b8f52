// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry is the relational system of record for point
// definitions.
//
// PostgreSQL owns identity: sequence ids come from a BIGSERIAL and are
// never reused, and point names are unique per data source
// (case-insensitive). Everything else in the platform refers to points
// by sequence id.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/pkg/validation"
	"github.com/AleutianAI/historian/services/ingest/datatypes"
)

// ErrNotFound is returned when a point does not exist.
var ErrNotFound = errors.New("point not found")

// schema creates the points table. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS points (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    sequence_id    BIGSERIAL UNIQUE NOT NULL,
    name           TEXT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    units          TEXT NOT NULL DEFAULT '',
    value_type     TEXT NOT NULL DEFAULT 'numeric',
    enabled        BOOLEAN NOT NULL DEFAULT TRUE,
    data_source_id TEXT NOT NULL,
    source_address TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS points_source_name_idx
    ON points (data_source_id, lower(name));

CREATE INDEX IF NOT EXISTS points_source_address_idx
    ON points (data_source_id, source_address)
    WHERE source_address <> '';
`

const selectColumns = `id, sequence_id, name, description, units, value_type,
    enabled, data_source_id, source_address, created_at, updated_at`

// ListFilter narrows List results. Zero value lists everything.
type ListFilter struct {
	DataSourceID string

	// EnabledOnly excludes soft-disabled points.
	EnabledOnly bool

	// NameContains is a case-insensitive substring match.
	NameContains string

	Limit  int
	Offset int
}

// Registry wraps the points database.
//
// Thread Safety: Safe for concurrent use; sqlx pools connections.
type Registry struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string, logger *logging.Logger) (*Registry, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn must not be empty")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{db: db, logger: logger.With("component", "registry")}
}

// Migrate creates the schema. Safe to run on every startup.
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate points schema: %w", err)
	}
	return nil
}

// Register creates a point, or returns the existing one when the
// (source, name) pair is already registered.
//
// Description:
//
//	Uses INSERT ... ON CONFLICT DO NOTHING followed by a lookup, so
//	concurrent registrations of the same name converge on one row and
//	one sequence id. Sequence ids are assigned by the database and are
//	never reused even if the insert loses the race.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	p - The point definition. ID, SequenceID, and timestamps are ignored.
//
// Outputs:
//
//	datatypes.Point - The registered row, including its sequence id.
//	error - Non-nil if validation or the database fails.
func (r *Registry) Register(ctx context.Context, p datatypes.Point) (datatypes.Point, error) {
	if err := validation.ValidatePointName(p.Name); err != nil {
		return datatypes.Point{}, err
	}
	if err := validation.ValidateSourceID(p.DataSourceID); err != nil {
		return datatypes.Point{}, err
	}

	const insert = `
        INSERT INTO points (name, description, units, value_type, enabled,
                            data_source_id, source_address)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (data_source_id, lower(name)) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, insert,
		p.Name, p.Description, p.Units, p.ValueType, p.Enabled,
		p.DataSourceID, p.SourceAddress); err != nil {
		return datatypes.Point{}, fmt.Errorf("register point %s/%s: %w", p.DataSourceID, p.Name, err)
	}

	return r.GetByName(ctx, p.DataSourceID, p.Name)
}

// GetByID fetches a point by UUID.
func (r *Registry) GetByID(ctx context.Context, id string) (datatypes.Point, error) {
	query := fmt.Sprintf(`SELECT %s FROM points WHERE id = $1`, selectColumns)
	return r.getOne(ctx, query, id)
}

// GetBySequenceID fetches a point by its durable numeric handle.
func (r *Registry) GetBySequenceID(ctx context.Context, seq int64) (datatypes.Point, error) {
	query := fmt.Sprintf(`SELECT %s FROM points WHERE sequence_id = $1`, selectColumns)
	return r.getOne(ctx, query, seq)
}

// GetByName fetches a point by source and case-insensitive name.
func (r *Registry) GetByName(ctx context.Context, source, name string) (datatypes.Point, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM points WHERE data_source_id = $1 AND lower(name) = lower($2)`,
		selectColumns)
	return r.getOne(ctx, query, source, name)
}

// GetBySourceAddress fetches a point by its source-side address tag.
func (r *Registry) GetBySourceAddress(ctx context.Context, source, address string) (datatypes.Point, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM points WHERE data_source_id = $1 AND source_address = $2`,
		selectColumns)
	return r.getOne(ctx, query, source, address)
}

// List returns points matching the filter, ordered by sequence id.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]datatypes.Point, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.DataSourceID != "" {
		conds = append(conds, "data_source_id = "+arg(filter.DataSourceID))
	}
	if filter.EnabledOnly {
		conds = append(conds, "enabled = TRUE")
	}
	if filter.NameContains != "" {
		conds = append(conds, "name ILIKE "+arg("%"+filter.NameContains+"%"))
	}

	query := fmt.Sprintf(`SELECT %s FROM points`, selectColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY sequence_id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	var points []datatypes.Point
	if err := r.db.SelectContext(ctx, &points, query, args...); err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	return points, nil
}

// ListAll returns every point; the lookup cache snapshots from this.
func (r *Registry) ListAll(ctx context.Context) ([]datatypes.Point, error) {
	return r.List(ctx, ListFilter{})
}

// Update modifies a point's mutable metadata. Identity fields (id,
// sequence id, name, data source) are not updatable.
func (r *Registry) Update(ctx context.Context, p datatypes.Point) (datatypes.Point, error) {
	const update = `
        UPDATE points
        SET description = $2, units = $3, value_type = $4, enabled = $5,
            source_address = $6, updated_at = now()
        WHERE id = $1`

	res, err := r.db.ExecContext(ctx, update,
		p.ID, p.Description, p.Units, p.ValueType, p.Enabled, p.SourceAddress)
	if err != nil {
		return datatypes.Point{}, fmt.Errorf("update point %s: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return datatypes.Point{}, ErrNotFound
	}
	return r.GetByID(ctx, p.ID)
}

// Ping reports database health.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the connection pool.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) getOne(ctx context.Context, query string, args ...any) (datatypes.Point, error) {
	var p datatypes.Point
	err := r.db.GetContext(ctx, &p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.Point{}, ErrNotFound
	}
	if err != nil {
		return datatypes.Point{}, fmt.Errorf("query point: %w", err)
	}
	return p, nil
}
