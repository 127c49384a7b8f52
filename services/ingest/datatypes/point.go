// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the core entities of the Historian ingestion
// platform: registered points, in-flight samples, batches, and their
// canonical wire representations.
//
// Canonical serialization lives here because both the producer side (chain
// entry creation) and the consumer side (chain validation) must agree on it
// byte for byte.
package datatypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ValueType tags the kind of value a point carries.
type ValueType int

const (
	// ValueTypeNumeric is a continuous numeric measurement (the default).
	ValueTypeNumeric ValueType = iota

	// ValueTypeBoolean is a two-state signal stored as 0/1.
	ValueTypeBoolean

	// ValueTypeEnumerated is a discrete state code.
	ValueTypeEnumerated
)

// String returns the lowercase name of the value type.
func (v ValueType) String() string {
	switch v {
	case ValueTypeNumeric:
		return "numeric"
	case ValueTypeBoolean:
		return "boolean"
	case ValueTypeEnumerated:
		return "enumerated"
	default:
		return "unknown"
	}
}

// ParseValueType parses a value type name. Unknown names default to numeric.
func ParseValueType(s string) ValueType {
	switch s {
	case "boolean":
		return ValueTypeBoolean
	case "enumerated":
		return ValueTypeEnumerated
	default:
		return ValueTypeNumeric
	}
}

// Value stores the value type as its lowercase name.
func (v ValueType) Value() (driver.Value, error) {
	return v.String(), nil
}

// Scan reads the value type from a text or integer column.
func (v *ValueType) Scan(src any) error {
	switch s := src.(type) {
	case string:
		*v = ParseValueType(s)
	case []byte:
		*v = ParseValueType(string(s))
	case int64:
		*v = ValueType(s)
	default:
		return fmt.Errorf("cannot scan %T into ValueType", src)
	}
	return nil
}

// Point is a registered measurement channel.
//
// Description:
//
//	A Point row is owned by the point registry. SequenceID is a dense
//	monotonic integer assigned atomically on insert; once assigned it is
//	immutable and never reused. Names are unique within a data source
//	(case-insensitive). Points are never deleted during ingestion; they
//	are soft-disabled via Enabled.
type Point struct {
	// ID is the opaque stable identifier (UUID).
	ID string `db:"id" json:"id"`

	// SequenceID is the durable numeric handle used in the time-series
	// store. Zero means "not yet assigned" (registration in flight).
	SequenceID int64 `db:"sequence_id" json:"sequenceId"`

	// Name is the display name, unique per data source.
	Name string `db:"name" json:"name"`

	// Description is optional free text.
	Description string `db:"description" json:"description,omitempty"`

	// Units is the optional engineering unit (e.g. "degC", "m3/h").
	Units string `db:"units" json:"units,omitempty"`

	// ValueType tags the kind of value the point carries.
	ValueType ValueType `db:"value_type" json:"valueType"`

	// Enabled is false for soft-disabled points.
	Enabled bool `db:"enabled" json:"enabled"`

	// DataSourceID identifies the owning external source.
	DataSourceID string `db:"data_source_id" json:"dataSourceId,omitempty"`

	// SourceAddress is the optional source-side address tag
	// (e.g. an OPC UA node id).
	SourceAddress string `db:"source_address" json:"sourceAddress,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// HasSequenceID reports whether the registry has assigned a sequence id.
func (p Point) HasSequenceID() bool {
	return p.SequenceID > 0
}

// Quality is the ordinal sample quality attached to each measurement.
type Quality int

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualitySubstituted
)

var qualityNames = [...]string{"good", "uncertain", "bad", "substituted"}

// String returns the lowercase quality name.
func (q Quality) String() string {
	if q < QualityGood || q > QualitySubstituted {
		return "unknown"
	}
	return qualityNames[q]
}

// ParseQuality parses a quality name.
//
// Outputs:
//
//	Quality - The parsed quality.
//	error - Non-nil if the name is not one of good/uncertain/bad/substituted.
func ParseQuality(s string) (Quality, error) {
	for i, name := range qualityNames {
		if s == name {
			return Quality(i), nil
		}
	}
	return QualityGood, fmt.Errorf("unknown quality %q", s)
}

// MarshalJSON encodes the quality as its string name, per the producer
// batch schema.
func (q Quality) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts either the string name or the ordinal integer.
func (q *Quality) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParseQuality(s)
		if perr != nil {
			return perr
		}
		*q = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("quality must be a string or integer: %w", err)
	}
	if n < int(QualityGood) || n > int(QualitySubstituted) {
		return fmt.Errorf("quality ordinal %d out of range", n)
	}
	*q = Quality(n)
	return nil
}
