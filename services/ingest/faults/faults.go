// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faults classifies errors surfaced to the ingestion pipeline.
//
// Every dependency (broker, writer, caches, registry) wraps its failures
// in a typed Fault so the pipeline can decide between retry-without-commit
// (transient) and DLQ-plus-commit (permanent) without inspecting error
// strings. Anything that cannot be classified defaults to permanent:
// poison messages must not be redelivered forever.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the pipeline-visible classification of a failure.
type Kind int

const (
	// KindTransient failures (timeouts, connection loss, 5xx) are retried
	// without committing the broker offset; the broker redelivers.
	KindTransient Kind = iota

	// KindPermanent failures (format or auth rejections, 4xx) are routed
	// to the DLQ and the offset is committed.
	KindPermanent

	// KindPoison marks payloads that failed deserialization.
	KindPoison

	// KindDuplicate marks a batch already applied (idempotency hit).
	KindDuplicate

	// KindUnresolved marks a point that could not be registered; the
	// point is dropped with a warning, the batch still succeeds.
	KindUnresolved
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindPoison:
		return "poison"
	case KindDuplicate:
		return "duplicate"
	case KindUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// Fault wraps an error with its pipeline classification.
type Fault struct {
	kind Kind
	err  error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.kind, f.err)
}

// Unwrap exposes the wrapped cause.
func (f *Fault) Unwrap() error { return f.err }

// Kind returns the classification.
func (f *Fault) Kind() Kind { return f.kind }

// IsRetryable reports whether the pipeline should retry without commit.
func (f *Fault) IsRetryable() bool { return f.kind == KindTransient }

// Transient wraps err as a retryable dependency failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: KindTransient, err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: KindPermanent, err: err}
}

// Poison wraps err as a deserialization failure.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: KindPoison, err: err}
}

// Transientf wraps a formatted error as transient.
func Transientf(format string, args ...any) error {
	return &Fault{kind: KindTransient, err: fmt.Errorf(format, args...)}
}

// Permanentf wraps a formatted error as permanent.
func Permanentf(format string, args ...any) error {
	return &Fault{kind: KindPermanent, err: fmt.Errorf(format, args...)}
}

// KindOf classifies an arbitrary error.
//
// Description:
//
//	Typed Faults win. Otherwise transport-level signals are inspected:
//	context deadlines, net.Error timeouts, and connection-level syscall
//	errors classify as transient. As a last resort for opaque errors
//	from third-party clients, the legacy substring heuristic
//	("timeout"/"connection") is applied. Everything else is permanent
//	(fail closed on poison).
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}

	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	// Last-resort heuristic for opaque client errors.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") {
		return KindTransient
	}

	return KindPermanent
}

// IsRetryable reports whether an arbitrary error classifies as transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
