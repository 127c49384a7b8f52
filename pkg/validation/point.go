// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for security-critical
// identifiers.
//
// Point names and data-source ids arrive from untrusted producers and are
// interpolated into Flux queries, line-protocol tags, and Redis keys.
// Validating them here prevents Flux injection and tag-key corruption.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// pointNamePattern matches valid point names.
// Allows: letters, digits, then letters/digits and . _ - : separators.
// Max length: 128 characters (covers OPC UA browse-name conventions).
var pointNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)

// sourceIDPattern matches valid data-source ids (also broker partition
// keys, so no whitespace or separator characters).
var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidatePointName validates a point display name.
//
// Valid names:
//   - 1-128 characters
//   - start with a letter or digit
//   - letters, digits, dots, underscores, colons, hyphens
//
// Returns an error if the name is invalid.
func ValidatePointName(name string) error {
	if name == "" {
		return fmt.Errorf("point name cannot be empty")
	}
	if !pointNamePattern.MatchString(name) {
		return fmt.Errorf("invalid point name %q (must be 1-128 alphanumeric chars with . _ : - separators)", name)
	}
	return nil
}

// ValidateSourceID validates a data-source identifier.
func ValidateSourceID(id string) error {
	if id == "" {
		return fmt.Errorf("data source id cannot be empty")
	}
	if !sourceIDPattern.MatchString(id) {
		return fmt.Errorf("invalid data source id %q (must be 1-64 alphanumeric chars with . _ - separators)", id)
	}
	return nil
}

// SanitizePointName trims whitespace and validates a point name.
// Returns the trimmed name if valid, or an error if invalid.
//
// Use this at trust boundaries (HTTP publish endpoint, auto-registration):
//
//	safeName, err := validation.SanitizePointName(userInput)
//	if err != nil {
//	    return fmt.Errorf("invalid point name: %w", err)
//	}
func SanitizePointName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := ValidatePointName(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
