// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes follow the sysexits convention so supervisors and shell
// scripts can distinguish retriable failures from operator mistakes.
const (
	exitOK          = 0
	exitUsage       = 64 // bad arguments or unusable configuration
	exitUnavailable = 69 // historian server or a dependency unreachable
	exitInternal    = 70 // server-side or unexpected failure
)

// errUsage tags operator mistakes (bad flags, bad config file).
type errUsage struct{ err error }

func (e *errUsage) Error() string { return e.err.Error() }
func (e *errUsage) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "historian: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

func exitCodeFor(err error) int {
	var usage *errUsage
	var unavailable *errUnavailable
	var internal *errInternal
	switch {
	case errors.As(err, &usage):
		return exitUsage
	case errors.As(err, &unavailable):
		return exitUnavailable
	case errors.As(err, &internal):
		return exitInternal
	default:
		return exitInternal
	}
}
