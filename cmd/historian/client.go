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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// errUnavailable tags failures to reach the control server so Execute
// can map them to the upstream-unavailable exit code.
type errUnavailable struct{ err error }

func (e *errUnavailable) Error() string { return e.err.Error() }
func (e *errUnavailable) Unwrap() error { return e.err }

// errInternal tags server-side failures (5xx, degraded health).
type errInternal struct{ err error }

func (e *errInternal) Error() string { return e.err.Error() }
func (e *errInternal) Unwrap() error { return e.err }

// controlClient talks to a running historian server's control API.
type controlClient struct {
	baseURL string
	http    *http.Client
}

func newControlClient(baseURL string) *controlClient {
	return &controlClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// get fetches a control endpoint and decodes the JSON body into out.
// A nil out discards the body.
func (c *controlClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// post sends a JSON body to a control endpoint.
func (c *controlClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *controlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errUnavailable{fmt.Errorf("historian server at %s: %w", c.baseURL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errUnavailable{fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		// Some endpoints (health) return a usable body alongside a 5xx;
		// decode it best-effort so callers can still print it.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return &errInternal{fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bodySummary(data))}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bodySummary(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// bodySummary extracts the API error message, falling back to the raw
// body.
func bodySummary(data []byte) string {
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
