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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/historian/pkg/logging"
	"github.com/AleutianAI/historian/services/ingest"
	"github.com/AleutianAI/historian/services/ingest/config"
)

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string

	recoverSource    string
	checkpointSource string
	checkpointReason string

	rootCmd = &cobra.Command{
		Use:   "historian",
		Short: "Industrial time-series ingestion with integrity tracking",
		Long: `Historian ingests data point batches from plant connectors,
shadow-buffers them for durability, chains them for integrity
auditing, and writes them exactly-once into the time-series store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the ingestion server (pipeline, recovery, control API)",
		RunE:  runStart,
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Drain the pipeline of a running server without exiting it",
		RunE:  runStop,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Report aggregated dependency health of a running server",
		RunE:  runHealth,
	}

	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Print the JSON counter snapshot of a running server",
		RunE:  runMetrics,
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Trigger a recovery scan (all sources, or one with --source)",
		RunE:  runRecover,
	}

	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Append a checkpoint marker to a source's integrity chain",
		RunE:  runCheckpoint,
	}

	pointsCmd = &cobra.Command{
		Use:   "points",
		Short: "Inspect the point registry",
	}

	pointsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered points, optionally filtered",
		RunE:  runPointsList,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "historian.yaml",
		"Path to the YAML configuration file (start only)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090",
		"Base URL of a running historian server")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &errUsage{err}
	})

	recoverCmd.Flags().StringVar(&recoverSource, "source", "",
		"Recover only this data source")
	checkpointCmd.Flags().StringVar(&checkpointSource, "source", "",
		"Data source to checkpoint (required)")
	checkpointCmd.Flags().StringVar(&checkpointReason, "reason", "",
		"Operator-supplied reason recorded in the chain entry (required)")
	pointsListCmd.Flags().String("source", "", "Filter by data source")
	pointsListCmd.Flags().String("name", "", "Filter by name substring")
	pointsListCmd.Flags().Bool("enabled", false, "Only enabled points")
	pointsListCmd.Flags().Int("limit", 100, "Maximum points to return")

	pointsCmd.AddCommand(pointsListCmd)
	rootCmd.AddCommand(startCmd, stopCmd, healthCmd, metricsCmd,
		recoverCmd, checkpointCmd, pointsCmd)
}

// runStart runs the ingestion server until SIGINT/SIGTERM. The control
// API listens on server.port, the Prometheus scrape endpoint on
// server.metrics_port.
func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &errUsage{fmt.Errorf("load config %s: %w", configPath, err)}
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "ingest",
	})
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := ingest.NewService(ctx, cfg)
	if err != nil {
		return &errUnavailable{fmt.Errorf("init service: %w", err)}
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return &errUnavailable{fmt.Errorf("start service: %w", err)}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	ingest.RegisterRoutes(router.Group("/v1"), ingest.NewHandlers(svc, logger))

	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", svc.MetricsHandler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("control API listening", "addr", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control API: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("pipeline drain failed", "error", err)
	}

	if serveErr != nil {
		return &errInternal{serveErr}
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	client := newControlClient(serverURL)
	var resp map[string]any
	if err := client.post(cmd.Context(), "/v1/ingest/stop", nil, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

// runHealth prints the health report; a degraded report is still
// printed but exits non-zero so probes can rely on the exit code.
func runHealth(cmd *cobra.Command, args []string) error {
	client := newControlClient(serverURL)
	var report ingest.HealthReport
	err := client.get(cmd.Context(), "/v1/ingest/health", &report)
	var internal *errInternal
	if err != nil && !errors.As(err, &internal) {
		return err
	}
	if printErr := printJSON(report); printErr != nil {
		return printErr
	}
	return err
}

func runMetrics(cmd *cobra.Command, args []string) error {
	client := newControlClient(serverURL)
	var snap json.RawMessage
	if err := client.get(cmd.Context(), "/v1/ingest/metrics", &snap); err != nil {
		return err
	}
	return printJSON(snap)
}

func runRecover(cmd *cobra.Command, args []string) error {
	client := newControlClient(serverURL)
	body := map[string]string{"dataSourceId": recoverSource}
	var report json.RawMessage
	if err := client.post(cmd.Context(), "/v1/ingest/recover", body, &report); err != nil {
		return err
	}
	return printJSON(report)
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	if checkpointSource == "" || checkpointReason == "" {
		return &errUsage{fmt.Errorf("checkpoint requires --source and --reason")}
	}
	client := newControlClient(serverURL)
	body := map[string]string{
		"dataSourceId": checkpointSource,
		"reason":       checkpointReason,
	}
	var entry json.RawMessage
	if err := client.post(cmd.Context(), "/v1/ingest/checkpoint", body, &entry); err != nil {
		return err
	}
	return printJSON(entry)
}

func runPointsList(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	name, _ := cmd.Flags().GetString("name")
	enabled, _ := cmd.Flags().GetBool("enabled")
	limit, _ := cmd.Flags().GetInt("limit")

	query := url.Values{}
	query.Set("source", source)
	query.Set("name", name)
	query.Set("limit", fmt.Sprintf("%d", limit))
	if enabled {
		query.Set("enabled", "true")
	}
	path := "/v1/ingest/points?" + query.Encode()

	client := newControlClient(serverURL)
	var resp json.RawMessage
	if err := client.get(cmd.Context(), path, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
