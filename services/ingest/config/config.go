// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config builds the immutable startup configuration for the
// Historian ingestion service.
//
// Configuration is read once: defaults, then an optional YAML file, then
// environment-variable overrides. The resulting Config is never mutated
// after Load returns; there are no process-wide mutable settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker configures the Kafka hop.
type Broker struct {
	// BootstrapServers lists the Kafka broker addresses.
	BootstrapServers []string `yaml:"bootstrap_servers"`

	// Topic is the real-time data topic.
	Topic string `yaml:"topic"`

	// BackfillTopic carries recovery replays and historical loads.
	BackfillTopic string `yaml:"backfill_topic"`

	// DLQTopic receives poison and permanently rejected messages.
	DLQTopic string `yaml:"dlq_topic"`

	// GroupID is the consumer group id.
	GroupID string `yaml:"group_id"`

	// ClientID identifies the producer.
	ClientID string `yaml:"client_id"`

	SessionTimeout    time.Duration `yaml:"session_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxRetries bounds producer publish attempts.
	MaxRetries int `yaml:"max_retries"`
}

// Pipeline configures the consumer-side processing loop.
type Pipeline struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`

	// Workers is the number of parallel processing loops. Per-source
	// ordering is preserved because partitions are keyed by source id.
	Workers int `yaml:"workers"`

	// MetricsInterval is how often the metrics snapshot is published to
	// the shared cache.
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	// ShutdownTimeout bounds StopAsync.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Shadow configures the producer-side durable buffer.
type Shadow struct {
	// Path is the BadgerDB directory. One database per host.
	Path string `yaml:"path"`

	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`

	Compression      bool `yaml:"compression"`
	CompressionLevel int  `yaml:"compression_level"`

	// MaxSizeWarnBytes logs a warning when on-disk size exceeds it.
	MaxSizeWarnBytes int64 `yaml:"max_size_warn_bytes"`
}

// Chain configures the temporal integrity chain.
type Chain struct {
	// HistoryLimit bounds retained entries per source; the last entry
	// is always retained.
	HistoryLimit int `yaml:"history_limit"`
}

// TimeSeries configures the InfluxDB writer.
type TimeSeries struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// Registry configures the relational point registry.
type Registry struct {
	// DSN is the PostgreSQL connection string. Usually supplied via
	// HISTORIAN_POSTGRES_DSN rather than the config file.
	DSN string `yaml:"dsn"`

	// RefreshInterval is the lookup-cache refresh period.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Cache configures the shared Redis instance used for the idempotency
// store, the current-value cache, and the metrics snapshot.
type Cache struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// IdempotencyTTL must exceed the broker's maximum redelivery window.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Recovery configures the gap recovery controller.
type Recovery struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	Lookback     time.Duration `yaml:"lookback"`

	// ReplayAfter is the age an unconfirmed shadow entry must reach
	// before it is replayed even without a detected chain gap.
	ReplayAfter time.Duration `yaml:"replay_after"`

	// MaxAttempts before a gap is abandoned.
	MaxAttempts int `yaml:"max_attempts"`
}

// Server configures the HTTP control surface.
type Server struct {
	Port        int `yaml:"port"`
	MetricsPort int `yaml:"metrics_port"`
}

// Config is the immutable service configuration.
type Config struct {
	Broker     Broker     `yaml:"broker"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Shadow     Shadow     `yaml:"shadow"`
	Chain      Chain      `yaml:"chain"`
	TimeSeries TimeSeries `yaml:"timeseries"`
	Registry   Registry   `yaml:"registry"`
	Cache      Cache      `yaml:"cache"`
	Recovery   Recovery   `yaml:"recovery"`
	Server     Server     `yaml:"server"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Broker: Broker{
			BootstrapServers:  []string{"localhost:9092"},
			Topic:             "datapoints",
			BackfillTopic:     "datapoints.backfill",
			DLQTopic:          "datapoints.dlq",
			GroupID:           "historian-ingest",
			ClientID:          "historian-producer",
			SessionTimeout:    30 * time.Second,
			HeartbeatInterval: 3 * time.Second,
			MaxRetries:        5,
		},
		Pipeline: Pipeline{
			PollTimeout:     500 * time.Millisecond,
			RetryDelay:      time.Second,
			Workers:         1,
			MetricsInterval: 15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Shadow: Shadow{
			Path:             "~/.historian/shadow",
			Retention:        7 * 24 * time.Hour,
			PurgeInterval:    time.Hour,
			Compression:      true,
			CompressionLevel: 6,
			MaxSizeWarnBytes: 8 << 30, // 8GB
		},
		Chain: Chain{
			HistoryLimit: 10000,
		},
		TimeSeries: TimeSeries{
			URL:         "http://localhost:8086",
			Org:         "historian",
			Bucket:      "datapoints",
			Measurement: "process_data",
		},
		Registry: Registry{
			RefreshInterval: 5 * time.Minute,
		},
		Cache: Cache{
			Addr:           "localhost:6379",
			IdempotencyTTL: 72 * time.Hour,
		},
		Recovery: Recovery{
			ScanInterval: time.Minute,
			Lookback:     24 * time.Hour,
			ReplayAfter:  2 * time.Minute,
			MaxAttempts:  5,
		},
		Server: Server{
			Port:        8090,
			MetricsPort: 9090,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil if the file is unreadable or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and basic sanity.
func (c Config) Validate() error {
	if len(c.Broker.BootstrapServers) == 0 {
		return errors.New("broker.bootstrap_servers must not be empty")
	}
	if c.Broker.Topic == "" || c.Broker.DLQTopic == "" {
		return errors.New("broker topics must not be empty")
	}
	if c.Shadow.Path == "" {
		return errors.New("shadow.path must not be empty")
	}
	if c.Shadow.CompressionLevel < 1 || c.Shadow.CompressionLevel > 9 {
		return fmt.Errorf("shadow.compression_level must be 1-9, got %d", c.Shadow.CompressionLevel)
	}
	if c.Chain.HistoryLimit < 1 {
		return errors.New("chain.history_limit must be positive")
	}
	if c.Cache.IdempotencyTTL <= 0 {
		return errors.New("cache.idempotency_ttl must be positive")
	}
	if c.Pipeline.Workers < 1 {
		return errors.New("pipeline.workers must be positive")
	}
	return nil
}

// applyEnv overlays conventional environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HISTORIAN_POSTGRES_DSN"); v != "" {
		cfg.Registry.DSN = v
	}
	if v := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.Broker.BootstrapServers = splitHosts(v)
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.TimeSeries.URL = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.TimeSeries.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.TimeSeries.Org = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.TimeSeries.Bucket = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("HISTORIAN_SHADOW_PATH"); v != "" {
		cfg.Shadow.Path = v
	}
	if v := os.Getenv("HISTORIAN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// splitHosts splits a comma-separated host list, trimming whitespace.
func splitHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
