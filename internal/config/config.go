// Tablewire - Real-Time Service Call and Notification Relay
// Copyright 2026 Tablewire Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tablewire/tablewire

// Package config loads layered relay configuration: built-in defaults,
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the full relay configuration tree.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	NATS     NATSConfig     `koanf:"nats"`
	Store    StoreConfig    `koanf:"store"`
	Dedup    DedupConfig    `koanf:"dedup"`
	Backlog  BacklogConfig  `koanf:"backlog"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// NATSConfig configures the durable store connection. With EmbeddedServer
// set, the relay runs a single-binary deployment with an in-process
// JetStream server; otherwise URL points at an external cluster.
type NATSConfig struct {
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`
	Bucket         string `koanf:"bucket"`
}

// StoreConfig configures the hybrid persistence layer.
type StoreConfig struct {
	// FallbackPath is the local BadgerDB directory.
	FallbackPath string `koanf:"fallback_path"`

	ProbeInterval    time.Duration `koanf:"probe_interval"`
	ProbeTimeout     time.Duration `koanf:"probe_timeout"`
	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
	ReplayRate       float64       `koanf:"replay_rate"`
}

// DedupConfig configures the idempotency ledger.
type DedupConfig struct {
	Retention     time.Duration `koanf:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// BacklogConfig configures offline-message retention.
type BacklogConfig struct {
	Horizon       time.Duration `koanf:"horizon"`
	PruneInterval time.Duration `koanf:"prune_interval"`
}

// SecurityConfig configures the boundary middleware.
type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig configures the zerolog backend.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, overridden by file then env.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8090,
			Timeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,  // 1GB
			MaxStore:       10 << 30, // 10GB
			Bucket:         "tablewire",
		},
		Store: StoreConfig{
			FallbackPath:     "/data/fallback",
			ProbeInterval:    30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			BreakerThreshold: 3,
			BreakerTimeout:   30 * time.Second,
			ReplayRate:       100,
		},
		Dedup: DedupConfig{
			Retention:     5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Backlog: BacklogConfig{
			Horizon:       24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url required when nats.embedded_server is false")
	}
	if c.NATS.Bucket == "" {
		return fmt.Errorf("nats.bucket required")
	}
	if c.Store.FallbackPath == "" {
		return fmt.Errorf("store.fallback_path required")
	}
	if c.Store.ProbeInterval <= 0 {
		return fmt.Errorf("store.probe_interval must be positive")
	}
	if c.Dedup.Retention <= 0 || c.Dedup.SweepInterval <= 0 {
		return fmt.Errorf("dedup retention and sweep_interval must be positive")
	}
	if c.Backlog.Horizon <= 0 {
		return fmt.Errorf("backlog.horizon must be positive")
	}
	return nil
}
