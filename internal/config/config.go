// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package config provides layered configuration loading: struct
// defaults, an optional YAML file, and environment variables, in
// ascending precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Moonraker MoonrakerConfig `koanf:"moonraker"`
	Files     FilesConfig     `koanf:"files"`
	Sync      SyncConfig      `koanf:"sync"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// MoonrakerConfig locates the Moonraker API server and controls the
// reconnect policy.
type MoonrakerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// RetryDelaySeconds is the fixed wait between reconnect attempts.
	// There is no backoff and no attempt cap: a printer that is powered
	// off for a weekend should still be picked up on Monday.
	RetryDelaySeconds int `koanf:"retry_delay_seconds"`
}

// FilesConfig names the three JSON collection files.
type FilesConfig struct {
	Probe   string `koanf:"probe"`
	Mesh    string `koanf:"mesh"`
	ZOffset string `koanf:"z_offset"`
}

// SyncConfig controls the periodic fallback sync and the settle delay
// after a calibration event.
type SyncConfig struct {
	IntervalHours         float64 `koanf:"interval_hours"`
	StabilizeDelaySeconds int     `koanf:"stabilize_delay_seconds"`
}

// MetricsConfig controls the optional Prometheus listener. An empty
// Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WebSocketURL builds the Moonraker WebSocket endpoint URL.
func (c *Config) WebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/websocket", c.Moonraker.Host, c.Moonraker.Port)
}

// RetryDelay returns the reconnect delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Moonraker.RetryDelaySeconds) * time.Second
}

// Interval returns the periodic sync interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalHours * float64(time.Hour))
}

// StabilizeDelay returns the post-calibration settle delay as a
// duration.
func (c *Config) StabilizeDelay() time.Duration {
	return time.Duration(c.Sync.StabilizeDelaySeconds) * time.Second
}

// defaultConfig returns the built-in defaults, applied before the
// config file and environment layers.
func defaultConfig() *Config {
	return &Config{
		Moonraker: MoonrakerConfig{
			Host:              "",
			Port:              7125, // Moonraker's stock port
			RetryDelaySeconds: 30,
		},
		Files: FilesConfig{
			Probe:   "/data/probe_points.json",
			Mesh:    "/data/mesh_records.json",
			ZOffset: "/data/z_offsets.json",
		},
		Sync: SyncConfig{
			IntervalHours:         6,
			StabilizeDelaySeconds: 30,
		},
		Metrics: MetricsConfig{
			Addr: "", // disabled by default
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
