// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for values the service cannot run
// with. Validation failures are fatal at startup; a misconfigured
// archiver should refuse to start rather than silently write nothing.
func (c *Config) Validate() error {
	if err := c.validateMoonraker(); err != nil {
		return err
	}
	if err := c.validateFiles(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateMoonraker() error {
	if c.Moonraker.Host == "" {
		return errors.New("moonraker.host is required (MOONRAKER_HOST)")
	}
	if c.Moonraker.Port < 1 || c.Moonraker.Port > 65535 {
		return fmt.Errorf("moonraker.port must be 1-65535, got %d", c.Moonraker.Port)
	}
	if c.Moonraker.RetryDelaySeconds < 0 {
		return fmt.Errorf("moonraker.retry_delay_seconds must not be negative, got %d", c.Moonraker.RetryDelaySeconds)
	}
	return nil
}

func (c *Config) validateFiles() error {
	if c.Files.Probe == "" {
		return errors.New("files.probe is required (PROBE_DATA_FILE)")
	}
	if c.Files.Mesh == "" {
		return errors.New("files.mesh is required (MESH_DATA_FILE)")
	}
	if c.Files.ZOffset == "" {
		return errors.New("files.z_offset is required (Z_OFFSET_DATA_FILE)")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.IntervalHours <= 0 {
		return fmt.Errorf("sync.interval_hours must be positive, got %v", c.Sync.IntervalHours)
	}
	if c.Sync.StabilizeDelaySeconds < 0 {
		return fmt.Errorf("sync.stabilize_delay_seconds must not be negative, got %d", c.Sync.StabilizeDelaySeconds)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("logging.level %q is not a recognized level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
