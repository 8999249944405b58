// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Command bedsyncd runs the bed calibration archiver daemon: it holds a
// WebSocket connection to a Moonraker instance, watches for bed-mesh
// calibration events, and mirrors probe points, mesh records, and
// z-offset results into durable local JSON files.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/probeworks/bedsync/internal/config"
	"github.com/probeworks/bedsync/internal/logging"
	"github.com/probeworks/bedsync/internal/moonraker"
	"github.com/probeworks/bedsync/internal/store"
	"github.com/probeworks/bedsync/internal/supervisor"
	"github.com/probeworks/bedsync/internal/supervisor/services"
	syncpkg "github.com/probeworks/bedsync/internal/sync"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().
		Str("version", version).
		Str("moonraker", cfg.WebSocketURL()).
		Float64("interval_hours", cfg.Sync.IntervalHours).
		Msg("Bedsync starting")

	st := store.New(cfg.Files.Probe, cfg.Files.Mesh, cfg.Files.ZOffset)
	manager := moonraker.NewManager(cfg.WebSocketURL(), cfg.RetryDelay())
	orchestrator := syncpkg.NewOrchestrator(manager, st, cfg.Interval(), cfg.StabilizeDelay())

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddConnectionService(services.NewConnectionService(manager))
	tree.AddEngineService(services.NewSyncService(orchestrator))
	if cfg.Metrics.Addr != "" {
		tree.AddEngineService(services.NewMetricsService(cfg.Metrics.Addr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor exited with error")
		os.Exit(1)
	}

	logging.Info().Msg("Bedsync stopped")
}
