// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package services adapts the long-running components to suture's
// Serve(ctx) contract.
package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/probeworks/bedsync/internal/logging"
)

// Runner is the context-driven run-loop contract shared by the
// connection manager and the sync orchestrator.
type Runner interface {
	Run(ctx context.Context) error
}

// ConnectionService supervises the Moonraker connection manager.
type ConnectionService struct {
	runner Runner
}

// NewConnectionService wraps the connection manager.
func NewConnectionService(r Runner) *ConnectionService {
	return &ConnectionService{runner: r}
}

// Serve implements suture.Service.
func (s *ConnectionService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// String implements fmt.Stringer for supervisor logs.
func (s *ConnectionService) String() string {
	return "moonraker-connection"
}

// SyncService supervises the sync orchestrator.
type SyncService struct {
	runner Runner
}

// NewSyncService wraps the sync orchestrator.
func NewSyncService(r Runner) *SyncService {
	return &SyncService{runner: r}
}

// Serve implements suture.Service.
func (s *SyncService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// String implements fmt.Stringer for supervisor logs.
func (s *SyncService) String() string {
	return "sync-orchestrator"
}

// MetricsService serves the Prometheus /metrics endpoint. Construct it
// only when a listener address is configured.
type MetricsService struct {
	addr string
}

// NewMetricsService creates the metrics listener service.
func NewMetricsService(addr string) *MetricsService {
	return &MetricsService{addr: addr}
}

// Serve implements suture.Service. It runs the HTTP listener until the
// context is canceled, then shuts it down gracefully.
func (s *MetricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logging.Info().Str("addr", s.addr).Msg("Metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *MetricsService) String() string {
	return "metrics-server"
}
