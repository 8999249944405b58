// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package metrics provides Prometheus instrumentation for the sync
// engine and connection lifecycle, exposed at /metrics when a listener
// address is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record kinds used as the "kind" label value.
const (
	KindProbe   = "probe"
	KindMesh    = "mesh"
	KindZOffset = "z_offset"
)

var (
	// Sync engine metrics.

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bedsync_sync_duration_seconds",
			Help:    "Duration of one full fetch-merge-persist cycle",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	SyncRecordsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedsync_records_added_total",
			Help: "New records appended to a collection after dedup",
		},
		[]string{"kind"},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedsync_sync_errors_total",
			Help: "Failed fetch or persist operations per record kind",
		},
		[]string{"kind", "stage"}, // stage: "fetch" or "persist"
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bedsync_sync_last_success_timestamp",
			Help: "Unix timestamp of the last successful sync",
		},
	)

	SyncsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bedsync_syncs_skipped_total",
			Help: "Sync triggers skipped because the connection was not subscribed",
		},
	)

	TriggersCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bedsync_triggers_coalesced_total",
			Help: "Sync triggers merged into an already pending run",
		},
	)

	// Connection lifecycle metrics.

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bedsync_connection_state",
			Help: "Moonraker connection state (0=disconnected, 1=connecting, 2=connected, 3=subscribed)",
		},
	)

	ConnectFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bedsync_connect_failures_total",
			Help: "Failed connection or subscription attempts",
		},
	)

	Disconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bedsync_disconnects_total",
			Help: "Transport-level disconnects of an established connection",
		},
	)
)
