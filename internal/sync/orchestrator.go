// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

package sync

import (
	"context"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/probeworks/bedsync/internal/dedup"
	"github.com/probeworks/bedsync/internal/logging"
	"github.com/probeworks/bedsync/internal/metrics"
	"github.com/probeworks/bedsync/internal/models"
	"github.com/probeworks/bedsync/internal/moonraker"
	"github.com/probeworks/bedsync/internal/store"
)

// triggerLine is the console output Klipper emits when a bed-mesh
// calibration command finishes.
const triggerLine = "Mesh Bed Leveling Complete"

// Reason identifies which source initiated a sync, for logging.
type Reason string

const (
	ReasonInitial Reason = "initial"
	ReasonTimer   Reason = "timer"
	ReasonEvent   Reason = "event"
	ReasonManual  Reason = "manual"
)

// Connection is the orchestrator's view of the connection manager.
// Satisfied by *moonraker.Manager.
type Connection interface {
	State() moonraker.State
	Client() *moonraker.Client
	Subscribed() <-chan *moonraker.Client
}

// Orchestrator is the single entry point for "fetch, dedup, persist".
//
// Two trigger sources run concurrently - the periodic ticker and the
// calibration-complete event listener - and both feed a single-slot
// trigger channel drained by the run loop. The loop is the only place a
// sync executes, so at most one runs at a time; a trigger arriving
// while one is in flight waits in the slot and runs exactly once
// afterwards, and further triggers in that window coalesce into it.
//
// The orchestrator owns the in-memory working copies of all three
// collections. They are loaded once at startup and committed back to
// the store only after a successful file write, so a failed write
// leaves both memory and disk at their pre-sync contents.
type Orchestrator struct {
	conn      Connection
	store     *store.Store
	interval  time.Duration
	stabilize time.Duration

	probePoints []models.ProbePoint
	meshRecords []models.MeshRecord
	zOffsets    []models.ZOffset
	loaded      bool

	trigger chan Reason

	syncMu stdsync.Mutex // serializes sync execution

	mu       stdsync.RWMutex
	lastSync time.Time
}

// NewOrchestrator wires the orchestrator to its collaborators.
// interval is the periodic fallback; stabilize is how long to wait
// after a calibration event before fetching, giving the printer time to
// settle its state.
func NewOrchestrator(conn Connection, st *store.Store, interval, stabilize time.Duration) *Orchestrator {
	return &Orchestrator{
		conn:      conn,
		store:     st,
		interval:  interval,
		stabilize: stabilize,
		trigger:   make(chan Reason, 1),
	}
}

// Run executes the orchestrator loop until the context is canceled.
// Implements the suture service contract via the supervisor wrapper.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.loadCollections(); err != nil {
		return err
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case client := <-o.conn.Subscribed():
			go o.listen(ctx, client)
			o.requestSync(ReasonInitial)
		case <-ticker.C:
			o.requestSync(ReasonTimer)
		case reason := <-o.trigger:
			o.runSync(ctx, reason)
		}
	}
}

// TriggerSync requests an immediate sync, coalescing with any pending
// one. It does not wait for the sync to execute.
func (o *Orchestrator) TriggerSync() {
	o.requestSync(ReasonManual)
}

// LastSyncTime returns when the last successful sync finished, or the
// zero time if none has.
func (o *Orchestrator) LastSyncTime() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSync
}

// loadCollections reads the persisted collections into memory. Runs
// once; a supervisor restart keeps the already-authoritative copies.
func (o *Orchestrator) loadCollections() error {
	if o.loaded {
		return nil
	}

	probes, err := o.store.LoadProbePoints()
	if err != nil {
		return fmt.Errorf("load probe points: %w", err)
	}
	meshes, err := o.store.LoadMeshRecords()
	if err != nil {
		return fmt.Errorf("load mesh records: %w", err)
	}
	offsets, err := o.store.LoadZOffsets()
	if err != nil {
		return fmt.Errorf("load z-offsets: %w", err)
	}

	o.probePoints = probes
	o.meshRecords = meshes
	o.zOffsets = offsets
	o.loaded = true

	logging.Info().
		Int("probe_points", len(probes)).
		Int("mesh_records", len(meshes)).
		Int("z_offsets", len(offsets)).
		Msg("Collections loaded")
	return nil
}

// requestSync drops a trigger into the single slot. A full slot means a
// run is already pending; the new trigger coalesces into it.
func (o *Orchestrator) requestSync(reason Reason) {
	select {
	case o.trigger <- reason:
	default:
		metrics.TriggersCoalesced.Inc()
		logging.Debug().Str("reason", string(reason)).Msg("Sync already pending, trigger coalesced")
	}
}

// listen consumes notifications from one connection until it dies,
// turning calibration-complete console lines into sync triggers.
func (o *Orchestrator) listen(ctx context.Context, client *moonraker.Client) {
	logging.Info().Str("event", triggerLine).Msg("Listening for calibration events")

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case n := <-client.Notifications():
			if n.Method != "notify_gcode_response" {
				continue
			}
			line, ok := gcodeResponseLine(n.Params)
			if !ok || !strings.Contains(line, triggerLine) {
				continue
			}
			logging.Info().
				Str("line", strings.TrimSpace(line)).
				Dur("stabilize", o.stabilize).
				Msg("Calibration complete, sync scheduled")

			if o.stabilize > 0 {
				select {
				case <-time.After(o.stabilize):
				case <-ctx.Done():
					return
				case <-client.Done():
					// The reconnect's initial sync will cover this event.
					return
				}
			}
			o.requestSync(ReasonEvent)
		}
	}
}

// gcodeResponseLine extracts the console line from notify_gcode_response
// params, which Moonraker sends as a one-element string array.
func gcodeResponseLine(params json.RawMessage) (string, bool) {
	var lines []string
	if err := json.Unmarshal(params, &lines); err != nil || len(lines) == 0 {
		return "", false
	}
	return lines[0], true
}

// runSync performs one fetch-merge-persist cycle for all three kinds.
// Per-kind failures are isolated; the cycle counts as failed only when
// every kind failed.
func (o *Orchestrator) runSync(ctx context.Context, reason Reason) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	client := o.conn.Client()
	if client == nil || o.conn.State() != moonraker.StateSubscribed {
		metrics.SyncsSkipped.Inc()
		logging.Info().Str("reason", string(reason)).Msg("Skipping sync, not subscribed")
		return
	}

	ctx = logging.ContextWithSyncID(ctx, logging.NewSyncID())
	log := logging.Ctx(ctx)
	start := time.Now()
	log.Info().Str("reason", string(reason)).Msg("Sync started")

	probeAdded, probeOK := o.syncProbePoints(ctx, client, log)
	meshAdded, meshOK := o.syncMeshRecords(ctx, client, log)
	offsetAdded, offsetOK := o.syncZOffsets(ctx, client, log)

	if !probeOK && !meshOK && !offsetOK {
		log.Warn().Str("reason", string(reason)).Msg("Sync failed for all kinds, awaiting next trigger")
		return
	}

	elapsed := time.Since(start)
	metrics.SyncDuration.Observe(elapsed.Seconds())
	metrics.SyncLastSuccess.SetToCurrentTime()

	o.mu.Lock()
	o.lastSync = time.Now()
	o.mu.Unlock()

	log.Info().
		Int("probe_added", probeAdded).
		Int("mesh_added", meshAdded).
		Int("z_offset_added", offsetAdded).
		Dur("elapsed", elapsed).
		Msg("Sync complete")
}

func (o *Orchestrator) syncProbePoints(ctx context.Context, client Caller, log zerolog.Logger) (int, bool) {
	incoming, err := FetchProbePoints(ctx, client)
	if err != nil {
		log.Warn().Err(err).Msg("Probe fetch failed")
		metrics.SyncErrors.WithLabelValues(metrics.KindProbe, "fetch").Inc()
		return 0, false
	}

	merged, added := dedup.MergeProbePoints(o.probePoints, incoming)
	if added == 0 {
		return 0, true
	}
	if err := o.store.SaveProbePoints(merged); err != nil {
		log.Error().Err(err).Msg("Probe persist failed, previous file intact")
		metrics.SyncErrors.WithLabelValues(metrics.KindProbe, "persist").Inc()
		return 0, false
	}

	o.probePoints = merged
	metrics.SyncRecordsAdded.WithLabelValues(metrics.KindProbe).Add(float64(added))
	return added, true
}

func (o *Orchestrator) syncMeshRecords(ctx context.Context, client Caller, log zerolog.Logger) (int, bool) {
	incoming, err := FetchMeshRecords(ctx, client)
	if err != nil {
		log.Warn().Err(err).Msg("Mesh fetch failed")
		metrics.SyncErrors.WithLabelValues(metrics.KindMesh, "fetch").Inc()
		return 0, false
	}

	merged, added := dedup.MergeMeshRecords(o.meshRecords, incoming)
	if added == 0 {
		return 0, true
	}
	if err := o.store.SaveMeshRecords(merged); err != nil {
		log.Error().Err(err).Msg("Mesh persist failed, previous file intact")
		metrics.SyncErrors.WithLabelValues(metrics.KindMesh, "persist").Inc()
		return 0, false
	}

	o.meshRecords = merged
	metrics.SyncRecordsAdded.WithLabelValues(metrics.KindMesh).Add(float64(added))
	return added, true
}

func (o *Orchestrator) syncZOffsets(ctx context.Context, client Caller, log zerolog.Logger) (int, bool) {
	incoming, err := FetchZOffsets(ctx, client)
	if err != nil {
		log.Warn().Err(err).Msg("Z-offset fetch failed")
		metrics.SyncErrors.WithLabelValues(metrics.KindZOffset, "fetch").Inc()
		return 0, false
	}

	merged, added := dedup.MergeZOffsets(o.zOffsets, incoming)
	if added == 0 {
		return 0, true
	}
	if err := o.store.SaveZOffsets(merged); err != nil {
		log.Error().Err(err).Msg("Z-offset persist failed, previous file intact")
		metrics.SyncErrors.WithLabelValues(metrics.KindZOffset, "persist").Inc()
		return 0, false
	}

	o.zOffsets = merged
	metrics.SyncRecordsAdded.WithLabelValues(metrics.KindZOffset).Add(float64(added))
	return added, true
}
