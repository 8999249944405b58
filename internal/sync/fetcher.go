// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package sync contains the data fetcher and the sync orchestrator:
// the engine that turns calibration events and timer expiries into
// de-duplicated, persisted measurement collections.
package sync

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/probeworks/bedsync/internal/models"
)

// Caller is the request/response surface of the Moonraker client the
// fetcher needs. Satisfied by *moonraker.Client.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

var (
	// Klipper logs each probe as "probe at 12.0,34.0 is z=0.123" at the
	// start of a console line.
	probePattern = regexp.MustCompile(`^probe at ([\d.]+),([\d.]+) is z=([-\d.]+)`)

	// Z-offset results appear mid-message ("probe: z_offset: -1.234"),
	// often after a newline, so this one is searched, not anchored.
	zOffsetPattern = regexp.MustCompile(`probe: z_offset: ([-\d.]+)`)
)

// gcodeStoreResult is the payload of server.gcode_store.
type gcodeStoreResult struct {
	GcodeStore []gcodeStoreEntry `json:"gcode_store"`
}

type gcodeStoreEntry struct {
	Message string  `json:"message"`
	Time    float64 `json:"time"`
}

// bedMeshQueryResult is the payload of printer.objects.query for the
// bed_mesh object.
type bedMeshQueryResult struct {
	Status struct {
		BedMesh *bedMeshStatus `json:"bed_mesh"`
	} `json:"status"`
}

type bedMeshStatus struct {
	ProfileName  string      `json:"profile_name"`
	MeshMin      []float64   `json:"mesh_min"`
	MeshMax      []float64   `json:"mesh_max"`
	ProbedMatrix [][]float64 `json:"probed_matrix"`
}

// FetchProbePoints retrieves the full G-code console history and
// extracts every probe sample, keyed by the server-supplied entry time.
func FetchProbePoints(ctx context.Context, c Caller) ([]models.ProbePoint, error) {
	entries, err := fetchGcodeStore(ctx, c)
	if err != nil {
		return nil, err
	}

	points := make([]models.ProbePoint, 0, len(entries))
	for _, entry := range entries {
		m := probePattern.FindStringSubmatch(entry.Message)
		if m == nil {
			continue
		}
		x, errX := strconv.ParseFloat(m[1], 64)
		y, errY := strconv.ParseFloat(m[2], 64)
		z, errZ := strconv.ParseFloat(m[3], 64)
		if errX != nil || errY != nil || errZ != nil {
			continue
		}
		points = append(points, models.ProbePoint{X: x, Y: y, Z: z, Timestamp: entry.Time})
	}
	return points, nil
}

// FetchZOffsets retrieves the console history and extracts z-offset
// calibration results.
func FetchZOffsets(ctx context.Context, c Caller) ([]models.ZOffset, error) {
	entries, err := fetchGcodeStore(ctx, c)
	if err != nil {
		return nil, err
	}

	offsets := make([]models.ZOffset, 0, len(entries))
	for _, entry := range entries {
		m := zOffsetPattern.FindStringSubmatch(entry.Message)
		if m == nil {
			continue
		}
		z, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		offsets = append(offsets, models.ZOffset{ZOffset: z, Timestamp: entry.Time})
	}
	return offsets, nil
}

// FetchMeshRecords queries the printer's current bed_mesh object and
// normalizes it into a mesh record. The result holds zero records when
// no mesh is loaded (fresh printer, cleared profile) and one otherwise;
// Moonraker only ever exposes the active mesh.
func FetchMeshRecords(ctx context.Context, c Caller) ([]models.MeshRecord, error) {
	params := map[string]any{"objects": map[string]any{"bed_mesh": nil}}
	raw, err := c.Call(ctx, "printer.objects.query", params)
	if err != nil {
		return nil, fmt.Errorf("query bed_mesh: %w", err)
	}

	var result bedMeshQueryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse bed_mesh response: %w", err)
	}

	mesh := result.Status.BedMesh
	if mesh == nil || len(mesh.ProbedMatrix) == 0 {
		return []models.MeshRecord{}, nil
	}

	rec := models.MeshRecord{
		ProfileName:  mesh.ProfileName,
		ProbedMatrix: mesh.ProbedMatrix,
	}
	if len(mesh.MeshMin) >= 2 {
		rec.Bounds.MinX = mesh.MeshMin[0]
		rec.Bounds.MinY = mesh.MeshMin[1]
	}
	if len(mesh.MeshMax) >= 2 {
		rec.Bounds.MaxX = mesh.MeshMax[0]
		rec.Bounds.MaxY = mesh.MeshMax[1]
	}
	return []models.MeshRecord{rec}, nil
}

// fetchGcodeStore issues one server.gcode_store call. Probe and
// z-offset fetches stay separate calls so a failure of one cannot take
// down the other.
func fetchGcodeStore(ctx context.Context, c Caller) ([]gcodeStoreEntry, error) {
	raw, err := c.Call(ctx, "server.gcode_store", nil)
	if err != nil {
		return nil, fmt.Errorf("gcode_store: %w", err)
	}

	var result gcodeStoreResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse gcode_store response: %w", err)
	}
	return result.GcodeStore, nil
}
