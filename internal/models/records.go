// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package models defines the record types Bedsync mirrors from
// Moonraker and their identity semantics.
//
// ProbePoint and ZOffset records are identified by their originating
// timestamp: Moonraker is the source of truth per timestamp, so two
// records sharing one are the same observation regardless of values.
// MeshRecord carries no timestamp; its identity is full structural
// equality of the profile name, bounds, and probed matrix.
package models

// ProbePoint is a single measured bed-surface sample scraped from the
// G-code console history.
//
// Timestamp is the server-supplied event time of the console line the
// point was parsed from (seconds, as reported by Moonraker's
// server.gcode_store). It is treated as opaque: never generated
// locally, only compared for equality.
type ProbePoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Timestamp float64 `json:"timestamp"`
}

// ZOffset is a probe z-offset calibration reading, scraped from the
// same console history as probe points and deduplicated by the same
// timestamp rule.
type ZOffset struct {
	ZOffset   float64 `json:"z_offset"`
	Timestamp float64 `json:"timestamp"`
}

// MeshBounds is the rectangular probed area of a bed mesh.
type MeshBounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// MeshRecord is one complete bed-leveling calibration result: a named
// profile, its bounds, and the row-major grid of measured z deviations.
// Matrix dimensions are determined by the printer's calibration
// resolution and may differ between records.
type MeshRecord struct {
	ProfileName  string      `json:"profile_name"`
	Bounds       MeshBounds  `json:"bounds"`
	ProbedMatrix [][]float64 `json:"probed_matrix"`
}

// Equal reports full structural equality: profile name, bounds, and
// every matrix cell. Two calibrations that reproduce identical output
// are the same record even if probed at different times.
func (m MeshRecord) Equal(other MeshRecord) bool {
	if m.ProfileName != other.ProfileName || m.Bounds != other.Bounds {
		return false
	}
	if len(m.ProbedMatrix) != len(other.ProbedMatrix) {
		return false
	}
	for i, row := range m.ProbedMatrix {
		if len(row) != len(other.ProbedMatrix[i]) {
			return false
		}
		for j, z := range row {
			if z != other.ProbedMatrix[i][j] {
				return false
			}
		}
	}
	return true
}
