// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package dedup holds the pure merge functions that decide whether an
// incoming record already exists in a collection. No I/O, no shared
// state; callers own the slices.
//
// Policy for every kind: first-seen wins, discovery order is preserved,
// duplicates inside one incoming batch collapse to a single copy. A
// duplicate is not an error, only a skipped append.
package dedup

import "github.com/probeworks/bedsync/internal/models"

// MergeProbePoints unions incoming into existing, keyed by timestamp.
// It returns the merged collection and how many records were newly
// appended. Neither input slice is mutated.
func MergeProbePoints(existing, incoming []models.ProbePoint) ([]models.ProbePoint, int) {
	seen := make(map[float64]struct{}, len(existing))
	for _, p := range existing {
		seen[p.Timestamp] = struct{}{}
	}

	merged := make([]models.ProbePoint, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	added := 0
	for _, p := range incoming {
		if _, ok := seen[p.Timestamp]; ok {
			continue
		}
		seen[p.Timestamp] = struct{}{}
		merged = append(merged, p)
		added++
	}
	return merged, added
}

// MergeZOffsets unions incoming z-offset readings into existing, keyed
// by timestamp, under the same policy as probe points.
func MergeZOffsets(existing, incoming []models.ZOffset) ([]models.ZOffset, int) {
	seen := make(map[float64]struct{}, len(existing))
	for _, o := range existing {
		seen[o.Timestamp] = struct{}{}
	}

	merged := make([]models.ZOffset, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	added := 0
	for _, o := range incoming {
		if _, ok := seen[o.Timestamp]; ok {
			continue
		}
		seen[o.Timestamp] = struct{}{}
		merged = append(merged, o)
		added++
	}
	return merged, added
}

// MergeMeshRecords unions incoming mesh records into existing, keyed by
// full structural equality (profile name, bounds, matrix contents).
//
// A re-probe that differs in even one matrix value is a wholly new
// record. That can grow the collection for a noisy probe, but it is the
// archival behavior downstream tools rely on.
func MergeMeshRecords(existing, incoming []models.MeshRecord) ([]models.MeshRecord, int) {
	merged := make([]models.MeshRecord, len(existing), len(existing)+len(incoming))
	copy(merged, existing)

	added := 0
	for _, rec := range incoming {
		if containsMesh(merged, rec) {
			continue
		}
		merged = append(merged, rec)
		added++
	}
	return merged, added
}

// containsMesh scans for a structurally equal record. Collections stay
// small (one record per calibration run), so a linear scan beats
// maintaining a fingerprint index.
func containsMesh(records []models.MeshRecord, rec models.MeshRecord) bool {
	for _, r := range records {
		if r.Equal(rec) {
			return true
		}
	}
	return false
}
