// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package store persists the mirrored collections as ordered JSON
// arrays, one file per collection. It is the only package that touches
// the filesystem.
//
// Saves follow write-to-temp-then-rename discipline: the new contents
// are written to a temporary file in the same directory, fsynced, and
// renamed over the target. A failed save never corrupts the previous
// file.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/probeworks/bedsync/internal/models"
)

// Store reads and writes the three collection files.
type Store struct {
	probePath   string
	meshPath    string
	zOffsetPath string
}

// New creates a store over the configured file paths.
func New(probePath, meshPath, zOffsetPath string) *Store {
	return &Store{
		probePath:   probePath,
		meshPath:    meshPath,
		zOffsetPath: zOffsetPath,
	}
}

// LoadProbePoints reads the probe collection. A missing or empty file
// is a first run, not an error: it loads as an empty collection.
func (s *Store) LoadProbePoints() ([]models.ProbePoint, error) {
	return loadCollection[models.ProbePoint](s.probePath)
}

// SaveProbePoints atomically replaces the probe collection file.
func (s *Store) SaveProbePoints(points []models.ProbePoint) error {
	return saveCollection(s.probePath, points)
}

// LoadMeshRecords reads the mesh collection.
func (s *Store) LoadMeshRecords() ([]models.MeshRecord, error) {
	return loadCollection[models.MeshRecord](s.meshPath)
}

// SaveMeshRecords atomically replaces the mesh collection file.
func (s *Store) SaveMeshRecords(records []models.MeshRecord) error {
	return saveCollection(s.meshPath, records)
}

// LoadZOffsets reads the z-offset collection.
func (s *Store) LoadZOffsets() ([]models.ZOffset, error) {
	return loadCollection[models.ZOffset](s.zOffsetPath)
}

// SaveZOffsets atomically replaces the z-offset collection file.
func (s *Store) SaveZOffsets(offsets []models.ZOffset) error {
	return saveCollection(s.zOffsetPath, offsets)
}

func loadCollection[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []T{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return []T{}, nil
	}

	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if records == nil {
		records = []T{}
	}
	return records, nil
}

func saveCollection[T any](path string, records []T) error {
	if records == nil {
		records = []T{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	// Temp file must live on the same filesystem as the target for the
	// rename to be atomic.
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
