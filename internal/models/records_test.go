// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeshRecordEqual(t *testing.T) {
	base := MeshRecord{
		ProfileName: "default",
		Bounds:      MeshBounds{MinX: 5, MaxX: 215, MinY: 5, MaxY: 215},
		ProbedMatrix: [][]float64{
			{0.01, 0.02, 0.03},
			{0.04, 0.05, 0.06},
		},
	}

	tests := []struct {
		name   string
		mutate func(m *MeshRecord)
		want   bool
	}{
		{
			name:   "identical",
			mutate: func(m *MeshRecord) {},
			want:   true,
		},
		{
			name:   "different profile name",
			mutate: func(m *MeshRecord) { m.ProfileName = "pei-sheet" },
			want:   false,
		},
		{
			name:   "different bounds",
			mutate: func(m *MeshRecord) { m.Bounds.MaxX = 220 },
			want:   false,
		},
		{
			name:   "single cell changed",
			mutate: func(m *MeshRecord) { m.ProbedMatrix[1][2] = 0.07 },
			want:   false,
		},
		{
			name:   "fewer rows",
			mutate: func(m *MeshRecord) { m.ProbedMatrix = m.ProbedMatrix[:1] },
			want:   false,
		},
		{
			name:   "ragged row",
			mutate: func(m *MeshRecord) { m.ProbedMatrix[0] = m.ProbedMatrix[0][:2] },
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := MeshRecord{
				ProfileName: base.ProfileName,
				Bounds:      base.Bounds,
				ProbedMatrix: [][]float64{
					append([]float64{}, base.ProbedMatrix[0]...),
					append([]float64{}, base.ProbedMatrix[1]...),
				},
			}
			tt.mutate(&other)
			assert.Equal(t, tt.want, base.Equal(other))
			assert.Equal(t, tt.want, other.Equal(base), "Equal should be symmetric")
		})
	}
}

func TestMeshRecordEqual_EmptyMatrices(t *testing.T) {
	a := MeshRecord{ProfileName: "default"}
	b := MeshRecord{ProfileName: "default", ProbedMatrix: [][]float64{}}

	// nil and empty matrices compare equal; only contents matter.
	assert.True(t, a.Equal(b))
}
