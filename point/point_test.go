// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package point_test

import (
	"testing"

	"github.com/grailbio/pointcloud/point"
	"github.com/stretchr/testify/require"
)

func TestBoundingBoxExtendAndValid(t *testing.T) {
	b := point.NewEmptyBoundingBox()
	require.False(t, b.Valid())
	b.Extend(1, 2, 3)
	b.Extend(-1, 5, 0)
	require.True(t, b.Valid())
	require.Equal(t, -1.0, b.MinX)
	require.Equal(t, 1.0, b.MaxX)
	require.Equal(t, 2.0, b.MinY)
	require.Equal(t, 5.0, b.MaxY)
	require.Equal(t, 0.0, b.MinZ)
	require.Equal(t, 3.0, b.MaxZ)
}

func TestBoundingBoxUnion(t *testing.T) {
	a := point.BoundingBox{MinX: 0, MinY: 0, MinZ: 0, MaxX: 10, MaxY: 10, MaxZ: 10}
	b := point.BoundingBox{MinX: -5, MinY: 2, MinZ: 1, MaxX: 5, MaxY: 20, MaxZ: 9}
	u := a.Union(b)
	require.Equal(t, point.BoundingBox{MinX: -5, MinY: 0, MinZ: 0, MaxX: 10, MaxY: 20, MaxZ: 10}, u)
}

func TestCellOfAndFrac(t *testing.T) {
	offset := point.BoundingBox{MinX: 10, MinY: 20, MinZ: 30}
	cell := point.CellOf(23, 27, 31, offset, 5)
	require.Equal(t, point.GridCell{IX: 2, IY: 1, IZ: 0}, cell)

	fx, fy, fz, clamped := point.Frac(23, 27, 31, offset, 5, cell)
	require.False(t, clamped)
	require.InDelta(t, 0.6, fx, 1e-9)
	require.InDelta(t, 0.4, fy, 1e-9)
	require.InDelta(t, 0.2, fz, 1e-9)
}

func TestFracClampsOutOfRange(t *testing.T) {
	offset := point.NewEmptyBoundingBox()
	offset.MinX, offset.MinY, offset.MinZ = 0, 0, 0
	cell := point.GridCell{}
	// A coordinate exactly on the upper cell boundary computes frac == 1,
	// which must clamp rather than overflow into the next cell.
	_, _, fz, clamped := point.Frac(0, 0, 5, offset, 5, cell)
	require.True(t, clamped)
	require.Less(t, fz, 1.0)
}

func TestPackUnpackCoordRoundTrip(t *testing.T) {
	fx, fy, fz := 0.5, 0.25, 0.75
	packed := point.PackedCoord(fx, fy, fz, 1024)
	ux, uy, uz := point.UnpackCoord(packed, 1024)
	require.InDelta(t, fx, ux, 1.0/1024)
	require.InDelta(t, fy, uy, 1.0/1024)
	require.InDelta(t, fz, uz, 1.0/1024)
}
