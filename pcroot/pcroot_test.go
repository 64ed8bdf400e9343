// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pcroot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/pointcloud/pcroot"
	"github.com/grailbio/pointcloud/point"
	"github.com/grailbio/pointcloud/settings"
	"github.com/stretchr/testify/require"
)

func newRoot(t *testing.T, s settings.ImportSettings) (*pcroot.Root, string) {
	t.Helper()
	dir := t.TempDir()
	offset := point.BoundingBox{MinX: 0, MinY: 0, MinZ: 0}
	r, err := pcroot.Init(dir, s, offset)
	require.NoError(t, err)
	return r, dir
}

func TestTileBelowMinPointsIsDropped(t *testing.T) {
	s := settings.ImportSettings{GridSize: 10, MinPointsPerTile: 3}
	r, dir := newRoot(t, s)

	w := r.NewWriter("a.las")
	w.AddPoint(point.Point{X: 1, Y: 1, Z: 1, R: 1})
	w.AddPoint(point.Point{X: 1, Y: 1, Z: 1, R: 1})
	require.NoError(t, w.Save(0))

	n, err := r.Close(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// Only the root index should exist; no tile survived threshold.
	require.Len(t, entries, 1)
}

func TestTileAtOrAboveMinPointsIsKept(t *testing.T) {
	s := settings.ImportSettings{GridSize: 10, MinPointsPerTile: 2}
	r, dir := newRoot(t, s)

	w := r.NewWriter("a.las")
	for i := 0; i < 2; i++ {
		w.AddPoint(point.Point{X: 1, Y: 1, Z: 1, R: 1})
	}
	require.NoError(t, w.Save(0))

	n, err := r.Close(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(dir, "tile_0_0_0.pct"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "root.pcroot"))
	require.NoError(t, err)
}

func TestMultipleFilesContributeToSameTile(t *testing.T) {
	s := settings.ImportSettings{GridSize: 10, MinPointsPerTile: 1, CheckOverlap: true}
	r, _ := newRoot(t, s)

	w1 := r.NewWriter("a.las")
	w1.AddPoint(point.Point{X: 1, Y: 1, Z: 1})
	require.NoError(t, w1.Save(0))

	w2 := r.NewWriter("b.las")
	w2.AddPoint(point.Point{X: 2, Y: 2, Z: 2})
	require.NoError(t, w2.Save(1))

	overlap := r.OverlappingCells()
	require.Len(t, overlap, 1)
	require.Equal(t, point.GridCell{}, overlap[0])
}

func TestClampCountAccumulatesFromWriterToRootOnSave(t *testing.T) {
	s := settings.ImportSettings{GridSize: 1, MinPointsPerTile: 1}
	r, _ := newRoot(t, s)
	w := r.NewWriter("a.las")
	// X = -1e-17 lands in cell -1, where its fraction 1 - 1e-17 rounds
	// to 1.0 in float64 and is clamped.
	w.AddPoint(point.Point{X: -1e-17, Y: 0.5, Z: 0.5})
	require.EqualValues(t, 1, w.ClampCount())
	require.NoError(t, w.Save(0))
	require.EqualValues(t, 1, r.ClampCount())
}

func TestInitRejectsNonPositiveGridSize(t *testing.T) {
	_, err := pcroot.Init(t.TempDir(), settings.ImportSettings{GridSize: 0}, point.NewEmptyBoundingBox())
	require.Error(t, err)
}
