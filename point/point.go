// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package point defines the core data model shared by every reader,
// writer, and transform in this module: the Point record itself,
// BoundingBox reduction, and the V3 grid-cell / fixed-point packing
// math.
package point

import "math"

// Point is a single point-cloud sample, widened to the module's
// canonical in-memory representation on read and narrowed again to
// each output format's rules on write.
type Point struct {
	X, Y, Z float64
	// R, G, B are normalized to [0, 1] in transit.
	R, G, B float64
	// HasIntensity and HasTime report whether the source record
	// carried those optional channels.
	HasIntensity bool
	Intensity    uint16
	HasTime      bool
	Time         float64
}

// BoundingBox is an axis-aligned box over X, Y, Z. The zero value is
// not a valid box; use NewEmptyBoundingBox and Extend to build one.
type BoundingBox struct {
	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// NewEmptyBoundingBox returns a box primed so that the first Extend
// call establishes both min and max on every axis.
func NewEmptyBoundingBox() BoundingBox {
	return BoundingBox{
		MinX: math.Inf(1), MinY: math.Inf(1), MinZ: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1), MaxZ: math.Inf(-1),
	}
}

// Valid reports whether min <= max on every axis, as required of a
// box after reader initialization.
func (b BoundingBox) Valid() bool {
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY && b.MinZ <= b.MaxZ
}

// Extend grows b to also cover (x, y, z).
func (b *BoundingBox) Extend(x, y, z float64) {
	if x < b.MinX {
		b.MinX = x
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if y > b.MaxY {
		b.MaxY = y
	}
	if z < b.MinZ {
		b.MinZ = z
	}
	if z > b.MaxZ {
		b.MaxZ = z
	}
}

// Union returns the element-wise minimum of two boxes' mins and
// maximum of their maxes. bounds.Run uses it to build the union of
// every file's header bounds; the global offset comes from extending a
// box with each file's minimum corner.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	r := b
	if o.MinX < r.MinX {
		r.MinX = o.MinX
	}
	if o.MinY < r.MinY {
		r.MinY = o.MinY
	}
	if o.MinZ < r.MinZ {
		r.MinZ = o.MinZ
	}
	if o.MaxX > r.MaxX {
		r.MaxX = o.MaxX
	}
	if o.MaxY > r.MaxY {
		r.MaxY = o.MaxY
	}
	if o.MaxZ > r.MaxZ {
		r.MaxZ = o.MaxZ
	}
	return r
}

// GridCell is the integer tuple (ix, iy, iz) addressing a V3 tile.
type GridCell struct {
	IX, IY, IZ int64
}

// CellOf computes the grid cell containing (x, y, z) given the global
// offset and grid size, per spec: floor((coord - offset) / gridSize).
func CellOf(x, y, z float64, offset BoundingBox, gridSize float64) GridCell {
	return GridCell{
		IX: int64(math.Floor((x - offset.MinX) / gridSize)),
		IY: int64(math.Floor((y - offset.MinY) / gridSize)),
		IZ: int64(math.Floor((z - offset.MinZ) / gridSize)),
	}
}

// FracEpsilon is the clamp margin used when a fractional coordinate
// computed from floating-point division lands outside [0, 1) due to
// rounding.
const FracEpsilon = 1e-7

// Frac computes the fractional position of (x, y, z) within its grid
// cell, in [0, 1) on every axis. If floating-point error pushes a
// component outside that range, it is clamped to [0, 1-FracEpsilon]
// and clamped reports true.
func Frac(x, y, z float64, offset BoundingBox, gridSize float64, cell GridCell) (fx, fy, fz float64, clamped bool) {
	fx, cx := frac1(x, offset.MinX, gridSize, cell.IX)
	fy, cy := frac1(y, offset.MinY, gridSize, cell.IY)
	fz, cz := frac1(z, offset.MinZ, gridSize, cell.IZ)
	return fx, fy, fz, cx || cy || cz
}

func frac1(v, offset, gridSize float64, idx int64) (float64, bool) {
	f := (v-offset)/gridSize - float64(idx)
	if f < 0 {
		return 0, true
	}
	if f >= 1 {
		return 1 - FracEpsilon, true
	}
	return f, false
}

// PackedCoord encodes three fractional axis positions, each already
// in [0, 1), into a single fixed-point uint32 scaled by packMagic.
// Each axis gets 10 bits (0..1023), leaving the top 2 bits unused.
func PackedCoord(fx, fy, fz float64, packMagic float64) uint32 {
	const bits = 10
	const mask = (1 << bits) - 1
	scale := packMagic
	if scale <= 0 {
		scale = 1024
	}
	qx := uint32(fx*scale) & mask
	qy := uint32(fy*scale) & mask
	qz := uint32(fz*scale) & mask
	return qx | (qy << bits) | (qz << (2 * bits))
}

// UnpackCoord is the inverse of PackedCoord, returned for tests and
// for any downstream tool that needs to recover approximate source
// coordinates from a tile file.
func UnpackCoord(packed uint32, packMagic float64) (fx, fy, fz float64) {
	const bits = 10
	const mask = (1 << bits) - 1
	scale := packMagic
	if scale <= 0 {
		scale = 1024
	}
	fx = float64(packed&mask) / scale
	fy = float64((packed>>bits)&mask) / scale
	fz = float64((packed>>(2*bits))&mask) / scale
	return
}
