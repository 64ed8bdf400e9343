// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package transform implements TransformPipeline, the fixed-order
// per-point geometric and colorimetric transform applied between a
// PointSource read and a PointSink write.
package transform

import (
	"github.com/grailbio/pointcloud/point"
	"github.com/grailbio/pointcloud/settings"
)

// Pipeline applies the seven-step transform of spec.md §4.3, in
// order: offset subtraction, scale, axis swap, Z invert, X invert,
// intensity-as-color fallback, and zero-color fallback. The order is
// part of the contract — do not reorder these steps.
type Pipeline struct {
	offset          settings.ManualOffset
	useScale        bool
	scale           float64
	swapYZ          bool
	invertZ         bool
	invertX         bool
	importRGB       bool
	importIntensity bool
}

// New builds a Pipeline from settings and the offset to apply —
// either the manually configured one or the one computed by
// bounds.Run, depending on s.UseAutoOffset.
func New(s settings.ImportSettings, offset settings.ManualOffset) Pipeline {
	return Pipeline{
		offset:          offset,
		useScale:        s.UseScale,
		scale:           s.Scale,
		swapYZ:          s.SwapYZ,
		invertZ:         s.InvertZ,
		invertX:         s.InvertX,
		importRGB:       s.ImportRGB,
		importIntensity: s.ImportIntensity,
	}
}

// Apply transforms a copy of p according to the pipeline's steps, and
// returns the result. p is not mutated; a new Point is returned so
// callers can safely retain the original if they need to (e.g. for a
// retry).
func (t Pipeline) Apply(p point.Point) point.Point {
	out := p

	// 1. Subtract offset (zero if neither auto nor manual configured).
	out.X -= t.offset.X
	out.Y -= t.offset.Y
	out.Z -= t.offset.Z

	// 2. Scale.
	if t.useScale {
		out.X *= t.scale
		out.Y *= t.scale
		out.Z *= t.scale
	}

	// 3. Swap Y and Z.
	if t.swapYZ {
		out.Y, out.Z = out.Z, out.Y
	}

	// 4. Invert Z.
	if t.invertZ {
		out.Z = -out.Z
	}

	// 5. Invert X.
	if t.invertX {
		out.X = -out.X
	}

	// 6. Intensity-as-color fallback, 7. zero-color fallback.
	switch {
	case t.importIntensity && !t.importRGB:
		v := float64(out.Intensity) / 65535
		out.R, out.G, out.B = v, v, v
	case !t.importRGB && !t.importIntensity:
		out.R, out.G, out.B = 0, 0, 0
	}

	return out
}
