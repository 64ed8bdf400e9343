// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bounds implements BoundsPass (spec.md §4.4): a
// header-only pre-scan over every input file that computes a global
// minimum offset, used both to keep post-subtraction coordinates
// non-negative and to make packed fractional coordinates fit in
// [0, 1).
package bounds

import (
	"context"

	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/lasio"
	"github.com/grailbio/pointcloud/point"
	"github.com/grailbio/pointcloud/settings"
)

// Result is the outcome of a bounds pass.
type Result struct {
	// Offset is the element-wise minimum of every file's header
	// bounds that opened successfully; this is what callers subtract
	// before packing (spec.md §4.4).
	Offset point.BoundingBox
	// Bounds is the full union of every file's header bounds: the
	// smallest box containing every point in every input file. Not
	// part of spec.md §4.4's algorithm proper, but computed for free
	// during the same header scan, and used to fill the V2 sink's
	// header bounds field without a second pass.
	Bounds point.BoundingBox
	// OK is the number of files whose header opened successfully.
	OK int
	// Failed is the number of files that failed to open; each is also
	// reported through onError.
	Failed int
}

// Run opens each of paths in order, reads its header bounds only (no
// per-point scan), and reduces the minimum corner across every file
// that opened successfully. Files that fail to open are reported to
// onError (which may be nil) and skipped, not treated as fatal. If
// zero files succeed, Run returns a NoUsableInput-kind error.
//
// Run is idempotent: two runs over the same inputs, in the same
// order, yield the same Offset, since it only reads header fields
// and never mutates its inputs.
func Run(ctx context.Context, paths []string, onError func(path string, err error)) (Result, error) {
	var res Result
	min := point.NewEmptyBoundingBox()
	union := point.NewEmptyBoundingBox()

	for _, path := range paths {
		b, err := readHeaderBounds(ctx, path)
		if err != nil {
			res.Failed++
			if onError != nil {
				onError(path, err)
			}
			continue
		}
		res.OK++
		min.Extend(b.MinX, b.MinY, b.MinZ)
		union = union.Union(b)
	}

	if res.OK == 0 {
		return Result{}, errors.E(errors.Precondition, "bounds.Run: no usable input")
	}
	res.Offset = point.BoundingBox{MinX: min.MinX, MinY: min.MinY, MinZ: min.MinZ}
	res.Bounds = union
	return res, nil
}

func readHeaderBounds(ctx context.Context, path string) (point.BoundingBox, error) {
	s := lasio.New()
	b, err := s.Open(ctx, path, settings.ImportSettings{})
	if err != nil {
		return point.BoundingBox{}, err
	}
	defer s.Close()
	return b, nil
}
