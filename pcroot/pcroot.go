// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pcroot implements the V3 (tiled, ".pcroot" + ".pct") point
// sink. A shared Root owns one append-only buffer per grid cell,
// written to by every worker's Writer as points are bucketed; Close
// is called once by the scheduler after all files complete, and
// flushes surviving tiles plus a root index to disk atomically.
package pcroot

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"

	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/fileio"
	"github.com/grailbio/pointcloud/point"
	"github.com/grailbio/pointcloud/settings"
)

type cell struct {
	buf          bytes.Buffer
	count        int
	minX, minY, minZ float64
	haveMin      bool
	files        map[string]bool // contributing source files, tracked only if CheckOverlap
}

// Root owns every grid cell's accumulating tile buffer and the
// eventual root index. It is created once by the scheduler and
// shared by every worker's Writer; workers never touch it directly
// except through AddPoint/Save, and only the scheduler calls Close.
type Root struct {
	mu           sync.Mutex
	cells        map[point.GridCell]*cell
	outputRoot   string
	gridSize     float64
	offset       point.BoundingBox
	pack         bool
	packMagic    float64
	minPoints    int
	checkOverlap bool
	clampCount   int64
}

// Init creates a Root rooted at outputDir, computing its grid and
// packing parameters from s and the previously-resolved offset
// (either the bounds pass result or s.Manual).
func Init(outputDir string, s settings.ImportSettings, offset point.BoundingBox) (*Root, error) {
	if s.GridSize <= 0 {
		return nil, errors.E(errors.Invalid, "pcroot.Init: gridsize must be positive")
	}
	return &Root{
		cells:        make(map[point.GridCell]*cell),
		outputRoot:   outputDir,
		gridSize:     s.GridSize,
		offset:       offset,
		pack:         s.PackColors,
		packMagic:    s.PackMagic,
		minPoints:    s.MinPointsPerTile,
		checkOverlap: s.CheckOverlap,
	}, nil
}

// Writer is a per-(worker, file) handle onto a shared Root. One
// Writer is borrowed from the pool for the duration of one file.
type Writer struct {
	root       *Root
	path       string
	touched    map[point.GridCell]bool
	clampCount int64
}

// NewWriter returns a Writer over root, bucketing points contributed
// by the file at path (used only for the optional CheckOverlap
// bookkeeping).
func (r *Root) NewWriter(path string) *Writer {
	return &Writer{root: r, path: path, touched: make(map[point.GridCell]bool)}
}

// AddPoint buckets one already-transformed point into its grid cell,
// per spec.md §4.2: compute cell and fraction, clamp instead of
// fail on out-of-range fraction, pack or emit raw floats, append
// color and optional channels.
func (w *Writer) AddPoint(p point.Point) {
	r := w.root
	c := point.CellOf(p.X, p.Y, p.Z, r.offset, r.gridSize)
	fx, fy, fz, clamped := point.Frac(p.X, p.Y, p.Z, r.offset, r.gridSize, c)
	if clamped {
		w.clampCount++
	}

	r.mu.Lock()
	cl, ok := r.cells[c]
	if !ok {
		cl = &cell{}
		if r.checkOverlap {
			cl.files = make(map[string]bool)
		}
		r.cells[c] = cl
	}
	if r.checkOverlap {
		cl.files[w.path] = true
	}
	if !cl.haveMin {
		cl.minX, cl.minY, cl.minZ = p.X, p.Y, p.Z
		cl.haveMin = true
	} else {
		if p.X < cl.minX {
			cl.minX = p.X
		}
		if p.Y < cl.minY {
			cl.minY = p.Y
		}
		if p.Z < cl.minZ {
			cl.minZ = p.Z
		}
	}

	if r.pack {
		packed := point.PackedCoord(fx, fy, fz, r.packMagic)
		binary.Write(&cl.buf, binary.LittleEndian, packed)
	} else {
		binary.Write(&cl.buf, binary.LittleEndian, float32(p.X))
		binary.Write(&cl.buf, binary.LittleEndian, float32(p.Y))
		binary.Write(&cl.buf, binary.LittleEndian, float32(p.Z))
	}
	cl.buf.WriteByte(byte(p.R * 255))
	cl.buf.WriteByte(byte(p.G * 255))
	cl.buf.WriteByte(byte(p.B * 255))
	if p.HasIntensity {
		binary.Write(&cl.buf, binary.LittleEndian, p.Intensity)
	}
	if p.HasTime {
		binary.Write(&cl.buf, binary.LittleEndian, p.Time)
	}
	cl.count++
	r.mu.Unlock()

	w.touched[c] = true
}

// Save adds w's clamp count to the root's running total and does
// nothing else. Actual tile thresholding and disk writes happen once, in
// Root.Close, since a cell can still receive points from a file that
// hasn't finished yet.
func (w *Writer) Save(fileIndex int) error {
	w.root.mu.Lock()
	w.root.clampCount += w.clampCount
	w.root.mu.Unlock()
	return nil
}

// ClampCount returns the number of points this writer clamped due to
// floating-point fraction overflow.
func (w *Writer) ClampCount() int64 { return w.clampCount }

// Reset rebinds w to a new source file, so a single Writer borrowed
// from the pool for worker slot can be reused across every file that
// slot processes in turn.
func (w *Writer) Reset(path string) {
	w.path = path
	w.touched = make(map[point.GridCell]bool)
	w.clampCount = 0
}

// Close satisfies pool.Writer; a per-file Writer owns no resource
// beyond the shared Root, which the scheduler closes separately.
func (w *Writer) Close() error { return nil }

type tileEntry struct {
	cell  point.GridCell
	name  string
	count int
	minX, minY, minZ float64
}

// Close discards tiles below MinPointsPerTile, writes every surviving
// tile file under outputRoot, and writes the root index atomically.
// It is called exactly once, by the scheduler, after every worker has
// finished — never by a worker directly.
func (r *Root) Close(ctx context.Context) (tileCount int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []tileEntry
	for gc, cl := range r.cells {
		if cl.count < r.minPoints {
			continue
		}
		name := fmt.Sprintf("tile_%d_%d_%d.pct", gc.IX, gc.IY, gc.IZ)
		if err := fileio.ReplaceFile(ctx, r.outputRoot+"/"+name, func(w io.Writer) error {
			_, err := w.Write(cl.buf.Bytes())
			return err
		}); err != nil {
			return 0, errors.E(errors.Unavailable, "pcroot.Close: tile write", name, err)
		}
		entries = append(entries, tileEntry{cell: gc, name: name, count: cl.count, minX: cl.minX, minY: cl.minY, minZ: cl.minZ})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].cell.IX != entries[j].cell.IX {
			return entries[i].cell.IX < entries[j].cell.IX
		}
		if entries[i].cell.IY != entries[j].cell.IY {
			return entries[i].cell.IY < entries[j].cell.IY
		}
		return entries[i].cell.IZ < entries[j].cell.IZ
	})

	err = fileio.ReplaceFile(ctx, r.outputRoot+"/root.pcroot", func(w io.Writer) error {
		return r.writeIndex(w, entries)
	})
	if err != nil {
		return 0, errors.E(errors.Unavailable, "pcroot.Close: index write", err)
	}
	return len(entries), nil
}

func (r *Root) writeIndex(w io.Writer, entries []tileEntry) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "gridSize\t%g\n", r.gridSize)
	fmt.Fprintf(tw, "offsetX\t%g\n", r.offset.MinX)
	fmt.Fprintf(tw, "offsetY\t%g\n", r.offset.MinY)
	fmt.Fprintf(tw, "offsetZ\t%g\n", r.offset.MinZ)
	fmt.Fprintf(tw, "packed\t%v\n", r.pack)
	fmt.Fprintf(tw, "packMagic\t%g\n", r.packMagic)
	fmt.Fprintf(tw, "tiles\t%d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(tw, "tile\t%s\t%d\t%g\t%g\t%g\n", e.name, e.count, e.minX, e.minY, e.minZ)
	}
	return tw.Flush()
}

// OverlappingCells returns, when CheckOverlap was enabled, the set of
// grid cells touched by more than one distinct source file.
func (r *Root) OverlappingCells() []point.GridCell {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []point.GridCell
	for gc, cl := range r.cells {
		if len(cl.files) > 1 {
			out = append(out, gc)
		}
	}
	return out
}

// ClampCount returns the running total of clamped fractional
// coordinates across every writer this root has served.
func (r *Root) ClampCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clampCount
}
