// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package ucpc implements the V2 (single-file, ".ucpc") PointSink: a
// fixed header followed by packed point records, all written
// sequentially into one output file.
package ucpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/fileio"
	"github.com/grailbio/pointcloud/point"
)

// Magic identifies a UCPC file.
var Magic = [4]byte{'U', 'C', 'P', 'C'}

// Version is the on-disk format version written by this package.
const Version = 2

// Flag bits recorded in the header, describing which optional
// channels every record in the file carries.
const (
	FlagIntensity uint32 = 1 << iota
	FlagTime
)

// Sink is a V2 PointSink. The full output is assembled in memory and
// committed in one atomic write on Close, since the header's point
// count field must reflect the number of records actually written
// (which can be less than the number requested at Init if the reader
// hit a PointError partway through the file).
type Sink struct {
	mu              sync.Mutex
	buf             bytes.Buffer
	bounds          point.BoundingBox
	count           uint64
	hasIntensity    bool
	hasTime         bool
	path            string
	reservedCountAt int
	closed          bool
}

// Init creates a new Sink for path. estimatedPoints is advisory only
// (used to preallocate the in-memory buffer); the header's actual
// point count is whatever AddPoint is called with by Close.
func Init(path string, bounds point.BoundingBox, hasIntensity, hasTime bool, estimatedPoints uint64) (*Sink, error) {
	if !bounds.Valid() {
		return nil, errors.E(errors.Invalid, "ucpc.Init: invalid bounds", path)
	}
	s := &Sink{
		bounds:       bounds,
		hasIntensity: hasIntensity,
		hasTime:      hasTime,
		path:         path,
	}
	const recSize = 4 + 4 + 4 + 1 + 1 + 1 + 2 + 8
	s.buf.Grow(int(estimatedPoints)*recSize + 64)

	s.buf.Write(Magic[:])
	binary.Write(&s.buf, binary.LittleEndian, uint32(Version))
	s.reservedCountAt = s.buf.Len()
	binary.Write(&s.buf, binary.LittleEndian, uint64(0)) // patched at Close
	binary.Write(&s.buf, binary.LittleEndian, float32(bounds.MinX))
	binary.Write(&s.buf, binary.LittleEndian, float32(bounds.MinY))
	binary.Write(&s.buf, binary.LittleEndian, float32(bounds.MinZ))
	binary.Write(&s.buf, binary.LittleEndian, float32(bounds.MaxX))
	binary.Write(&s.buf, binary.LittleEndian, float32(bounds.MaxY))
	binary.Write(&s.buf, binary.LittleEndian, float32(bounds.MaxZ))

	var flags uint32
	if hasIntensity {
		flags |= FlagIntensity
	}
	if hasTime {
		flags |= FlagTime
	}
	binary.Write(&s.buf, binary.LittleEndian, flags)
	return s, nil
}

// AddPoint appends one record. Never fails for a single point in the
// sense of aborting the file — callers pass already-transformed,
// already-range-checked points. Safe for concurrent use: a Sink is
// shared by every worker for the run's duration, since V2 merges all
// input files into one output file.
func (s *Sink) AddPoint(p point.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.Write(&s.buf, binary.LittleEndian, float32(p.X))
	binary.Write(&s.buf, binary.LittleEndian, float32(p.Y))
	binary.Write(&s.buf, binary.LittleEndian, float32(p.Z))
	s.buf.WriteByte(byte(p.R * 255))
	s.buf.WriteByte(byte(p.G * 255))
	s.buf.WriteByte(byte(p.B * 255))
	if s.hasIntensity {
		binary.Write(&s.buf, binary.LittleEndian, p.Intensity)
	}
	if s.hasTime {
		binary.Write(&s.buf, binary.LittleEndian, p.Time)
	}
	s.count++
}

// Count returns the number of records written so far.
func (s *Sink) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Save is a no-op for the V2 format: there is nothing to flush
// per-file, since Close commits the whole buffer at once. It takes
// the same fileIndex argument as pcroot.Writer.Save so both sink
// types satisfy a common interface.
func (s *Sink) Save(fileIndex int) error { return nil }

// Close patches the reserved point-count field with the number of
// records actually written and commits the file atomically. Close is
// idempotent: a Sink is shared across every pool slot for the run's
// duration, so it is closed once explicitly by pcconv.Run and again,
// harmlessly, when the writer pool's CloseAll sweeps every slot that
// held it.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	b := s.buf.Bytes()
	binary.LittleEndian.PutUint64(b[s.reservedCountAt:s.reservedCountAt+8], s.count)
	return fileio.ReplaceFile(context.Background(), s.path, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}
