// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pool implements ResourcePool, a keyed pool of reader and
// writer handles, one instance per concurrently-active worker slot.
// Unlike a general-purpose object pool backed by a map, slots here
// are identified by a small dense integer (the worker's id in
// [0, maxThreads)), so the pool is a plain indexed array guarded by a
// mutex, in the spirit of syncqueue's condition-variable discipline
// but specialized to fixed-size slots rather than a growable queue.
package pool

import "sync"

// Reader is the subset of lasio.PointSource's lifecycle the pool
// needs to manage: an instance can be closed and reopened across
// files borrowed by the same slot.
type Reader interface {
	Close() error
}

// Writer is the analogous subset of a PointSink's lifecycle.
type Writer interface {
	Close() error
}

// ResourcePool holds one reader and one writer per worker slot,
// created lazily on first use by each slot and reused across the
// files that slot processes. It never holds two live handles for the
// same slot. A constructor may return the same handle for several
// slots (pcconv does so for its single V2 sink); otherwise the
// scheduler's semaphore discipline (at most one active worker per
// slot), not the pool itself, keeps each handle to one user at a time.
type ResourcePool struct {
	mu      sync.Mutex
	readers []Reader
	writers []Writer
	newR    func(slot int) Reader
	newW    func(slot int) Writer
}

// New returns a ResourcePool with maxThreads slots. newReader and
// newWriter construct a fresh handle for a slot the first time it is
// acquired; they are called at most once per slot over the pool's
// lifetime (subsequent acquires reuse the same handle after its
// current file is Closed by the caller).
func New(maxThreads int, newReader func(slot int) Reader, newWriter func(slot int) Writer) *ResourcePool {
	return &ResourcePool{
		readers: make([]Reader, maxThreads),
		writers: make([]Writer, maxThreads),
		newR:    newReader,
		newW:    newWriter,
	}
}

// GetOrCreateReader returns the reader owned by slot, constructing it
// on first use.
func (p *ResourcePool) GetOrCreateReader(slot int) Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers[slot] == nil {
		p.readers[slot] = p.newR(slot)
	}
	return p.readers[slot]
}

// GetOrCreateWriter returns the writer owned by slot, constructing it
// on first use.
func (p *ResourcePool) GetOrCreateWriter(slot int) Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writers[slot] == nil {
		p.writers[slot] = p.newW(slot)
	}
	return p.writers[slot]
}

// ReleaseReader returns slot's reader to the pool. It does not close
// the handle — the worker is expected to have already closed or reset
// it for the next file.
func (p *ResourcePool) ReleaseReader(slot int) {
	// Slots are exclusively owned between Acquire and Release by
	// construction (the scheduler's semaphore discipline), so Release
	// is a no-op marker kept for symmetry with GetOrCreate and to give
	// callers and tests an explicit point to assert against.
	_ = slot
}

// ReleaseWriter returns slot's writer to the pool.
func (p *ResourcePool) ReleaseWriter(slot int) {
	_ = slot
}

// CloseAll closes every reader and writer the pool has constructed,
// ignoring individual errors beyond collecting the first one. It is
// called once by the scheduler after all workers have finished.
func (p *ResourcePool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, r := range p.readers {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, w := range p.writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
