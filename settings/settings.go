// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package settings defines ImportSettings, the immutable-after-parse
// configuration record every other package in this module consumes.
// It is produced by an external argument parser — cmd/pcconv's cobra
// command in this module — and is kept in its own package so that
// lasio, transform, bounds, ucpc, pcroot, and pcconv can all depend on
// it without a cycle through the CLI.
package settings

// Format identifies an input or output point-cloud format.
type Format int

const (
	// LAS is an uncompressed input format.
	LAS Format = iota
	// LAZ is a compressed input format.
	LAZ
	// UCPC is the V2 single-file output format.
	UCPC
	// PCROOT is the V3 tiled output format.
	PCROOT
)

// ManualOffset is a caller-supplied offset, used when UseAutoOffset is
// false.
type ManualOffset struct {
	X, Y, Z float64
}

// ImportSettings is the immutable-after-parse configuration for one
// conversion run. Every field corresponds to an option in the
// external interface table; booleans default false, numeric fields
// default to the documented zero-means-unset value.
type ImportSettings struct {
	// Input is a path or directory of input LAS/LAZ files.
	Input string
	// Output is the output file (UCPC) or output root path (PCROOT).
	Output string

	ImportFormat Format
	ExportFormat Format

	// UseAutoOffset enables the global bounds pass; Manual is used
	// instead when it is false and Manual is non-zero.
	UseAutoOffset bool
	Manual        ManualOffset

	ImportRGB       bool
	ImportIntensity bool

	// GridSize is the V3 cell size in source units.
	GridSize float64
	// MinPointsPerTile drops tiles below this count.
	MinPointsPerTile int

	UseScale bool
	Scale    float64

	SwapYZ   bool
	InvertX  bool
	InvertZ  bool

	PackColors bool
	PackMagic  float64

	// Limit caps points written per file; zero means unlimited.
	Limit int
	// SkipEveryN drops every Nth point before KeepEveryN is applied;
	// zero means no skipping.
	SkipEveryN int
	// KeepEveryN keeps every Nth point after skipping; zero means keep
	// everything skip left behind.
	KeepEveryN int

	// MaxFiles caps the number of files processed; zero means all.
	MaxFiles int

	Randomize bool
	Seed      int64

	JSON bool

	ImportMetadata bool
	MetadataOnly   bool

	AverageTimestamp bool

	CheckOverlap bool

	// MaxThreads bounds worker parallelism; clamped to
	// [1, len(files)] by the scheduler.
	MaxThreads int

	// CustomIntensityRange, when non-zero, replaces the default
	// 16-bit intensity normalization range.
	CustomIntensityRange uint16

	// Compress gzip- or zstd-compresses the metadata sidecar. Tile and
	// V2 output files are written uncompressed. One of "", "gz", "zst".
	Compress string
}

// NeedsBoundsPass reports whether a bounds pass must run before
// workers start, per spec.md §4.4: either auto-offset is requested,
// or color packing needs both channels enabled, and in either case
// metadata-only mode (which never reads coordinates) makes it moot.
func (s ImportSettings) NeedsBoundsPass() bool {
	if s.MetadataOnly {
		return false
	}
	if s.UseAutoOffset {
		return true
	}
	return s.ImportIntensity && s.ImportRGB && s.PackColors
}

// EffectiveMaxThreads clamps MaxThreads to [1, fileCount].
func (s ImportSettings) EffectiveMaxThreads(fileCount int) int {
	n := s.MaxThreads
	if n < 1 {
		n = 1
	}
	if n > fileCount {
		n = fileCount
	}
	if fileCount == 0 {
		return 1
	}
	return n
}

// EffectiveMaxFiles clamps MaxFiles to [1, fileCount], with zero
// meaning "all files".
func (s ImportSettings) EffectiveMaxFiles(fileCount int) int {
	if s.MaxFiles <= 0 || s.MaxFiles > fileCount {
		return fileCount
	}
	return s.MaxFiles
}
