// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pcconv implements the conversion scheduler: discovering
// input files, running the optional bounds pass, dispatching one
// FileWorker per input file under a bounded-concurrency traversal,
// and finalizing the V2/V3 output once every file completes. A
// cancelled run is not finalized.
package pcconv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/pointcloud/bounds"
	"github.com/grailbio/pointcloud/compress"
	"github.com/grailbio/pointcloud/data"
	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/eventlog"
	"github.com/grailbio/pointcloud/file"
	"github.com/grailbio/pointcloud/fileio"
	"github.com/grailbio/pointcloud/lasio"
	"github.com/grailbio/pointcloud/log"
	"github.com/grailbio/pointcloud/pcroot"
	"github.com/grailbio/pointcloud/point"
	"github.com/grailbio/pointcloud/pool"
	"github.com/grailbio/pointcloud/settings"
	"github.com/grailbio/pointcloud/status"
	"github.com/grailbio/pointcloud/transform"
	"github.com/grailbio/pointcloud/traverse"
	"github.com/grailbio/pointcloud/ucpc"
)

// Exit codes, per spec.md §6.
const (
	ExitSuccess   = 0
	ExitError     = 1
	ExitCancelled = 2
)

// ProgressInfo is the live state of one worker slot, read by the
// ProgressReporter and written by the FileWorker running in that
// slot. Reads are not synchronized with writes beyond progressMu in
// Scheduler; the property relied on is monotone non-decrease within
// one file, not linearizability.
type ProgressInfo struct {
	FileIndex    int
	Path         string
	CurrentPoint uint64
	TotalPoints  uint64
}

// Summary is the outcome of one conversion run.
type Summary struct {
	ExitCode     int
	FilesOK      int
	FilesFailed  int
	ErrorCount   int64
	ClampCount   int64
	TilesWritten int
}

// sinkWriter is the common shape of ucpc.Sink and pcroot.Writer that
// FileWorker needs: both are safe for concurrent AddPoint from
// multiple workers sharing the slot-bound handle returned by the
// writer pool.
type sinkWriter interface {
	pool.Writer
	AddPoint(point.Point)
	Save(fileIndex int) error
}

// resetter is implemented by writer handles that are reused across
// files assigned to the same slot (pcroot.Writer); ucpc.Sink has no
// per-file state to reset, since every worker shares one Sink for the
// whole run.
type resetter interface {
	Reset(path string)
}

var errCancelled = errors.E(errors.Canceled, "pcconv: run cancelled")

// Run discovers the input files named by s.Input, runs the bounds
// pass if needed, converts every file under a pool of s.MaxThreads
// workers, and finalizes the V2/V3 output. ctx cancellation is the
// scheduler's single shared cancellation flag (spec.md §4.6): both
// the dispatch loop and every worker's inner read loop poll it.
func Run(ctx context.Context, s settings.ImportSettings, ev eventlog.Eventer) (Summary, error) {
	if ev == nil {
		ev = eventlog.Nop{}
	}

	paths, err := discoverInputs(ctx, s)
	if err != nil {
		return Summary{ExitCode: ExitError}, errors.E(errors.Invalid, "pcconv.Run: discover inputs", s.Input, err)
	}
	if len(paths) == 0 {
		return Summary{ExitCode: ExitError}, errors.E(errors.Invalid, "pcconv.Run: no input files found", s.Input)
	}
	log.Info.Printf("pcconv: discovered %d input files, %s", len(paths), totalInputSize(ctx, paths))

	n := s.EffectiveMaxFiles(len(paths))
	if s.Randomize {
		shufflePaths(paths, s.Seed)
	}
	paths = paths[:n]
	maxThreads := s.EffectiveMaxThreads(len(paths))

	offset := point.BoundingBox{MinX: s.Manual.X, MinY: s.Manual.Y, MinZ: s.Manual.Z}
	var boundsRes bounds.Result
	haveBoundsRes := false
	if s.NeedsBoundsPass() || s.ExportFormat == settings.UCPC {
		res, berr := bounds.Run(ctx, paths, func(path string, err error) {
			log.Error.Printf("pcconv: bounds pass could not open %s: %v", path, err)
			ev.Event("error", "file", path, "stage", "boundsPass", "error", err.Error())
		})
		if berr != nil {
			return Summary{ExitCode: ExitError}, berr
		}
		boundsRes, haveBoundsRes = res, true
		if s.NeedsBoundsPass() {
			offset = res.Offset
		}
	}

	st := status.New()
	group := st.Group(fmt.Sprintf("convert %d files", len(paths)))

	progress := make([]ProgressInfo, maxThreads)
	var progressMu sync.Mutex
	var errorCount int64
	var filesOK, filesFailed int64
	var metadataMu sync.Mutex
	var metadataList []lasio.FileHeader

	readerPool := pool.New(maxThreads, func(slot int) pool.Reader { return lasio.New() }, nil)
	defer readerPool.CloseAll()

	var sink *ucpc.Sink
	var root *pcroot.Root
	switch s.ExportFormat {
	case settings.UCPC:
		hdrBounds := point.BoundingBox{MinX: offset.MinX, MinY: offset.MinY, MinZ: offset.MinZ, MaxX: offset.MinX + 1, MaxY: offset.MinY + 1, MaxZ: offset.MinZ + 1}
		if haveBoundsRes {
			hdrBounds = boundsRes.Bounds
		}
		sink, err = ucpc.Init(s.Output, hdrBounds, s.ImportIntensity, s.AverageTimestamp, uint64(estimateTotalPoints(paths)))
		if err != nil {
			return Summary{ExitCode: ExitError}, err
		}
	case settings.PCROOT:
		root, err = pcroot.Init(s.Output, s, offset)
		if err != nil {
			return Summary{ExitCode: ExitError}, err
		}
	default:
		return Summary{ExitCode: ExitError}, errors.E(errors.Invalid, "pcconv.Run: unrecognized export format")
	}

	writerPool := pool.New(maxThreads, nil, func(slot int) pool.Writer {
		if root != nil {
			return root.NewWriter("")
		}
		return sink
	})
	// The pool's sweep closes, and so commits, the shared UCPC sink;
	// it is skipped when the run is cancelled.
	var cancelled bool
	defer func() {
		if !cancelled {
			writerPool.CloseAll()
		}
	}()

	slots := newSlotPool(maxThreads)

	summary := Summary{}
	derr := traverse.Each(len(paths)).Limit(maxThreads).Do(func(i int) error {
		return fileWorker(ctx, fileWorkerArgs{
			fileIndex:    i,
			path:         paths[i],
			settings:     s,
			offset:       offset,
			readers:      readerPool,
			writers:      writerPool,
			slots:        slots,
			progress:     progress,
			progressMu:   &progressMu,
			errorCount:   &errorCount,
			filesOK:      &filesOK,
			filesFailed:  &filesFailed,
			metadataMu:   &metadataMu,
			metadataList: &metadataList,
			group:        group,
			ev:           ev,
		})
	})

	cancelled = derr == errCancelled || ctx.Err() != nil
	if cancelled {
		summary.ExitCode = ExitCancelled
	}
	summary.ErrorCount = atomic.LoadInt64(&errorCount)
	summary.FilesOK = int(atomic.LoadInt64(&filesOK))
	summary.FilesFailed = int(atomic.LoadInt64(&filesFailed))

	if !cancelled {
		switch {
		case root != nil:
			tiles, cerr := root.Close(ctx)
			if cerr != nil {
				return summary, cerr
			}
			summary.TilesWritten = tiles
			summary.ClampCount = root.ClampCount()
			for _, c := range root.OverlappingCells() {
				log.Info.Printf("pcconv: tile %d,%d,%d has points from more than one source file", c.IX, c.IY, c.IZ)
				ev.Event("warning", "tile", fmt.Sprintf("%d,%d,%d", c.IX, c.IY, c.IZ), "reason", "tileOverlap")
			}
		case sink != nil:
			if cerr := sink.Close(); cerr != nil {
				return summary, cerr
			}
		}

		if s.ImportMetadata {
			if werr := writeMetadataSidecar(ctx, s.Output, s.Compress, metadataList); werr != nil {
				return summary, werr
			}
		}
	}

	if summary.ExitCode == 0 && summary.ErrorCount > 0 {
		summary.ExitCode = ExitSuccess // per-file errors are counted, not fatal
	}
	group.Printf("done")
	ev.Event("end", "exitCode", summary.ExitCode, "errorCount", summary.ErrorCount, "tiles", summary.TilesWritten)
	return summary, nil
}

type fileWorkerArgs struct {
	fileIndex    int
	path         string
	settings     settings.ImportSettings
	offset       point.BoundingBox
	readers      *pool.ResourcePool
	writers      *pool.ResourcePool
	slots        *slotPool
	progress     []ProgressInfo
	progressMu   *sync.Mutex
	errorCount   *int64
	filesOK      *int64
	filesFailed  *int64
	metadataMu   *sync.Mutex
	metadataList *[]lasio.FileHeader
	group        *status.Group
	ev           eventlog.Eventer
}

// fileWorker implements spec.md §4.5. It never returns a non-nil
// error for an ordinary per-file failure (those are counted and
// logged instead, so the scheduler's traversal keeps going); it
// returns errCancelled only when this worker itself observed
// cancellation, so the scheduler stops dispatching further files
// promptly.
func fileWorker(ctx context.Context, a fileWorkerArgs) error {
	slot := a.slots.acquire()
	defer a.slots.release(slot)

	task := a.group.Start(fmt.Sprintf("[%d] %s", a.fileIndex, a.path))
	defer task.Done()

	reader, _ := a.readers.GetOrCreateReader(slot).(*lasio.Source)
	defer a.readers.ReleaseReader(slot)

	if _, err := reader.Open(ctx, a.path, a.settings); err != nil {
		atomic.AddInt64(a.errorCount, 1)
		atomic.AddInt64(a.filesFailed, 1)
		log.Error.Printf("pcconv: open %s: %v", a.path, err)
		a.ev.Event("error", "file", a.path, "stage", "readerInit", "error", err.Error())
		task.Printf("error: %v", err)
		return nil
	}
	defer reader.Close()

	a.ev.Event("file", "path", a.path, "index", a.fileIndex, "stage", "start")

	if a.settings.ImportMetadata {
		md := reader.Metadata()
		if d, derr := reader.ComputeDigest(ctx); derr != nil {
			log.Error.Printf("pcconv: digest %s: %v", a.path, derr)
		} else {
			md.Digest = d
		}
		a.metadataMu.Lock()
		*a.metadataList = append(*a.metadataList, md)
		a.metadataMu.Unlock()
	}
	if a.settings.MetadataOnly {
		atomic.AddInt64(a.filesOK, 1)
		task.Printf("metadata captured")
		return nil
	}

	total := reader.PointCount()
	effective := effectivePointCount(total, a.settings)

	writer, _ := a.writers.GetOrCreateWriter(slot).(sinkWriter)
	defer a.writers.ReleaseWriter(slot)
	if rs, ok := writer.(resetter); ok {
		rs.Reset(a.path)
	}

	a.progressMu.Lock()
	a.progress[slot] = ProgressInfo{FileIndex: a.fileIndex, Path: a.path, TotalPoints: effective}
	a.progressMu.Unlock()

	checkEvery := total / 100
	if checkEvery < 1 {
		checkEvery = 1
	}

	pipeline := transform.New(a.settings, settings.ManualOffset{X: a.offset.MinX, Y: a.offset.MinY, Z: a.offset.MinZ})
	dec := newDecimator(a.settings)

	var written uint64
	var sourceIdx uint64
	cancelledHere := false
	for {
		p, ok, err := reader.ReadPoint(ctx)
		if err != nil {
			log.Error.Printf("pcconv: point error in %s at index %d: %v", a.path, sourceIdx, err)
			a.ev.Event("error", "file", a.path, "stage", "point", "index", sourceIdx, "error", err.Error())
			break
		}
		if !ok {
			break
		}
		sourceIdx++

		if sourceIdx%checkEvery == 0 {
			select {
			case <-ctx.Done():
				cancelledHere = true
			default:
			}
		}
		if cancelledHere {
			break
		}

		if !dec.next() {
			continue
		}
		if a.settings.Limit > 0 && written >= uint64(a.settings.Limit) {
			break
		}

		out := pipeline.Apply(p)
		writer.AddPoint(out)
		written++

		a.progressMu.Lock()
		a.progress[slot].CurrentPoint = written
		a.progressMu.Unlock()
	}

	if cancelledHere {
		task.Printf("cancelled at %d/%d", written, effective)
		return errCancelled
	}

	if serr := writer.Save(a.fileIndex); serr != nil {
		atomic.AddInt64(a.errorCount, 1)
		log.Error.Printf("pcconv: save %s: %v", a.path, serr)
	}
	atomic.AddInt64(a.filesOK, 1)
	a.ev.Event("file", "path", a.path, "index", a.fileIndex, "stage", "complete", "written", written)
	task.Printf("done: %d/%d points", written, effective)
	return nil
}

// decimator implements the skip-then-keep composition order chosen
// for the ambiguity noted in spec.md §9: skipEveryN drops every Nth
// point of the raw stream, then keepEveryN keeps every Nth point of
// what skip left behind.
type decimator struct {
	skipN, keepN uint64
	skipCount    uint64
	keepCount    uint64
}

func newDecimator(s settings.ImportSettings) *decimator {
	return &decimator{skipN: uint64(s.SkipEveryN), keepN: uint64(s.KeepEveryN)}
}

func (d *decimator) next() bool {
	if d.skipN > 0 {
		d.skipCount++
		if d.skipCount%d.skipN == 0 {
			return false
		}
	}
	if d.keepN > 0 {
		d.keepCount++
		return d.keepCount%d.keepN == 0
	}
	return true
}

// effectivePointCount resolves the analytic point count used to size
// the writer and report progress totals, per spec.md §4.5 step 5.
func effectivePointCount(total uint64, s settings.ImportSettings) uint64 {
	n := total
	if s.SkipEveryN > 0 {
		n -= n / uint64(s.SkipEveryN)
	}
	if s.KeepEveryN > 0 {
		n /= uint64(s.KeepEveryN)
	}
	if s.Limit > 0 && uint64(s.Limit) < n {
		n = uint64(s.Limit)
	}
	return n
}

func estimateTotalPoints(paths []string) int {
	return len(paths) * 1 << 16 // coarse preallocation hint only
}

// totalInputSize sums the on-disk/S3-object size of every path, for a
// human-readable log line at the start of a run. A Stat failure on
// any individual path (e.g. a transient S3 error) is not fatal here;
// that path's size is just excluded, since fileWorker will surface
// the real error when it actually opens the file.
func totalInputSize(ctx context.Context, paths []string) data.Size {
	var total data.Size
	for _, p := range paths {
		info, err := file.Stat(ctx, p)
		if err != nil {
			continue
		}
		total += data.Size(info.Size())
	}
	return total
}

// slotPool hands out the small dense integers [0, n) used to key
// ResourcePool, guaranteeing at most one worker holds a given slot at
// a time (spec.md §8 property 8).
type slotPool struct {
	free chan int
}

func newSlotPool(n int) *slotPool {
	p := &slotPool{free: make(chan int, n)}
	for i := 0; i < n; i++ {
		p.free <- i
	}
	return p
}

func (p *slotPool) acquire() int  { return <-p.free }
func (p *slotPool) release(s int) { p.free <- s }

// discoverInputs resolves s.Input to a sorted list of LAS/LAZ file
// paths: a single regular file, or every matching file under a
// directory (scheme-aware, so s3:// prefixes work the same as local
// paths), following the same Stat-then-List pattern grail-file's ls
// command uses.
func discoverInputs(ctx context.Context, s settings.ImportSettings) ([]string, error) {
	if _, err := file.Stat(ctx, s.Input); err == nil {
		return []string{s.Input}, nil
	}
	var out []string
	lister := file.List(ctx, s.Input, true)
	for lister.Scan() {
		if lister.IsDir() {
			continue
		}
		switch fileio.DetermineType(lister.Path()) {
		case fileio.LAS, fileio.LAZ:
			out = append(out, lister.Path())
		}
	}
	if err := lister.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func shufflePaths(paths []string, seed int64) {
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(paths), func(i, j int) { paths[i], paths[j] = paths[j], paths[i] })
}

func writeMetadataSidecar(ctx context.Context, output, compressCodec string, headers []lasio.FileHeader) error {
	stem := strings.TrimSuffix(output, filepath.Ext(output))
	path := stem + ".json" + compressSuffix(compressCodec)
	return fileio.ReplaceFile(ctx, path, func(w io.Writer) error {
		cw, _ := compress.NewWriterPath(w, path)
		defer cw.Close()
		enc := json.NewEncoder(cw)
		return enc.Encode(headers)
	})
}

// compressSuffix maps an ImportSettings.Compress codec name to the
// filename extension compress.NewWriterPath dispatches on.
func compressSuffix(codec string) string {
	switch codec {
	case "gz":
		return ".gz"
	case "zst":
		return ".zst"
	default:
		return ""
	}
}
