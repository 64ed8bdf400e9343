// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package lasio implements PointSource, a reader over LAS and LAZ
// point-cloud files. The on-disk layout read here is the public
// header block and fixed-length point records of LAS 1.0-1.3 (point
// data formats 0-3), the variant most LAZ files also use for their
// (uncompressed) header section.
package lasio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/grailbio/pointcloud/bitset"
	"github.com/grailbio/pointcloud/digest"
	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/file"
	"github.com/grailbio/pointcloud/ioctx"
	"github.com/grailbio/pointcloud/morebufio"
	"github.com/grailbio/pointcloud/point"
	"github.com/grailbio/pointcloud/retry"
	"github.com/grailbio/pointcloud/settings"
)

// headerPeekBackSize bounds how many of the raw header bytes read so
// far are retained for a corrupt-header diagnostic; large enough to
// show the signature and version fields, small enough to be a cheap
// fixed cost per Open.
const headerPeekBackSize = 32

// readBufferSize is the size of the buffer placed over the point
// stream. Point records are small (20-34 bytes); a large buffer
// amortizes the cost of each underlying Read, which for an S3-backed
// file.File means amortizing request overhead, not just syscalls.
const readBufferSize = 1 << 20

// openRetries bounds the number of times Open retries a failed
// file.Open before giving up; a transient S3 hiccup shouldn't fail an
// otherwise-healthy conversion run.
const openRetries = 3

var openRetryPolicy = retry.MaxRetries(retry.Jitter(retry.Backoff(100*time.Millisecond, 2*time.Second, 2), 0.1), openRetries)

// FileHeader is the per-file metadata captured for the optional JSON
// metadata sidecar (spec.md §3, §6).
type FileHeader struct {
	Path                string            `json:"path"`
	PointCount          uint64            `json:"pointCount"`
	Bounds              point.BoundingBox `json:"bounds"`
	WKT                 string            `json:"wkt,omitempty"`
	CreationYear        uint16            `json:"creationYear,omitempty"`
	CreationDay         uint16            `json:"creationDay,omitempty"`
	ClassificationCodes []uintptr         `json:"classificationBitset"`
	// Digest is the SHA-256 content digest of the source file, set
	// only when the caller requested it via ComputeDigest (the
	// --metadata flag); zero-valued (digest.Digest{}) otherwise.
	Digest digest.Digest `json:"digest,omitempty"`
}

// Source implements a PointSource over one LAS/LAZ file. It is safe
// to reuse across files (pooled by the scheduler): call Open again
// after Close.
type Source struct {
	f file.File

	pointCount uint64
	bounds     point.BoundingBox
	header     lasHeader
	path       string

	body    io.Reader
	pr      ioctx.ReadCloser
	cursor  uint64
	done    bool
	classes [4]uintptr // 256-bit classification bitset
}

// New returns a Source with no file open yet. Open must be called
// before ReadPoint.
func New() *Source { return &Source{} }

// openWithRetry retries file.Open under openRetryPolicy: an S3-backed
// open can fail transiently (throttling, a dropped connection) without
// the file itself being unreadable, and BoundsPass/FileWorker both
// treat a failed open as a counted, non-fatal per-file error, so it's
// worth a bounded retry before giving up on that file entirely.
func openWithRetry(ctx context.Context, path string) (file.File, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		f, err := file.Open(ctx, path)
		if err == nil {
			return f, nil
		}
		lastErr = err
		if werr := retry.Wait(ctx, openRetryPolicy, attempt); werr != nil {
			return nil, lastErr
		}
	}
}

// Open opens path (resolved through the file package's scheme
// registry, so s3:// paths work directly), parses the header, and
// returns the header's bounding box. It may be called again on the
// same Source after Close.
func (s *Source) Open(ctx context.Context, path string, imp settings.ImportSettings) (point.BoundingBox, error) {
	f, err := openWithRetry(ctx, path)
	if err != nil {
		return point.BoundingBox{}, errors.E(errors.Unavailable, "lasio.Open", path, err)
	}
	s.f = f
	s.path = path

	hdrReader := f.OffsetReader(0)
	defer hdrReader.Close(ctx)
	hdr, err := readHeader(ctx, hdrReader)
	if err != nil {
		f.Close(ctx)
		return point.BoundingBox{}, errors.E(errors.Integrity, "lasio: corrupt header", path, err)
	}
	if hdr.numberOfPoints == 0 {
		f.Close(ctx)
		return point.BoundingBox{}, errors.E(errors.Integrity, "lasio: empty file reported as error", path)
	}
	s.header = hdr
	s.pointCount = uint64(hdr.numberOfPoints)
	s.bounds = point.BoundingBox{
		MinX: hdr.minX, MinY: hdr.minY, MinZ: hdr.minZ,
		MaxX: hdr.maxX, MaxY: hdr.maxY, MaxZ: hdr.maxZ,
	}
	if !s.bounds.Valid() {
		f.Close(ctx)
		return point.BoundingBox{}, errors.E(errors.Integrity, "lasio: invalid bounds", path)
	}

	if isLAZCompressed(hdr) {
		// Header parses identically for LAZ; only the point body is
		// LASzip-arithmetic-coded, which this reader does not decode.
		// Callers that only need bounds (BoundsPass, metadataOnly) can
		// still use this Source; ReadPoint fails with NotSupported.
		s.body = nil
	} else {
		pr := f.OffsetReader(int64(hdr.offsetToPoints))
		s.pr = pr
		s.body = bufio.NewReaderSize(ioctx.ToStdReader(ctx, pr), readBufferSize)
	}
	s.cursor = 0
	s.done = false
	s.classes = [4]uintptr{}
	return s.bounds, nil
}

// PointCount returns the number of point records the header
// advertises.
func (s *Source) PointCount() uint64 { return s.pointCount }

// ReadPoint returns the next point in file order. ok is false once
// the stream is exhausted (EndOfStream); all further calls also
// return ok == false. A non-nil error indicates PointError: the
// stream is truncated at the current index and should be treated as
// end-of-stream by the caller (FileWorker), not a fatal failure.
func (s *Source) ReadPoint(ctx context.Context) (p point.Point, ok bool, err error) {
	if s.done || s.cursor >= s.pointCount {
		s.done = true
		return point.Point{}, false, nil
	}
	if s.body == nil {
		return point.Point{}, false, errors.E(errors.NotSupported, "lasio: LAZ point decompression not supported", s.path)
	}
	rec, err := readPointRecord(s.body, s.header)
	if err != nil {
		s.done = true
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return point.Point{}, false, nil
		}
		return point.Point{}, false, errors.E(errors.Integrity, "lasio: point record", s.path, err)
	}
	s.cursor++
	bitset.Set(s.classes[:], int(rec.classification))

	realX := float64(rec.x)*s.header.xScale + s.header.xOffset
	realY := float64(rec.y)*s.header.yScale + s.header.yOffset
	realZ := float64(rec.z)*s.header.zScale + s.header.zOffset

	out := point.Point{X: realX, Y: realY, Z: realZ}
	out.Intensity = rec.intensity
	out.HasIntensity = true
	if rec.hasRGB {
		out.R = float64(rec.r) / 65535
		out.G = float64(rec.g) / 65535
		out.B = float64(rec.b) / 65535
	}
	if rec.hasTime {
		out.HasTime = true
		out.Time = rec.gpsTime
	}
	return out, true, nil
}

// Metadata returns the captured FileHeader. Valid any time after Open
// succeeds; ClassificationCodes reflects points streamed so far, so
// callers that want a complete summary should call it after
// exhausting ReadPoint.
func (s *Source) Metadata() FileHeader {
	return FileHeader{
		Path:                s.path,
		PointCount:          s.pointCount,
		Bounds:              s.bounds,
		WKT:                 s.header.wkt,
		CreationYear:        s.header.creationYear,
		CreationDay:         s.header.creationDay,
		ClassificationCodes: append([]uintptr(nil), s.classes[:]...),
	}
}

// ComputeDigest reads the whole source file and returns its SHA-256
// content digest. It is a second, full-file read (separate from the
// header-only bounds pass and the sequential point stream), so callers
// should only invoke it when --metadata is set and a caller actually
// wants a digest to populate FileHeader.Digest.
func (s *Source) ComputeDigest(ctx context.Context) (digest.Digest, error) {
	r := s.f.OffsetReader(0)
	defer r.Close(ctx)
	w := digest.NewWriter()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(ctx, buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return digest.Digest{}, errors.E(errors.Unavailable, "lasio: digest read", s.path, err)
		}
	}
	return w.Digest(), nil
}

// Close releases the underlying file handles. Idempotent.
func (s *Source) Close() error {
	ctx := context.Background()
	var first error
	if s.pr != nil {
		if err := s.pr.Close(ctx); err != nil {
			first = err
		}
		s.pr = nil
	}
	s.body = nil
	if s.f != nil {
		if err := s.f.Close(ctx); err != nil && first == nil {
			first = err
		}
		s.f = nil
	}
	return first
}

type lasHeader struct {
	versionMajor, versionMinor uint8
	headerSize                 uint16
	offsetToPoints             uint32
	numberOfVLRs               uint32
	pointDataFormat            uint8
	pointDataLength            uint16
	numberOfPoints             uint32
	xScale, yScale, zScale     float64
	xOffset, yOffset, zOffset  float64
	maxX, minX, maxY, minY     float64
	maxZ, minZ                 float64
	creationDay, creationYear  uint16
	globalEncoding             uint16
	wkt                        string
}

// publicHeaderBytes is the number of bytes readHeader consumes from
// the fixed public header block before the VLR section begins (LAS
// 1.0-1.2 header length; 1.3/1.4 producers pad headerSize further,
// which readVLRs skips over).
const publicHeaderBytes = 227

// wktVLRUserID and wktVLRRecordID identify the OGC Coordinate System
// WKT VLR record (LAS 1.4 spec §2.4, also written by many 1.2/1.3
// producers that set the WKT bit in the header's global encoding).
const (
	wktVLRUserID   = "LASF_Projection"
	wktVLRRecordID = 2112
)

// readVLRs scans the numberOfVLRs variable-length records following
// the public header for the WKT CRS record and returns its string
// value, or "" if none is present. It is best-effort: a truncated or
// malformed VLR section returns whatever was found so far rather than
// failing header parsing, since spec.md only asks to capture CRS
// "if present".
func readVLRs(br *bufio.Reader, headerSize uint16, numberOfVLRs uint32) string {
	if headerSize < publicHeaderBytes {
		return ""
	}
	if pad := int64(headerSize) - publicHeaderBytes; pad > 0 {
		if _, err := io.CopyN(io.Discard, br, pad); err != nil {
			return ""
		}
	}
	var wkt string
	for i := uint32(0); i < numberOfVLRs; i++ {
		if _, err := io.CopyN(io.Discard, br, 2); err != nil { // reserved
			return wkt
		}
		userID := make([]byte, 16)
		if _, err := io.ReadFull(br, userID); err != nil {
			return wkt
		}
		var recordID uint16
		if err := binary.Read(br, binary.LittleEndian, &recordID); err != nil {
			return wkt
		}
		var recordLength uint16
		if err := binary.Read(br, binary.LittleEndian, &recordLength); err != nil {
			return wkt
		}
		if _, err := io.CopyN(io.Discard, br, 32); err != nil { // description
			return wkt
		}
		data := make([]byte, recordLength)
		if _, err := io.ReadFull(br, data); err != nil {
			return wkt
		}
		if wkt == "" && recordID == wktVLRRecordID && bytes.HasPrefix(userID, []byte(wktVLRUserID)) {
			wkt = strings.TrimRight(string(data), "\x00")
		}
	}
	return wkt
}

// isLAZCompressed reports whether the high bit conventionally used by
// LASzip for compressed point formats is set (point data format IDs
// 128+ in files produced by laszip, or format IDs 6-10 combined with
// a laszip VLR — here we use the common convention that a point
// format ID >= 128 indicates compression, matching laszip's own
// encoding of "format | 0x80").
func isLAZCompressed(h lasHeader) bool {
	return h.pointDataFormat&0x80 != 0
}

func readHeader(ctx context.Context, r ioctx.ReadCloser) (h lasHeader, err error) {
	pbr := morebufio.NewPeekBackReader(r, headerPeekBackSize)
	defer func() {
		if err != nil {
			if back := pbr.PeekBack(); len(back) > 0 {
				err = fmt.Errorf("%w (last %d header bytes read: %x)", err, len(back), back)
			}
		}
	}()
	br := bufio.NewReader(ioctx.ToStdReader(ctx, pbr))

	sig := make([]byte, 4)
	if _, err := io.ReadFull(br, sig); err != nil {
		return h, err
	}
	if string(sig) != "LASF" {
		return h, errors.E(errors.Integrity, "lasio: missing LASF signature")
	}

	var fileSourceID uint16
	if err := binary.Read(br, binary.LittleEndian, &fileSourceID); err != nil {
		return h, err
	}
	if err := binary.Read(br, binary.LittleEndian, &h.globalEncoding); err != nil {
		return h, err
	}
	if _, err := io.CopyN(io.Discard, br, 16); err != nil { // project ID GUID
		return h, err
	}
	for _, f := range []interface{}{&h.versionMajor, &h.versionMinor} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return h, err
		}
	}
	if _, err := io.CopyN(io.Discard, br, 32+32); err != nil { // system ID, software ID
		return h, err
	}
	for _, f := range []interface{}{&h.creationDay, &h.creationYear, &h.headerSize} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return h, err
		}
	}
	for _, f := range []interface{}{&h.offsetToPoints, &h.numberOfVLRs} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return h, err
		}
	}
	if err := binary.Read(br, binary.LittleEndian, &h.pointDataFormat); err != nil {
		return h, err
	}
	for _, f := range []interface{}{&h.pointDataLength, &h.numberOfPoints} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return h, err
		}
	}
	if _, err := io.CopyN(io.Discard, br, 20); err != nil { // legacy number-of-points-by-return
		return h, err
	}
	for _, f := range []interface{}{
		&h.xScale, &h.yScale, &h.zScale,
		&h.xOffset, &h.yOffset, &h.zOffset,
		&h.maxX, &h.minX, &h.maxY, &h.minY, &h.maxZ, &h.minZ,
	} {
		if err := binary.Read(br, binary.LittleEndian, f); err != nil {
			return h, err
		}
	}
	h.wkt = readVLRs(br, h.headerSize, h.numberOfVLRs)
	return h, nil
}

type pointRecord struct {
	x, y, z         int32
	intensity       uint16
	classification  uint8
	hasRGB          bool
	r, g, b         uint16
	hasTime         bool
	gpsTime         float64
}

// pointDataFixedSize returns the size of the LAS-standard fixed
// fields for the given point data format (0-3), excluding any extra
// bytes a producer appended (those are skipped using the header's
// recorded record length).
func pointDataFixedSize(format uint8) (size int, hasTime, hasRGB bool) {
	switch format & 0x7f {
	case 0:
		return 20, false, false
	case 1:
		return 28, true, false
	case 2:
		return 26, false, true
	case 3:
		return 34, true, true
	default:
		return 20, false, false
	}
}

func readPointRecord(r io.Reader, h lasHeader) (pointRecord, error) {
	var rec pointRecord
	buf := make([]byte, 20)
	if _, err := io.ReadFull(r, buf); err != nil {
		return rec, err
	}
	rec.x = int32(binary.LittleEndian.Uint32(buf[0:4]))
	rec.y = int32(binary.LittleEndian.Uint32(buf[4:8]))
	rec.z = int32(binary.LittleEndian.Uint32(buf[8:12]))
	rec.intensity = binary.LittleEndian.Uint16(buf[12:14])
	rec.classification = buf[15]

	fixedSize, hasTime, hasRGB := pointDataFixedSize(h.pointDataFormat)
	rec.hasTime, rec.hasRGB = hasTime, hasRGB
	remaining := fixedSize - 20
	if remaining > 0 {
		extra := make([]byte, remaining)
		if _, err := io.ReadFull(r, extra); err != nil {
			return rec, err
		}
		off := 0
		if hasTime {
			rec.gpsTime = math.Float64frombits(binary.LittleEndian.Uint64(extra[off : off+8]))
			off += 8
		}
		if hasRGB {
			rec.r = binary.LittleEndian.Uint16(extra[off : off+2])
			rec.g = binary.LittleEndian.Uint16(extra[off+2 : off+4])
			rec.b = binary.LittleEndian.Uint16(extra[off+4 : off+6])
			off += 6
		}
	}

	skip := int(h.pointDataLength) - fixedSize
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(skip)); err != nil {
			return rec, err
		}
	}
	return rec, nil
}
