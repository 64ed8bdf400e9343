// Package compress provides convenience functions for creating compressors and
// uncompressors based on filenames. It supports gzip and zstd, the two
// codecs a conversion run actually needs for its metadata sidecar;
// bzip2 and a third-party zlib
// replacement that the teacher supported are not wired in (see DESIGN.md).
package compress

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/grailbio/pointcloud/compress/zstd"
	"github.com/grailbio/pointcloud/file"
	"github.com/grailbio/pointcloud/fileio"
	"github.com/klauspost/compress/gzip"
)

// errorReader is a ReadCloser implementation that always returns the given
// error.
type errorReader struct{ err error }

func (r *errorReader) Read(buf []byte) (int, error) { return 0, r.err }
func (r *errorReader) Close() error                 { return r.err }

// nopWriteCloser adds a noop Closer to io.Writer.
type nopWriteCloser struct{ io.Writer }

func (w *nopWriteCloser) Close() error { return nil }

func isGzipHeader(buf []byte) bool {
	if len(buf) < 10 {
		return false
	}
	if !(buf[0] == 0x1f && buf[1] == 0x8b) {
		return false
	}
	if !(buf[2] <= 3 || buf[2] == 8) {
		return false
	}
	if (buf[3] & 0xc0) != 0 {
		return false
	}
	if !(buf[9] <= 0xd || buf[9] == 0xff) {
		return false
	}
	return true
}

// https://tools.ietf.org/html/rfc8478
func isZstdHeader(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	if buf[0] != 0x28 || buf[1] != 0xB5 || buf[2] != 0x2F || buf[3] != 0xFD {
		return false
	}
	return true
}

// NewReader creates an uncompressing reader by reading the first few bytes of
// the input and finding a magic header for either gzip or zstd. If the magic
// header is found, it returns an uncompressing ReadCloser and true. Else, it
// returns ioutil.NopCloser(r) and false.
//
// CAUTION: this function will misbehave when the input is a binary string that
// happens to have the same magic gzip or zstd header. Thus, you should use
// this function only when the input is expected to be ASCII.
func NewReader(r io.Reader) (io.ReadCloser, bool) {
	buf := bytes.Buffer{}
	_, err := io.CopyN(&buf, r, 128)
	var m io.Reader
	switch err {
	case io.EOF:
		m = &buf
	case nil:
		m = io.MultiReader(&buf, r)
	default:
		m = io.MultiReader(&buf, &errorReader{err})
	}
	if isGzipHeader(buf.Bytes()) {
		z, err := gzip.NewReader(m)
		if err != nil {
			return &errorReader{err}, false
		}
		return z, true
	}
	if isZstdHeader(buf.Bytes()) {
		zr, err := zstd.NewReader(m)
		if err != nil {
			return &errorReader{err}, false
		}
		return zr, true
	}
	return ioutil.NopCloser(m), false
}

// NewReaderPath creates a reader that uncompresses data read from the given
// reader. The compression format is determined by the pathname extension:
//
//  .gz  => gzip format
//  .zst => zstd format
//
// For other extensions, this function returns an ioutil.NopCloser(r) and
// false.
//
// The caller must close the ReadCloser after use. For some file formats,
// Close() is the only place that reports file corruption.
func NewReaderPath(r io.Reader, path string) (io.ReadCloser, bool) {
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return file.NewError(err), false
		}
		return gz, true
	case fileio.Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return file.NewError(err), false
		}
		return zr, true
	}
	return ioutil.NopCloser(r), false
}

// NewWriterPath creates a WriteCloser that compresses data. The compression
// format is determined by the pathname extension:
//
//  .gz  => gzip format
//  .zst => zstd format
//
// For other extensions, this function creates a noop WriteCloser and returns
// false. The caller must close the WriteCloser after use.
func NewWriterPath(w io.Writer, path string) (io.WriteCloser, bool) {
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		return gzip.NewWriter(w), true
	case fileio.Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return file.NewError(err), false
		}
		return zw, true
	case fileio.Bzip2:
		return file.NewError(fmt.Errorf("%s: bzip2 writer not supported", path)), false
	}
	return &nopWriteCloser{w}, false
}
