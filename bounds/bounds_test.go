// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bounds_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/pointcloud/bounds"
	"github.com/stretchr/testify/require"
)

// writeLASHeader writes just enough of a valid LAS header (point data
// format 3) for lasio.Open to succeed: BoundsPass never reads point
// records, so none are appended.
func writeLASHeader(t *testing.T, path string, minX, maxX float64) {
	t.Helper()
	var buf bytes.Buffer

	buf.WriteString("LASF")
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	buf.Write(make([]byte, 16))
	binary.Write(&buf, binary.LittleEndian, uint8(1))
	binary.Write(&buf, binary.LittleEndian, uint8(2))
	buf.Write(make([]byte, 32))
	buf.Write(make([]byte, 32))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(2024))

	const headerSize = 227
	binary.Write(&buf, binary.LittleEndian, uint16(headerSize))
	binary.Write(&buf, binary.LittleEndian, uint32(headerSize))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint8(3))
	binary.Write(&buf, binary.LittleEndian, uint16(34))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // numberOfPoints
	buf.Write(make([]byte, 20))

	binary.Write(&buf, binary.LittleEndian, 1.0)
	binary.Write(&buf, binary.LittleEndian, 1.0)
	binary.Write(&buf, binary.LittleEndian, 1.0)
	binary.Write(&buf, binary.LittleEndian, 0.0)
	binary.Write(&buf, binary.LittleEndian, 0.0)
	binary.Write(&buf, binary.LittleEndian, 0.0)

	binary.Write(&buf, binary.LittleEndian, maxX)
	binary.Write(&buf, binary.LittleEndian, minX)
	binary.Write(&buf, binary.LittleEndian, 0.0)
	binary.Write(&buf, binary.LittleEndian, 0.0)
	binary.Write(&buf, binary.LittleEndian, 0.0)
	binary.Write(&buf, binary.LittleEndian, 0.0)

	require.Equal(t, headerSize, buf.Len())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestRunReducesElementwiseMinimumAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.las")
	b := filepath.Join(dir, "b.las")
	writeLASHeader(t, a, 10, 20)
	writeLASHeader(t, b, -5, 50)

	res, err := bounds.Run(context.Background(), []string{a, b}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, res.OK)
	require.Equal(t, 0, res.Failed)
	require.Equal(t, -5.0, res.Offset.MinX)
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.las")
	b := filepath.Join(dir, "b.las")
	writeLASHeader(t, a, 10, 20)
	writeLASHeader(t, b, -5, 50)

	paths := []string{a, b}
	first, err := bounds.Run(context.Background(), paths, nil)
	require.NoError(t, err)
	second, err := bounds.Run(context.Background(), paths, nil)
	require.NoError(t, err)
	require.Equal(t, first.Offset, second.Offset)
}

func TestRunSkipsUnopenableFilesAndReportsThem(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.las")
	writeLASHeader(t, good, 1, 2)
	missing := filepath.Join(dir, "missing.las")

	var failedPaths []string
	res, err := bounds.Run(context.Background(), []string{good, missing}, func(path string, err error) {
		failedPaths = append(failedPaths, path)
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.OK)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{missing}, failedPaths)
}

func TestRunFailsWhenAllFilesUnopenable(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.las")

	_, err := bounds.Run(context.Background(), []string{missing}, nil)
	require.Error(t, err)
}
