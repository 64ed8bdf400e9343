// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fileio_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/pointcloud/fileio"
	"github.com/stretchr/testify/require"
)

func TestReplaceFileWritesContentAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	err := fileio.ReplaceFile(context.Background(), path, func(w io.Writer) error {
		_, err := w.Write([]byte("hello"))
		return err
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestReplaceFileLeavesNoFileOnWriteError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	writeErr := errors.New("boom")
	err := fileio.ReplaceFile(context.Background(), path, func(w io.Writer) error {
		return writeErr
	})
	require.Error(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}
