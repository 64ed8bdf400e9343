// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package file_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/pointcloud/file"
	"github.com/stretchr/testify/require"
)

func TestLocalOpenCreate(t *testing.T) {
	tempDir := t.TempDir()
	ctx := context.Background()

	path := filepath.Join(tempDir, "f.bin")
	w, err := file.Create(ctx, path)
	require.NoError(t, err)
	_, err = w.Writer(ctx).Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	r, err := file.Open(ctx, path)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(r.Reader(ctx))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.NoError(t, r.Close(ctx))
}

func TestEmptyPath(t *testing.T) {
	_, err := file.Create(context.Background(), "")
	require.Regexp(t, "empty pathname", err)
}

// Test that Create on a symlink will preserve it.
func TestCreateSymlink(t *testing.T) {
	dir0 := t.TempDir()
	dir1 := t.TempDir()

	newPath := filepath.Join(dir1, "new")
	oldPath := filepath.Join(dir0, "old")
	require.NoError(t, os.Symlink(oldPath, newPath))
	require.NoError(t, ioutil.WriteFile(oldPath, []byte("hoofah"), 0777))

	ctx := context.Background()
	w, err := file.Create(context.Background(), newPath)
	require.NoError(t, err)
	_, err = w.Writer(ctx).Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	data, err := ioutil.ReadFile(newPath)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	// The file should have been created in the symlink dest dir.
	data, err = ioutil.ReadFile(oldPath)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestCreateDirectory(t *testing.T) {
	tmp := t.TempDir()

	dirPath := file.Join(tmp, "dir")
	err := os.Mkdir(dirPath, 0777)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = file.Create(ctx, dirPath)
	require.EqualError(t, err, fmt.Sprintf("file.Create %s: is a directory", dirPath))
}
