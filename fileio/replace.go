// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fileio

import (
	"context"
	"io"

	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/file"
)

// ReplaceFile atomically replaces the contents of path: write is
// called with a writer whose output becomes path's new contents only
// if write returns nil. This backs PointSink V3's root index close()
// and the metadata sidecar write, neither of which should ever leave
// a half-written file visible to a concurrent reader.
//
// Atomicity comes from file.Create itself: the local implementation
// writes to a temporary file and renames it over path on Close; the
// S3 implementation commits the whole object in one PutObject on
// Close. Either way, a write failure calls Discard instead of Close,
// so path is left untouched.
func ReplaceFile(ctx context.Context, path string, write func(io.Writer) error) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Unavailable, "fileio.ReplaceFile: create", path, err)
	}
	defer func() {
		if err != nil {
			f.Discard(ctx)
			return
		}
		err = f.Close(ctx)
	}()
	if err = write(f.Writer(ctx)); err != nil {
		return errors.E(errors.Unavailable, "fileio.ReplaceFile: write", path, err)
	}
	return nil
}
