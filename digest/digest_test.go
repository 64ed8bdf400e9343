// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package digest_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/grailbio/pointcloud/digest"
	"github.com/stretchr/testify/require"
)

func TestOfDeterministic(t *testing.T) {
	d1, err := digest.Of(bytes.NewReader([]byte("hello, point cloud")))
	require.NoError(t, err)
	d2, err := digest.Of(bytes.NewReader([]byte("hello, point cloud")))
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.False(t, d1.IsZero())
}

func TestDigestDiffers(t *testing.T) {
	d1, err := digest.Of(bytes.NewReader([]byte("a")))
	require.NoError(t, err)
	d2, err := digest.Of(bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)
}

func TestJSONRoundTrip(t *testing.T) {
	d, err := digest.Of(bytes.NewReader([]byte("roundtrip")))
	require.NoError(t, err)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	var d2 digest.Digest
	require.NoError(t, json.Unmarshal(b, &d2))
	require.Equal(t, d, d2)
}

func TestWriterIncremental(t *testing.T) {
	w := digest.NewWriter()
	_, _ = w.Write([]byte("hello, "))
	_, _ = w.Write([]byte("point cloud"))
	got := w.Digest()
	want, err := digest.Of(bytes.NewReader([]byte("hello, point cloud")))
	require.NoError(t, err)
	require.Equal(t, want, got)
}
