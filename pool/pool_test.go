// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pool_test

import (
	"testing"

	"github.com/grailbio/pointcloud/pool"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	slot   int
	closed bool
}

func (f *fakeHandle) Close() error {
	f.closed = true
	return nil
}

func TestGetOrCreateIsLazyAndStable(t *testing.T) {
	var readersBuilt, writersBuilt []int
	p := pool.New(3,
		func(slot int) pool.Reader {
			readersBuilt = append(readersBuilt, slot)
			return &fakeHandle{slot: slot}
		},
		func(slot int) pool.Writer {
			writersBuilt = append(writersBuilt, slot)
			return &fakeHandle{slot: slot}
		},
	)

	r0a := p.GetOrCreateReader(0)
	r0b := p.GetOrCreateReader(0)
	require.Same(t, r0a, r0b)
	require.Equal(t, []int{0}, readersBuilt)

	w1 := p.GetOrCreateWriter(1)
	require.NotNil(t, w1)
	require.Equal(t, []int{1}, writersBuilt)

	// Slot 2 never touched.
	require.Empty(t, readersBuilt[1:])
}

func TestCloseAllClosesEveryConstructedHandle(t *testing.T) {
	var handles []*fakeHandle
	p := pool.New(2,
		func(slot int) pool.Reader {
			h := &fakeHandle{slot: slot}
			handles = append(handles, h)
			return h
		},
		func(slot int) pool.Writer {
			h := &fakeHandle{slot: slot}
			handles = append(handles, h)
			return h
		},
	)
	p.GetOrCreateReader(0)
	p.GetOrCreateWriter(0)
	// Slot 1 is never acquired; CloseAll must not panic on a nil entry.
	require.NoError(t, p.CloseAll())
	for _, h := range handles {
		require.True(t, h.closed)
	}
}
