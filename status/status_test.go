package status_test

import (
	"bytes"
	"testing"

	"github.com/grailbio/pointcloud/status"
	"github.com/stretchr/testify/require"
)

func TestGroupAndTask(t *testing.T) {
	s := status.New()
	g := s.Group("convert a.laz")
	g.Printf("bounds pass")
	task := g.Start("download")
	task.Printf("42%%")

	groups := s.Groups()
	require.Len(t, groups, 1)
	v := groups[0].Value()
	require.Equal(t, "convert a.laz", v.Title)
	require.Equal(t, "bounds pass", v.Status)

	tasks := groups[0].Tasks()
	require.Len(t, tasks, 1)
	tv := tasks[0].Value()
	require.Equal(t, "download", tv.Title)
	require.Equal(t, "42%", tv.Status)

	task.Done()
	require.Equal(t, "42%", tasks[0].Value().Status)
}

func TestTaskDoneWithoutStatus(t *testing.T) {
	s := status.New()
	g := s.Group("convert b.laz")
	task := g.Start("write tiles")
	task.Done()
	require.Equal(t, "done", task.Value().Status)
}

func TestWaitNotifiesOnChange(t *testing.T) {
	s := status.New()
	c := s.Wait(-1)
	v0 := <-c
	go s.Group("convert c.laz")
	c2 := s.Wait(v0)
	v1 := <-c2
	require.NotEqual(t, v0, v1)
}

func TestMarshal(t *testing.T) {
	s := status.New()
	g := s.Group("convert d.laz")
	g.Printf("point pass")
	g.Start("tile 0,0").Printf("flushed")

	var buf bytes.Buffer
	require.NoError(t, s.Marshal(&buf))
	out := buf.String()
	require.Contains(t, out, "convert d.laz: point pass")
	require.Contains(t, out, "tile 0,0: flushed")
}
