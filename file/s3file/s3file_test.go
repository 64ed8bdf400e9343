// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package s3file_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/pointcloud/errors"
	"github.com/grailbio/pointcloud/file/s3file"
	"github.com/grailbio/pointcloud/retry"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a minimal s3iface.S3API double backed by an in-memory bucket
// map, covering only the operations pcconv's input/output paths use:
// GetObject, HeadObject, PutObject, DeleteObject, ListObjectsV2. Every
// other s3iface.S3API method panics via the nil embedded interface if
// called, which no test here does.
type fakeS3 struct {
	s3iface.S3API
	mu          sync.Mutex
	objects     map[string][]byte
	failNextGet bool
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObjectWithContext(_ context.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextGet {
		f.failNextGet = false
		return nil, awserr.New("InternalError", "synthetic transient failure", nil)
	}
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{
		Body:          ioutil.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ context.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ context.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ context.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2WithContext(_ context.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.StringValue(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for k, v := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out.Contents = append(out.Contents, &s3.Object{
				Key:  aws.String(k),
				Size: aws.Int64(int64(len(v))),
			})
		}
	}
	return out, nil
}

// fakeProvider hands out a fixed, fixed-size client set regardless of
// bucket or operation; pcconv talks to one bucket per run, so there is no
// need for the teacher's per-region client cache here.
type fakeProvider struct{ clients []s3iface.S3API }

func (p *fakeProvider) Get(context.Context, string, string) ([]s3iface.S3API, error) {
	return p.clients, nil
}
func (p *fakeProvider) NotifyResult(context.Context, string, string, s3iface.S3API, error) {}

func TestWriteThenReadRoundTrip(t *testing.T) {
	client := newFakeS3()
	impl := s3file.NewImplementation(&fakeProvider{clients: []s3iface.S3API{client}}, s3file.Options{})
	ctx := context.Background()

	wf, err := impl.Create(ctx, "s3://bucket/dir/a.las")
	require.NoError(t, err)
	_, err = wf.Writer(ctx).Write([]byte("point data"))
	require.NoError(t, err)
	require.NoError(t, wf.Close(ctx))

	rf, err := impl.Open(ctx, "s3://bucket/dir/a.las")
	require.NoError(t, err)
	data, err := ioutil.ReadAll(rf.Reader(ctx))
	require.NoError(t, err)
	require.Equal(t, "point data", string(data))
	require.NoError(t, rf.Close(ctx))
}

func TestStatNotExist(t *testing.T) {
	client := newFakeS3()
	impl := s3file.NewImplementation(&fakeProvider{clients: []s3iface.S3API{client}}, s3file.Options{})
	ctx := context.Background()

	_, err := impl.Stat(ctx, "s3://bucket/missing.las")
	require.True(t, errors.Is(errors.NotExist, err))
}

func TestListFindsWrittenObjects(t *testing.T) {
	client := newFakeS3()
	impl := s3file.NewImplementation(&fakeProvider{clients: []s3iface.S3API{client}}, s3file.Options{})
	ctx := context.Background()

	for _, name := range []string{"a.las", "b.las"} {
		wf, err := impl.Create(ctx, "s3://bucket/dir/"+name)
		require.NoError(t, err)
		_, err = wf.Writer(ctx).Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, wf.Close(ctx))
	}

	l := impl.List(ctx, "s3://bucket/dir", true)
	var got []string
	for l.Scan() {
		got = append(got, l.Path())
	}
	require.NoError(t, l.Err())
	require.ElementsMatch(t, []string{"s3://bucket/dir/a.las", "s3://bucket/dir/b.las"}, got)
}

func TestRemove(t *testing.T) {
	client := newFakeS3()
	impl := s3file.NewImplementation(&fakeProvider{clients: []s3iface.S3API{client}}, s3file.Options{})
	ctx := context.Background()

	wf, err := impl.Create(ctx, "s3://bucket/a.las")
	require.NoError(t, err)
	_, err = wf.Writer(ctx).Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, wf.Close(ctx))

	require.NoError(t, impl.Remove(ctx, "s3://bucket/a.las"))
	_, err = impl.Stat(ctx, "s3://bucket/a.las")
	require.True(t, errors.Is(errors.NotExist, err))
}

func TestGetRetriesOnTransientError(t *testing.T) {
	oldPolicy := s3file.BackoffPolicy
	s3file.BackoffPolicy = retry.Backoff(0, 0, 1.0)
	defer func() { s3file.BackoffPolicy = oldPolicy }()

	client := newFakeS3()
	client.objects["a.las"] = []byte("point data")
	client.failNextGet = true

	impl := s3file.NewImplementation(&fakeProvider{clients: []s3iface.S3API{client}}, s3file.Options{})
	ctx := context.Background()

	rf, err := impl.Open(ctx, "s3://bucket/a.las")
	require.NoError(t, err)
	data, err := ioutil.ReadAll(rf.Reader(ctx))
	require.NoError(t, err)
	require.Equal(t, "point data", string(data))
	require.NoError(t, rf.Close(ctx))
}
