// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package s3file

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

const defaultRegion = "us-west-2"

// ClientProvider is responsible for creating an S3 client object.  Get() is
// called whenever s3File needs to access a file. The provider should cache and
// reuse the client objects, if needed. The implementation must be thread safe.
type ClientProvider interface {
	// Get returns S3 clients that can be used to perform "op" on "path".
	//
	// Usually Get() returns one client on success. If it returns multiple,
	// the s3 file implementation tries each in order until the operation
	// succeeds.
	//
	// REQUIRES: Get returns either >=1 clients, or a non-nil error.
	Get(ctx context.Context, op, path string) ([]s3iface.S3API, error)

	// NotifyResult reports that using "client" to perform "op" on "path"
	// resulted in the given error (nil if the op succeeded).
	NotifyResult(ctx context.Context, op, path string, client s3iface.S3API, err error)
}

// constProvider caches one client per region, created lazily from a single
// session. A pcconv invocation talks to a handful of buckets known at CLI
// start time, so there's no need for the teacher's bucket-region lookup
// cache or background client GC.
type constProvider struct {
	sess    *session.Session
	clients map[string]s3iface.S3API
}

// NewDefaultProvider creates a ClientProvider backed by a single
// session.NewSession(configs...), with one client per explicitly requested
// region.
func NewDefaultProvider(configs ...*aws.Config) ClientProvider {
	sess, err := session.NewSession(configs...)
	if err != nil {
		return &errProvider{err}
	}
	return &constProvider{sess: sess, clients: make(map[string]s3iface.S3API)}
}

func (p *constProvider) Get(_ context.Context, _, _ string) ([]s3iface.S3API, error) {
	region := defaultRegion
	if r := aws.StringValue(p.sess.Config.Region); r != "" {
		region = r
	}
	if c, ok := p.clients[region]; ok {
		return []s3iface.S3API{c}, nil
	}
	c := s3.New(p.sess, &aws.Config{Region: aws.String(region)})
	p.clients[region] = c
	return []s3iface.S3API{c}, nil
}

func (p *constProvider) NotifyResult(context.Context, string, string, s3iface.S3API, error) {}

type errProvider struct{ err error }

func (p *errProvider) Get(context.Context, string, string) ([]s3iface.S3API, error) {
	return nil, p.err
}

func (p *errProvider) NotifyResult(context.Context, string, string, s3iface.S3API, error) {}
