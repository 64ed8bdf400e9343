// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package eventlog provides logging of semi-structured conversion events,
// particularly in service of downstream analysis: when a file's bounds pass
// starts, when a tile overflows and is resplit, when a worker retries a
// source download, when a run finishes.
//
// Events can be sent to CloudWatch Logs using eventlog/cloudwatch, or
// recorded locally as newline-delimited JSON with a JSONLEventer:
//
//  f, _ := os.Create("events.jsonl")
//  e := NewJSONLEventer(f)
//  e.Event("fileBoundsPassStart", "path", "s3://bucket/a.laz")
//  e.Event("tileResplit", "tile", "12,7", "reason", "pointBudgetExceeded")
package eventlog

import (
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/pointcloud/eventlog/internal/marshal"
	"github.com/grailbio/pointcloud/log"
)

// Eventer is called to log events.
type Eventer interface {
	// Event logs an event of typ with (key string, value interface{}) fields given in fieldPairs
	// as k0, v0, k1, v1, ...kn, vn. For example:
	//
	//  s.Event("machineStart", "addr", "192.168.1.2", "time", time.Now().Unix())
	//
	// The value will be serialized as JSON.
	//
	// The key "eventType" is reserved. Field keys must be unique. Any violation will result
	// in the event being dropped and logged.
	//
	// Implementations must be safe for concurrent use.
	Event(typ string, fieldPairs ...interface{})
}

// Nop is a no-op Eventer.
type Nop struct{}

// Event implements Eventer.
func (Nop) Event(_ string, _ ...interface{}) {}

// JSONLEventer writes each event as one line of JSON to an underlying
// writer, e.g. a local sidecar log file for a conversion run.
type JSONLEventer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLEventer returns an Eventer that appends marshaled events to w.
func NewJSONLEventer(w io.Writer) *JSONLEventer {
	return &JSONLEventer{w: w}
}

// Event implements Eventer.
func (e *JSONLEventer) Event(typ string, fieldPairs ...interface{}) {
	s, err := marshal.Marshal(typ, fieldPairs)
	if err != nil {
		log.Error.Printf("JSONLEventer: dropping log event: %v", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintln(e.w, s)
}
