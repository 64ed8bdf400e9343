// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package status provides facilities for tracking and reporting the status
// of a conversion run: the top-level progress of each input file, and the
// finer-grained tasks within it (bounds pass, point pass, tile writes).
package status

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Value is a snapshot of a Group's or Task's status.
type Value struct {
	Title  string
	Status string
	Begin  time.Time

	// Count and LastBegin are filled in by callers (e.g. the terminal
	// reporter) that coalesce repeated tasks with identical status; they
	// are not set by Group or Task themselves.
	Count     int
	LastBegin time.Time
}

// Status tracks a set of Groups, each representing one top-level unit of
// work (e.g. one input file being converted), and notifies waiters whenever
// any Group or Task within it changes.
type Status struct {
	mu      sync.Mutex
	version int
	groups  []*Group
	changec chan struct{}
}

// New returns a new, empty Status.
func New() *Status {
	return &Status{changec: make(chan struct{})}
}

// Group creates and returns a new Group with the given title.
func (s *Status) Group(title string) *Group {
	g := &Group{s: s, title: title}
	s.mu.Lock()
	s.groups = append(s.groups, g)
	s.mu.Unlock()
	s.bump()
	return g
}

// Groups returns a snapshot of the Groups currently tracked by s.
func (s *Status) Groups() []*Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]*Group, len(s.groups))
	copy(groups, s.groups)
	return groups
}

// Wait returns a channel that yields the current version of s once it
// differs from last. Passing the version last received from Wait blocks
// the returned channel until the next change.
func (s *Status) Wait(last int) <-chan int {
	c := make(chan int, 1)
	s.mu.Lock()
	if s.version != last {
		v := s.version
		s.mu.Unlock()
		c <- v
		return c
	}
	changec := s.changec
	s.mu.Unlock()
	go func() {
		<-changec
		s.mu.Lock()
		v := s.version
		s.mu.Unlock()
		c <- v
	}()
	return c
}

// Marshal writes a plain-text snapshot of s to w, one line per group
// followed by one indented line per task.
func (s *Status) Marshal(w io.Writer) error {
	now := time.Now()
	for _, g := range s.Groups() {
		v := g.Value()
		if _, err := fmt.Fprintf(w, "%s: %s\n", v.Title, v.Status); err != nil {
			return err
		}
		for _, task := range g.Tasks() {
			tv := task.Value()
			elapsed := now.Sub(tv.Begin)
			elapsed -= elapsed % time.Second
			if _, err := fmt.Fprintf(w, "\t%s: %s (%s)\n", tv.Title, tv.Status, elapsed); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Status) bump() {
	s.mu.Lock()
	s.version++
	old := s.changec
	s.changec = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

// Group tracks the status of one top-level unit of work and the Tasks
// running within it.
type Group struct {
	s *Status

	mu     sync.Mutex
	title  string
	status string
	tasks  []*Task
}

// Printf sets the Group's status line.
func (g *Group) Printf(format string, v ...interface{}) {
	g.mu.Lock()
	g.status = fmt.Sprintf(format, v...)
	g.mu.Unlock()
	g.s.bump()
}

// Print sets the Group's status line.
func (g *Group) Print(v ...interface{}) {
	g.mu.Lock()
	g.status = fmt.Sprint(v...)
	g.mu.Unlock()
	g.s.bump()
}

// Start creates a new Task within g, titled title.
func (g *Group) Start(title string) *Task {
	t := &Task{g: g, title: title, begin: time.Now()}
	g.mu.Lock()
	g.tasks = append(g.tasks, t)
	g.mu.Unlock()
	g.s.bump()
	return t
}

// Value returns a snapshot of g's current status.
func (g *Group) Value() Value {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Value{Title: g.title, Status: g.status}
}

// Tasks returns a snapshot of the Tasks started within g, oldest first.
func (g *Group) Tasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	tasks := make([]*Task, len(g.tasks))
	copy(tasks, g.tasks)
	return tasks
}

// Task tracks the status of a single unit of work within a Group, e.g. the
// bounds pass or point pass of one input file.
type Task struct {
	g *Group

	mu     sync.Mutex
	title  string
	status string
	begin  time.Time
	done   bool
}

// Printf sets the Task's status line.
func (t *Task) Printf(format string, v ...interface{}) {
	t.mu.Lock()
	t.status = fmt.Sprintf(format, v...)
	t.mu.Unlock()
	t.g.s.bump()
}

// Print sets the Task's status line.
func (t *Task) Print(v ...interface{}) {
	t.mu.Lock()
	t.status = fmt.Sprint(v...)
	t.mu.Unlock()
	t.g.s.bump()
}

// Done marks the task as finished; it remains visible until its Group is
// discarded.
func (t *Task) Done() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	t.g.s.bump()
}

// Value returns a snapshot of t's current status.
func (t *Task) Value() Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.status
	if t.done && status == "" {
		status = "done"
	}
	return Value{Title: t.title, Status: status, Begin: t.begin}
}
