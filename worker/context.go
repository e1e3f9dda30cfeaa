// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worker runs the isolated side of the manager/worker protocol:
// pin the calling OS thread, hand off to user code once the manager
// confirms isolation, and carry every bit of per-worker identity on an
// explicit Context rather than goroutine-local or package state.
package worker

import (
	"fmt"

	"github.com/cpuisol/isold/platform"
	"github.com/cpuisol/isold/ring"
)

// Signal reports why Poll returned control to calling user code.
type Signal int

const (
	// Continue means no manager request is pending; keep working.
	Continue Signal = iota
	// ExitIsolationRequested means the manager needs this cpu back
	// briefly (a pending timer); the caller should return promptly so
	// Run can drop isolation and wait for the next StartLaunch.
	ExitIsolationRequested
	// TerminateRequested means the worker should stop entirely.
	TerminateRequested
	// LeaveIsolationRequested is set only after RequestLeaveIsolation;
	// Poll surfaces it so the caller's loop unwinds the same way it
	// would for the other two signals.
	LeaveIsolationRequested
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "Continue"
	case ExitIsolationRequested:
		return "ExitIsolationRequested"
	case TerminateRequested:
		return "TerminateRequested"
	case LeaveIsolationRequested:
		return "LeaveIsolationRequested"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Context is the explicit handle passed into worker-supplied functions.
// isold never relies on goroutine-local state to identify a worker: the
// cpu, index and the rings it communicates over all live here.
type Context struct {
	plat        platform.Platform
	toManager   *ring.Writer
	fromManager *ring.Reader
	cpu         int
	index       int
	tid         int

	exitIsolation bool
	terminate     bool
	leaveIsolation bool

	pollBuf []byte
}

func newContext(plat platform.Platform, toManager *ring.Writer, fromManager *ring.Reader, cpu, index, tid int) *Context {
	return &Context{
		plat:        plat,
		toManager:   toManager,
		fromManager: fromManager,
		cpu:         cpu,
		index:       index,
		tid:         tid,
		pollBuf:     make([]byte, ring.MaxMsg),
	}
}

// CPU returns the isolation cpu this worker is pinned to.
func (c *Context) CPU() int { return c.cpu }

// Index returns the worker's slot index in thread mode, or -1 in
// process mode where no shared worker table entry exists.
func (c *Context) Index() int { return c.index }

// TID returns the worker's OS thread id, as reported by platform.Gettid.
func (c *Context) TID() int { return c.tid }

// Poll is allocation-free and syscall-free on the common path (it only
// touches the shared ring's presence bits): isolated user code must call
// it between units of work so the manager never has to interrupt a
// running worker to ask it to stop.
func (c *Context) Poll() Signal {
	if c.terminate {
		return TerminateRequested
	}
	if c.exitIsolation {
		return ExitIsolationRequested
	}
	if c.leaveIsolation {
		return LeaveIsolationRequested
	}
	if !c.fromManager.CheckNew() {
		return Continue
	}
	kind, _, err := c.fromManager.Get(c.pollBuf)
	if err != nil {
		return Continue
	}
	switch kind {
	case ring.ExitIsolation:
		c.exitIsolation = true
		return ExitIsolationRequested
	case ring.Terminate:
		c.terminate = true
		return TerminateRequested
	default:
		return Continue
	}
}

// RequestLeaveIsolation asks Run to permanently detach this worker from
// isolation once the current Main call returns, without killing the OS
// thread: the caller's own code keeps running after Run returns.
func (c *Context) RequestLeaveIsolation() {
	c.leaveIsolation = true
}

// Printf asks the manager to emit a log line on this worker's behalf.
// Isolated threads must not make syscalls themselves, so log output is
// routed through the ring instead of a direct write.
func (c *Context) Printf(format string, args ...interface{}) {
	_ = c.toManager.Put(ring.Print, []byte(fmt.Sprintf(format, args...)))
}
