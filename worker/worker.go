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

package worker

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cpuisol/isold/platform"
	"github.com/cpuisol/isold/ring"
)

// InitFunc runs once on the worker's pinned thread, before isolation is
// requested, while ordinary scheduling still applies.
type InitFunc func(ctx *Context) error

// MainFunc runs with the worker's cpu isolated. It must call ctx.Poll()
// between units of work and return promptly once Poll stops reporting
// Continue.
type MainFunc func(ctx *Context)

// Options configures Run.
type Options struct {
	// CPU is the isolation cpu to pin the calling thread to.
	CPU int
	// Index is this worker's slot in the manager's worker table, or -1
	// in process (self-connect) mode.
	Index int
	// IdlePoll bounds how long Run sleeps between checks of the
	// manager ring while no MainFunc is running.
	IdlePoll time.Duration
	Init     InitFunc
	Main     MainFunc
}

// Run pins the calling OS thread to opt.CPU and drives the worker side
// of the manager protocol until the manager sends Terminate, the worker
// voluntarily leaves isolation, or an unrecoverable platform error
// occurs. The caller is responsible for having locked the goroutine to
// its OS thread (runtime.LockOSThread) before calling Run, matching the
// teacher's convention of making thread affinity explicit at the call
// site rather than hiding it inside a library function.
func Run(plat platform.Platform, toManager *ring.Writer, fromManager *ring.Reader, opt Options) error {
	if opt.IdlePoll <= 0 {
		opt.IdlePoll = 200 * time.Millisecond
	}

	tid := plat.Gettid()
	ctx := newContext(plat, toManager, fromManager, opt.CPU, opt.Index, tid)

	if err := plat.Pin(opt.CPU); err != nil {
		return fmt.Errorf("worker: pinning to cpu %d: %w", opt.CPU, err)
	}
	if err := plat.MLockAll(); err != nil {
		return fmt.Errorf("worker: mlockall: %w", err)
	}
	if err := toManager.Put(ring.Init, nil); err != nil {
		return fmt.Errorf("worker: sending Init: %w", err)
	}

	if opt.Init != nil {
		if err := opt.Init(ctx); err != nil {
			return fmt.Errorf("worker: init: %w", err)
		}
	}

	tidPayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(tidPayload, uint64(tid))
	if err := toManager.Put(ring.StartReady, tidPayload); err != nil {
		return fmt.Errorf("worker: sending StartReady: %w", err)
	}

	buf := make([]byte, ring.MaxMsg)
	for {
		kind, _, err := waitForMessage(fromManager, buf, opt.IdlePoll)
		if err != nil {
			continue // idle tick with nothing pending; CheckNew gates every Get
		}

		switch kind {
		case ring.StartLaunch:
			if err := plat.SetIsolation(true); err != nil {
				_ = toManager.Put(ring.StartLaunchFailure, nil)
				continue
			}
			_ = toManager.Put(ring.StartLaunchDone, nil)

		case ring.StartConfirmed:
			ctx.exitIsolation = false
			if opt.Main != nil {
				opt.Main(ctx)
			}
			if done, err := ctx.settleAfterMain(waitForMessage, buf, opt.IdlePoll); done {
				return err
			}

		case ring.ExitIsolation:
			// No Main call was in flight; drop isolation and wait for
			// the manager's next StartLaunch.
			_ = plat.SetIsolation(false)

		case ring.OkLeaveIsolation:
			_ = plat.SetIsolation(false)
			return nil

		case ring.Terminate:
			_ = toManager.Put(ring.Exiting, nil)
			return nil
		}
	}
}

// settleAfterMain handles the three ways a MainFunc call can end:
// termination, a voluntary permanent leave, or a temporary isolation
// drop that loops back into Run's outer wait. done is true once Run
// should return (with err, which may be nil).
func (c *Context) settleAfterMain(
	wait func(*ring.Reader, []byte, time.Duration) (ring.Kind, int, error),
	buf []byte,
	idle time.Duration,
) (done bool, err error) {
	switch {
	case c.terminate:
		_ = c.plat.SetIsolation(false)
		_ = c.toManager.Put(ring.Exiting, nil)
		return true, nil

	case c.leaveIsolation:
		if err := c.toManager.Put(ring.LeaveIsolation, nil); err != nil {
			return true, fmt.Errorf("worker: sending LeaveIsolation: %w", err)
		}
		for {
			kind, _, err := wait(c.fromManager, buf, idle)
			if err != nil {
				continue
			}
			if kind == ring.OkLeaveIsolation {
				break
			}
		}
		_ = c.plat.SetIsolation(false)
		_ = c.toManager.Put(ring.Exiting, nil)
		return true, nil

	case c.exitIsolation:
		_ = c.plat.SetIsolation(false)
		c.exitIsolation = false
		return false, nil

	default:
		// Main returned without Poll ever reporting a stop condition;
		// treat it as one unit of isolated work finishing and keep the
		// cpu isolated, waiting for whatever the manager sends next.
		return false, nil
	}
}

// waitForMessage blocks for up to idle for a pending message, returning
// ring.ErrEmpty if none arrives; CheckNew is the only thing it touches
// on the empty path, matching ring.Reader's hot-loop contract.
func waitForMessage(r *ring.Reader, buf []byte, idle time.Duration) (ring.Kind, int, error) {
	if r.CheckNew() {
		return r.Get(buf)
	}
	time.Sleep(idle)
	if !r.CheckNew() {
		return ring.None, 0, ring.ErrEmpty
	}
	return r.Get(buf)
}
