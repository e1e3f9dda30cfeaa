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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpuisol/isold/platform"
	"github.com/cpuisol/isold/ring"
)

// harness wires up both rings the way a manager would for one worker.
type harness struct {
	toWorkerW   *ring.Writer
	toWorkerR   *ring.Reader
	toManagerW  *ring.Writer
	toManagerR  *ring.Reader
}

func newHarness() *harness {
	w1, r1 := ring.New()
	w2, r2 := ring.New()
	return &harness{toWorkerW: w1, toWorkerR: r1, toManagerW: w2, toManagerR: r2}
}

func (h *harness) expect(t *testing.T, want ring.Kind) ring.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.toManagerR.CheckNew() {
			msg, err := h.toManagerR.GetMessage()
			require.NoError(t, err)
			require.Equal(t, want, msg.Kind)
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", want)
	return ring.Message{}
}

func TestRunHappyPathToTermination(t *testing.T) {
	h := newHarness()
	fake := platform.NewFake()
	fake.CPUs = 4

	done := make(chan error, 1)
	go func() {
		done <- Run(fake, h.toManagerW, h.toWorkerR, Options{
			CPU:      1,
			IdlePoll: time.Millisecond,
			Main: func(ctx *Context) {
				for {
					if ctx.Poll() != Continue {
						return
					}
					time.Sleep(time.Millisecond)
				}
			},
		})
	}()

	h.expect(t, ring.Init)
	ready := h.expect(t, ring.StartReady)
	require.Len(t, ready.Payload, 8)
	assert.NotZero(t, binary.LittleEndian.Uint64(ready.Payload))
	ready.Release()

	require.NoError(t, h.toWorkerW.Put(ring.StartLaunch, nil))
	h.expect(t, ring.StartLaunchDone)

	require.NoError(t, h.toWorkerW.Put(ring.StartConfirmed, nil))
	require.NoError(t, h.toWorkerW.Put(ring.Terminate, nil))
	h.expect(t, ring.Exiting)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Terminate")
	}
}

func TestRunIsolationSetupFailure(t *testing.T) {
	h := newHarness()
	fake := platform.NewFake()
	fake.FailIsolation = true

	done := make(chan error, 1)
	go func() {
		done <- Run(fake, h.toManagerW, h.toWorkerR, Options{CPU: 0, IdlePoll: time.Millisecond})
	}()

	h.expect(t, ring.Init)
	h.expect(t, ring.StartReady)

	require.NoError(t, h.toWorkerW.Put(ring.StartLaunch, nil))
	h.expect(t, ring.StartLaunchFailure)

	require.NoError(t, h.toWorkerW.Put(ring.Terminate, nil))
	h.expect(t, ring.Exiting)
	<-done
}

func TestRunTemporaryExitIsolationResumesOnNextLaunch(t *testing.T) {
	h := newHarness()
	fake := platform.NewFake()

	launches := 0
	done := make(chan error, 1)
	go func() {
		done <- Run(fake, h.toManagerW, h.toWorkerR, Options{
			CPU:      2,
			IdlePoll: time.Millisecond,
			Main: func(ctx *Context) {
				for {
					if ctx.Poll() != Continue {
						return
					}
					time.Sleep(time.Millisecond)
				}
			},
		})
	}()

	h.expect(t, ring.Init)
	h.expect(t, ring.StartReady)

	require.NoError(t, h.toWorkerW.Put(ring.StartLaunch, nil))
	h.expect(t, ring.StartLaunchDone)
	launches++

	require.NoError(t, h.toWorkerW.Put(ring.StartConfirmed, nil))
	require.NoError(t, h.toWorkerW.Put(ring.ExitIsolation, nil))

	// No ack message is expected for a temporary exit; the manager's own
	// restart-delay timer (statemachine.MaybeRestartFromTmpExit) drives the
	// TmpExitingIsolation -> Launching transition.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, h.toWorkerW.Put(ring.StartLaunch, nil))
	h.expect(t, ring.StartLaunchDone)
	launches++
	assert.Equal(t, 2, launches)

	require.NoError(t, h.toWorkerW.Put(ring.Terminate, nil))
	h.expect(t, ring.Exiting)
	<-done
}

func TestRunVoluntaryLeaveIsolation(t *testing.T) {
	h := newHarness()
	fake := platform.NewFake()

	done := make(chan error, 1)
	go func() {
		done <- Run(fake, h.toManagerW, h.toWorkerR, Options{
			CPU:      3,
			IdlePoll: time.Millisecond,
			Main: func(ctx *Context) {
				ctx.RequestLeaveIsolation()
			},
		})
	}()

	h.expect(t, ring.Init)
	h.expect(t, ring.StartReady)
	require.NoError(t, h.toWorkerW.Put(ring.StartLaunch, nil))
	h.expect(t, ring.StartLaunchDone)

	require.NoError(t, h.toWorkerW.Put(ring.StartConfirmed, nil))
	h.expect(t, ring.LeaveIsolation)

	require.NoError(t, h.toWorkerW.Put(ring.OkLeaveIsolation, nil))
	h.expect(t, ring.Exiting)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after OkLeaveIsolation")
	}
}

func TestContextPrintfSendsPrintMessage(t *testing.T) {
	w, r := ring.New()
	_, fromMgr := ring.New()
	ctx := newContext(platform.NewFake(), w, fromMgr, 0, 0, 123)
	ctx.Printf("hello %d", 42)

	require.True(t, r.CheckNew())
	msg, err := r.GetMessage()
	require.NoError(t, err)
	assert.Equal(t, ring.Print, msg.Kind)
	assert.Equal(t, "hello 42", string(msg.Payload))
	msg.Release()
}
