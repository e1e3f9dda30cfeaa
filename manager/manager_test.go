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

package manager

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cpuisol/isold/control"
	"github.com/cpuisol/isold/cpuset"
	"github.com/cpuisol/isold/platform"
	"github.com/cpuisol/isold/statemachine"
	"github.com/cpuisol/isold/worker"
)

func testManager(t *testing.T, fake *platform.Fake) *Manager {
	t.Helper()
	m, err := New(fake, cpuset.New(1, 2, 3), Config{
		RestartDelay: 5 * time.Millisecond,
		StartTimeout: time.Hour,
		IdlePoll:     time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestSpawnManagedReachesRunningThenTerminates(t *testing.T) {
	fake := platform.NewFake()
	m := testManager(t, fake)

	polled := make(chan struct{}, 1)
	cpu, err := m.SpawnManaged(-1, nil, func(ctx *worker.Context) {
		for {
			if ctx.Poll() != worker.Continue {
				return
			}
			select {
			case polled <- struct{}{}:
			default:
			}
			time.Sleep(time.Millisecond)
		}
	})
	require.NoError(t, err)
	require.Contains(t, []int{1, 2, 3}, cpu)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.tick(time.Now())
		if m.slotState(cpu) == statemachine.Running {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, statemachine.Running, m.slotState(cpu))
	<-polled

	m.RequestTerminateAll()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.tick(time.Now())
		if m.allOffAndIdle() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, m.allOffAndIdle())
	require.NoError(t, m.Wait())
}

func TestClaimWorkerThreadModeSelfConnect(t *testing.T) {
	fake := platform.NewFake()
	m := testManager(t, fake)

	res, err := m.ClaimWorker(1, os.Getpid(), 4242)
	require.NoError(t, err)
	require.Equal(t, "THREAD", res.Mode)
	require.Equal(t, 1, res.CPU)
	require.Equal(t, res.Index, res.Token)
	require.Equal(t, statemachine.Ready, m.slotState(1))
}

func TestClaimWorkerProcessMode(t *testing.T) {
	fake := platform.NewFake()
	m := testManager(t, fake)

	res, err := m.ClaimWorker(2, os.Getpid()+999, 9001)
	require.NoError(t, err)
	require.Equal(t, "PROCESS", res.Mode)
	require.Equal(t, 0, res.Index)
	require.Equal(t, 2, res.CPU)
}

func TestClaimWorkerExhaustsCPUs(t *testing.T) {
	fake := platform.NewFake()
	m := testManager(t, fake)

	_, err := m.ClaimWorker(-1, os.Getpid(), 1)
	require.NoError(t, err)
	_, err = m.ClaimWorker(-1, os.Getpid(), 2)
	require.NoError(t, err)
	_, err = m.ClaimWorker(-1, os.Getpid(), 3)
	require.NoError(t, err)

	_, err = m.ClaimWorker(-1, os.Getpid(), 4)
	require.ErrorIs(t, err, control.ErrCantAllocate)
}

func TestTaskIsolFailAndFinishCycleSlot(t *testing.T) {
	fake := platform.NewFake()
	m := testManager(t, fake)

	res, err := m.ClaimWorker(1, os.Getpid(), 4242)
	require.NoError(t, err)

	require.NoError(t, m.TaskIsolFail(res.Token))
	require.NoError(t, m.TaskIsolFinish(res.Token))

	// The cpu is free again for a fresh claim.
	res2, err := m.ClaimWorker(1, os.Getpid(), 9999)
	require.NoError(t, err)
	require.Equal(t, 1, res2.CPU)
}

func TestRequestTerminateAllOnlyTouchesInUseSlots(t *testing.T) {
	fake := platform.NewFake()
	m := testManager(t, fake)
	require.NotPanics(t, func() { m.RequestTerminateAll() })
}

// slotState exposes a slot's statemachine.State for tests without
// reaching into Manager's unexported table directly from _test.go
// boilerplate scattered across cases.
func (m *Manager) slotState(cpu int) statemachine.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.table.Len(); i++ {
		s := m.slot(i)
		if s.CPU == cpu && s.InUse {
			return s.Machine.State()
		}
	}
	return statemachine.Off
}
