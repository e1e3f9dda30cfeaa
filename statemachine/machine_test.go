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

package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpuisol/isold/ring"
)

func TestHappyPath(t *testing.T) {
	m := New()
	now := time.Now()

	m.OnInit()
	assert.Equal(t, Started, m.State())

	m.OnStartReady()
	assert.Equal(t, Ready, m.State())

	assert.Nil(t, m.MaybeLaunch(false, false))
	assert.Equal(t, Ready, m.State())

	actions := m.MaybeLaunch(true, false)
	require.Len(t, actions, 1)
	assert.Equal(t, ring.StartLaunch, actions[0].Kind)
	assert.Equal(t, Launching, m.State())

	m.OnStartLaunchDone()
	assert.Equal(t, Launched, m.State())

	assert.Nil(t, m.CheckLaunched(false, false, now))
	assert.Equal(t, Launched, m.State())

	actions = m.CheckLaunched(true, false, now)
	require.Len(t, actions, 1)
	assert.Equal(t, ring.StartConfirmed, actions[0].Kind)
	assert.Equal(t, Running, m.State())

	m.RequestExit()
	actions = m.MaybeTerminate()
	require.Len(t, actions, 1)
	assert.Equal(t, ring.Terminate, actions[0].Kind)

	m.OnExiting()
	assert.Equal(t, Off, m.State())
	assert.False(t, m.ExitRequested())
	assert.Nil(t, m.MaybeTerminate())
}

func TestTimeoutAdvancesIndividually(t *testing.T) {
	m := New()
	m.OnInit()
	m.OnStartReady()
	actions := m.MaybeLaunch(false, true)
	require.Len(t, actions, 1)
	assert.Equal(t, Launching, m.State())
}

func TestLaunchedTemporaryExitAndRestart(t *testing.T) {
	m := New()
	m.SetRestartDelay(10 * time.Millisecond)
	m.OnInit()
	m.OnStartReady()
	m.MaybeLaunch(true, false)
	m.OnStartLaunchDone()
	require.Equal(t, Launched, m.State())

	now := time.Now()
	actions := m.CheckLaunched(false, true, now)
	require.Len(t, actions, 1)
	assert.Equal(t, ring.ExitIsolation, actions[0].Kind)
	assert.Equal(t, TmpExitingIsolation, m.State())

	assert.Nil(t, m.MaybeRestartFromTmpExit(now))

	actions = m.MaybeRestartFromTmpExit(now.Add(20 * time.Millisecond))
	require.Len(t, actions, 1)
	assert.Equal(t, ring.StartLaunch, actions[0].Kind)
	assert.Equal(t, Launching, m.State())
}

func TestInvoluntaryLossImmediateRelaunch(t *testing.T) {
	m := New()
	m.OnInit()
	m.OnStartReady()
	m.MaybeLaunch(true, false)
	m.OnStartLaunchDone()
	m.CheckLaunched(true, false, time.Now())
	require.Equal(t, Running, m.State())

	actions := m.OnSignalLost(time.Now())
	require.Len(t, actions, 1)
	assert.Equal(t, ring.StartLaunch, actions[0].Kind)
	assert.Equal(t, Launching, m.State())
}

func TestStartLaunchFailureImmediateRelaunch(t *testing.T) {
	m := New()
	m.OnInit()
	m.OnStartReady()
	m.MaybeLaunch(true, false)
	require.Equal(t, Launching, m.State())

	actions := m.OnStartLaunchFailure(time.Now())
	require.Len(t, actions, 1)
	assert.Equal(t, ring.StartLaunch, actions[0].Kind)
	assert.Equal(t, Launching, m.State())
}

func TestVoluntaryLeaveIsolation(t *testing.T) {
	m := New()
	m.OnInit()
	m.OnStartReady()
	m.MaybeLaunch(true, false)
	m.OnStartLaunchDone()
	m.CheckLaunched(true, false, time.Now())
	require.Equal(t, Running, m.State())

	actions := m.OnLeaveIsolation()
	require.Len(t, actions, 1)
	assert.Equal(t, ring.OkLeaveIsolation, actions[0].Kind)
	assert.Equal(t, ExitingIsolation, m.State())

	m.OnExiting()
	assert.Equal(t, Off, m.State())
}

func TestStateTransient(t *testing.T) {
	assert.False(t, Off.Transient())
	assert.False(t, Running.Transient())
	assert.True(t, Started.Transient())
	assert.True(t, LostIsolation.Transient())
}
