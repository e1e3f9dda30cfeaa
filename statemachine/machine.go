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
	"time"

	"github.com/cpuisol/isold/ring"
)

// DefaultRestartDelay gates re-entry after a temporary isolation exit
// forced by detected timers.
const DefaultRestartDelay = 3 * time.Second

// DefaultStartTimeout bounds the "wait for all workers to reach Ready"
// barrier before Ready workers launch individually.
const DefaultStartTimeout = 20 * time.Second

// Action is one outbound Ring message the caller must enqueue to the
// worker this Machine governs.
type Action struct {
	Kind    ring.Kind
	Payload []byte
}

func emit(kind ring.Kind) Action { return Action{Kind: kind} }

// Machine holds one worker's manager-side lifecycle state. It is not
// safe for concurrent use; the Manager serializes access per worker.
type Machine struct {
	state        State
	restartDelay time.Duration

	exitRequested bool

	// isolExitAt marks when TmpExitingIsolation was entered, to gate
	// re-launch after restartDelay.
	isolExitAt time.Time

	// mayLeave is set by OkLeaveIsolation handling mirrored from the
	// worker side; kept here purely for introspection/logging.
	mayLeave bool
}

// New returns a Machine in the Off state.
func New() *Machine {
	return &Machine{state: Off, restartDelay: DefaultRestartDelay}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// ExitRequested reports whether RequestExit has been called and not yet
// honored by an Exiting transition.
func (m *Machine) ExitRequested() bool { return m.exitRequested }

// RequestExit marks the worker for advisory termination; the caller
// (Manager) is responsible for best-effort delivery of Terminate on its
// next pass, per spec's "no forced kill" policy.
func (m *Machine) RequestExit() {
	m.exitRequested = true
}

// SetRestartDelay overrides DefaultRestartDelay, primarily for tests
// that want to avoid waiting on wall-clock time.
func (m *Machine) SetRestartDelay(d time.Duration) { m.restartDelay = d }

// transitionTo moves the state machine to s; callers reset any
// state-scoped bookkeeping themselves.
func (m *Machine) transitionTo(s State) {
	m.state = s
}

// OnInit handles a worker->manager Init message: Off -> Started.
func (m *Machine) OnInit() {
	if m.state != Off {
		return
	}
	m.transitionTo(Started)
}

// OnStartReady handles a worker->manager StartReady message: Started -> Ready.
func (m *Machine) OnStartReady() {
	if m.state != Started {
		return
	}
	m.transitionTo(Ready)
}

// MaybeLaunch evaluates the Ready -> Launching transition. allReady is
// true when every worker the manager is tracking has reached at least
// Ready; timeoutExpired is true once the manager's start_timeout barrier
// has elapsed since init.
func (m *Machine) MaybeLaunch(allReady, timeoutExpired bool) []Action {
	if m.state != Ready {
		return nil
	}
	if !allReady && !timeoutExpired {
		return nil
	}
	m.transitionTo(Launching)
	return []Action{emit(ring.StartLaunch)}
}

// OnStartLaunchDone handles Launching -> Launched.
func (m *Machine) OnStartLaunchDone() {
	if m.state != Launching {
		return
	}
	m.transitionTo(Launched)
}

// OnStartLaunchFailure handles the "any -> LostIsolation" failure path,
// immediately re-emitting StartLaunch per the canonical transition table
// (unlike the timer-blocked TmpExitingIsolation path, this one does not
// wait out restartDelay).
func (m *Machine) OnStartLaunchFailure(now time.Time) []Action {
	m.isolExitAt = now
	m.transitionTo(LostIsolation)
	return m.drainLostIsolation()
}

// OnSignalLost handles the Running -> LostIsolation transition triggered
// by an observed SIGUSR1 / isolated=absent poll.
func (m *Machine) OnSignalLost(now time.Time) []Action {
	if m.state != Running {
		return nil
	}
	m.isolExitAt = now
	m.transitionTo(LostIsolation)
	return m.drainLostIsolation()
}

// drainLostIsolation immediately re-launches; kept as a helper so both
// entry points to LostIsolation share the same re-emit behavior.
func (m *Machine) drainLostIsolation() []Action {
	m.transitionTo(Launching)
	return []Action{emit(ring.StartLaunch)}
}

// CheckLaunched evaluates the two possible exits from Launched:
// confirmation (no timers on any running isolation cpu) or a temporary
// exit (timers detected on this worker's own cpu).
func (m *Machine) CheckLaunched(noTimersOnRunningISO, timersOnSelfCPU bool, now time.Time) []Action {
	if m.state != Launched {
		return nil
	}
	if timersOnSelfCPU {
		m.isolExitAt = now
		m.transitionTo(TmpExitingIsolation)
		return []Action{emit(ring.ExitIsolation)}
	}
	if noTimersOnRunningISO {
		m.transitionTo(Running)
		return []Action{emit(ring.StartConfirmed)}
	}
	return nil
}

// MaybeRestartFromTmpExit evaluates TmpExitingIsolation's restartDelay
// gate.
func (m *Machine) MaybeRestartFromTmpExit(now time.Time) []Action {
	if m.state != TmpExitingIsolation {
		return nil
	}
	if now.Sub(m.isolExitAt) < m.restartDelay {
		return nil
	}
	m.transitionTo(Launching)
	return []Action{emit(ring.StartLaunch)}
}

// OnLeaveIsolation handles the Running -> ExitingIsolation voluntary
// departure.
func (m *Machine) OnLeaveIsolation() []Action {
	if m.state != Running {
		return nil
	}
	m.transitionTo(ExitingIsolation)
	return []Action{emit(ring.OkLeaveIsolation)}
}

// OnOkLeaveIsolationObserved records the worker-side acknowledgement;
// purely informational on the manager side.
func (m *Machine) OnOkLeaveIsolationObserved() {
	m.mayLeave = true
}

// OnExiting handles "any -> Off", clearing the exit request and the
// temporary-exit and may-leave bookkeeping. Releasing the worker slot is
// left to the caller.
func (m *Machine) OnExiting() {
	m.transitionTo(Off)
	m.exitRequested = false
	m.isolExitAt = time.Time{}
	m.mayLeave = false
}

// MaybeTerminate reports whether a Terminate message should be emitted
// this pass: exit_requested is advisory and best-effort, re-offered on
// every pass until the worker acknowledges with Exiting.
func (m *Machine) MaybeTerminate() []Action {
	if !m.exitRequested {
		return nil
	}
	if m.state == Off {
		return nil
	}
	return []Action{emit(ring.Terminate)}
}
