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

// Package statemachine implements the manager-side per-worker isolation
// lifecycle. It performs no IO: every transition is a pure function of
// the current State plus externally-observed facts (messages received,
// timer snapshots, elapsed time), returning the Actions the caller
// should carry out (almost always: enqueue a Ring message to the
// worker).
package statemachine

import "fmt"

// State is one node of the per-worker isolation lifecycle.
type State int

const (
	Off State = iota
	Started
	Ready
	Launching
	Launched
	Running
	TmpExitingIsolation
	ExitingIsolation
	LostIsolation
)

func (s State) String() string {
	switch s {
	case Off:
		return "Off"
	case Started:
		return "Started"
	case Ready:
		return "Ready"
	case Launching:
		return "Launching"
	case Launched:
		return "Launched"
	case Running:
		return "Running"
	case TmpExitingIsolation:
		return "TmpExitingIsolation"
	case ExitingIsolation:
		return "ExitingIsolation"
	case LostIsolation:
		return "LostIsolation"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transient reports whether a worker in this state still requires
// manager attention on every pass (feeds the Manager's io_expected
// computation, per the central loop's non-blocking-poll decision).
func (s State) Transient() bool {
	switch s {
	case Started, Ready, Launching, Launched, TmpExitingIsolation, ExitingIsolation, LostIsolation:
		return true
	default:
		return false
	}
}
