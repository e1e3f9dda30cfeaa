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

// Package platform isolates every direct syscall the manager and its
// workers need behind an interface, so the state machine and scheduling
// logic can be exercised without a real Linux kernel underneath it.
package platform

import (
	"io"

	"github.com/cpuisol/isold/cpuset"
)

// ThreadInfo describes one schedulable entity discovered while sweeping
// for foreign threads that must be rebound off the isolated cpu set.
type ThreadInfo struct {
	PID               int
	TID               int
	Comm              string
	Allowed           cpuset.Set
	CurrentCPU        int
	VolCtxSwitches    int
	NonvolCtxSwitches int
}

// Platform is the seam between domain logic and the host kernel. Linux
// is the production implementation; Fake backs unit tests.
type Platform interface {
	// Gettid returns the calling OS thread's id, used as the payload of a
	// StartReady message so the manager can address the worker directly.
	Gettid() int

	// Pin binds the calling OS thread to exactly cpu.
	Pin(cpu int) error

	// SetAffinity binds the OS thread tid (0 meaning the caller) to cpus.
	SetAffinity(tid int, cpus cpuset.Set) error

	// GetAffinity reports the cpu set a thread is currently bound to.
	GetAffinity(tid int) (cpuset.Set, error)

	// MLockAll locks the calling process's current and future memory
	// pages, preventing page faults once isolation starts.
	MLockAll() error

	// SetIsolation toggles the calling thread's membership in the
	// kernel's isolated-housekeeping mode. It returns an error when the
	// mode cannot be entered, including on hosts that lack it; the worker
	// reports that to the manager as StartLaunchFailure.
	SetIsolation(on bool) error

	// ListThreads enumerates every schedulable entity on the host, for
	// the foreign-thread sweep.
	ListThreads() ([]ThreadInfo, error)

	// OpenTimerFeed opens the kernel's per-cpu timer listing for
	// timerscan to parse.
	OpenTimerFeed() (io.ReadCloser, error)

	// NumCPU reports the number of cpus the kernel knows about.
	NumCPU() int

	// IsolationCapableCPUs reports the cpus the kernel is willing to
	// isolate, read from sysfs.
	IsolationCapableCPUs() (cpuset.Set, error)

	// InstallLossSignal arranges for SIGUSR1 to invoke fn whenever the
	// kernel notifies the process that isolation was involuntarily lost.
	// fn must be safe to run from a signal handler: no allocation, no
	// locks, no further platform calls.
	InstallLossSignal(fn func()) error

	// IgnoreSIGPIPE ignores SIGPIPE process-wide, as required for a
	// control socket that may be written to after the peer has gone away.
	IgnoreSIGPIPE()
}
