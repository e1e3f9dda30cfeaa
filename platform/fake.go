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

package platform

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cpuisol/isold/cpuset"
)

// Fake is an in-memory Platform for tests, with no dependency on the
// host kernel. Its behavior is driven entirely by fields the test sets
// before use and the Fail* knobs it flips mid-test.
type Fake struct {
	mu sync.Mutex

	CPUs            int
	IsolationCPUs   cpuset.Set
	Threads         []ThreadInfo
	TimerFeed       string
	NextTID         int
	FailIsolation   bool
	FailAffinity    bool
	Affinities      map[int]cpuset.Set
	isolated        map[int]bool
	lossSubscribers []func()
}

var _ Platform = (*Fake)(nil)

// NewFake returns a Fake with sane zero-value-adjacent defaults.
func NewFake() *Fake {
	return &Fake{
		CPUs:       4,
		Affinities: make(map[int]cpuset.Set),
		isolated:   make(map[int]bool),
		NextTID:    1000,
	}
}

func (f *Fake) Gettid() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	tid := f.NextTID
	f.NextTID++
	return tid
}

func (f *Fake) Pin(cpu int) error {
	return f.SetAffinity(0, cpuset.New(cpu))
}

func (f *Fake) SetAffinity(tid int, cpus cpuset.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAffinity {
		return fmt.Errorf("fake: affinity set refused")
	}
	f.Affinities[tid] = cpus
	return nil
}

func (f *Fake) GetAffinity(tid int) (cpuset.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Affinities[tid], nil
}

func (f *Fake) MLockAll() error {
	return nil
}

// SetIsolation flips FailIsolation to force StartLaunchFailure paths in
// tests without needing a real kernel with the task-isolation patchset.
func (f *Fake) SetIsolation(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on && f.FailIsolation {
		return fmt.Errorf("fake: isolation refused by platform")
	}
	return nil
}

func (f *Fake) NumCPU() int {
	return f.CPUs
}

func (f *Fake) IsolationCapableCPUs() (cpuset.Set, error) {
	return f.IsolationCPUs, nil
}

func (f *Fake) InstallLossSignal(fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lossSubscribers = append(f.lossSubscribers, fn)
	return nil
}

// SimulateIsolationLoss invokes every registered loss callback, standing
// in for a delivered SIGUSR1.
func (f *Fake) SimulateIsolationLoss() {
	f.mu.Lock()
	subs := append([]func(){}, f.lossSubscribers...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (f *Fake) IgnoreSIGPIPE() {}

func (f *Fake) ListThreads() ([]ThreadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ThreadInfo, len(f.Threads))
	copy(out, f.Threads)
	return out, nil
}

func (f *Fake) OpenTimerFeed() (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewBufferString(f.TimerFeed)), nil
}
