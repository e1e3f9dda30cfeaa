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

// Package sweep implements the foreign-thread sweeper: it enumerates
// every schedulable entity on the host and rebinds anything that has
// wandered onto an isolation cpu, away from it.
package sweep

import (
	"time"

	"github.com/cpuisol/isold/cpuset"
	"github.com/cpuisol/isold/platform"
)

// Entry is one tracked (pid, tid) pair. Table growth and eviction mirror
// spec's "append-grow table keyed by (pid, tid); entries untouched in a
// pass are removed."
type Entry struct {
	PID     int
	TID     int
	Name    string
	Allowed cpuset.Set
	CPU     int

	// WorkerIndex is the slot for a weak back-reference to the managed
	// Worker that owns TID as its OS thread. Run sets it to -1 when the
	// entry is created and never changes it: managed threads are only
	// recognized through the isManagedTID callback, which reports no slot
	// index.
	WorkerIndex int
}

const noWorker = -1

// Sweeper owns the ForeignThread table and the rebind policy.
type Sweeper struct {
	plat platform.Platform

	table      map[[2]int]*Entry
	lastSweep  time.Time
	minPeriod  time.Duration
	managerTID int
}

// New constructs a Sweeper. managerTID identifies the manager process's
// main thread, which the policy must never rebind.
func New(plat platform.Platform, managerTID int) *Sweeper {
	return &Sweeper{
		plat:       plat,
		table:      make(map[[2]int]*Entry),
		minPeriod:  3 * time.Second,
		managerTID: managerTID,
	}
}

// ShouldRun reports whether a sweep should happen this pass: spec gates
// it to every Launched-state pass plus at most once every 3 seconds
// otherwise.
func (s *Sweeper) ShouldRun(anyWorkerLaunched bool, now time.Time) bool {
	if anyWorkerLaunched {
		return true
	}
	return now.Sub(s.lastSweep) >= s.minPeriod
}

// RebindRequest is one affinity change the caller must apply via
// Platform.SetAffinity.
type RebindRequest struct {
	TID     int
	NewMask cpuset.Set
}

// Run performs one sweep: refreshes the ForeignThread table from the
// platform's live thread list, evicts entries not observed this pass,
// and computes the rebind set for every entity that is not a managed
// worker, does not belong to the manager's main thread, and whose
// cpus_allowed overlaps isolationSet with cardinality greater than one.
// isManagedTID reports whether tid belongs to a worker the manager
// itself owns.
func (s *Sweeper) Run(now time.Time, isolationSet cpuset.Set, isManagedTID func(tid int) bool) ([]RebindRequest, error) {
	s.lastSweep = now
	threads, err := s.plat.ListThreads()
	if err != nil {
		return nil, err
	}

	seen := make(map[[2]int]bool, len(threads))
	var rebinds []RebindRequest
	for _, th := range threads {
		key := [2]int{th.PID, th.TID}
		seen[key] = true

		e, ok := s.table[key]
		if !ok {
			e = &Entry{PID: th.PID, TID: th.TID, WorkerIndex: noWorker}
			s.table[key] = e
		}
		e.Name = th.Comm
		e.Allowed = th.Allowed
		e.CPU = th.CurrentCPU

		if isManagedTID(th.TID) {
			continue
		}
		if th.TID == s.managerTID {
			continue
		}
		if th.Allowed.Len() <= 1 {
			continue // pinned deliberately; never touched
		}
		if !cpuset.Intersects(th.Allowed, isolationSet) {
			continue
		}

		newMask := cpuset.Difference(th.Allowed, isolationSet)
		if newMask.Len() == 0 {
			newMask = cpuset.Difference(cpuset.New(allCPUs(s.plat)...), isolationSet)
		}
		rebinds = append(rebinds, RebindRequest{TID: th.TID, NewMask: newMask})
	}

	for key := range s.table {
		if !seen[key] {
			delete(s.table, key)
		}
	}

	return rebinds, nil
}

func allCPUs(plat platform.Platform) []int {
	n := plat.NumCPU()
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// Len reports the current table size, mostly for tests and diagnostics.
func (s *Sweeper) Len() int { return len(s.table) }
