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

//go:build linux

package platform

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cpuisol/isold/cpuset"
)

// prctl option numbers from the task-isolation kernel patchset (not yet
// upstream as of this writing); golang.org/x/sys/unix does not define
// them, so they are declared locally.
const (
	prTaskIsolation       = 48
	prTaskIsolationEnable = 1 << 0
)

const (
	sysfsTaskIsolation = "/sys/devices/system/cpu/task_isolation"
	sysfsIsolated      = "/sys/devices/system/cpu/isolated"
	procTimerList      = "/proc/timer_list"
)

// Linux is the production Platform, backed by golang.org/x/sys/unix
// syscalls and procfs/sysfs reads.
type Linux struct{}

var _ Platform = Linux{}

func (Linux) Gettid() int {
	return unix.Gettid()
}

func (Linux) Pin(cpu int) error {
	var mask unix.CPUSet
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}

func (Linux) SetAffinity(tid int, cpus cpuset.Set) error {
	var mask unix.CPUSet
	for _, cpu := range cpus.Slice() {
		mask.Set(cpu)
	}
	return unix.SchedSetaffinity(tid, &mask)
}

func (l Linux) GetAffinity(tid int) (cpuset.Set, error) {
	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(tid, &mask); err != nil {
		return cpuset.Set{}, err
	}
	cpus := make([]int, 0, l.NumCPU())
	for cpu := 0; cpu < l.NumCPU(); cpu++ {
		if mask.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpuset.New(cpus...), nil
}

func (Linux) MLockAll() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

// SetIsolation toggles the calling thread's task-isolation mode via the
// kernel's PR_TASK_ISOLATION prctl. Hosts without the patchset applied
// return ENOSYS/EINVAL, which callers surface as StartLaunchFailure.
func (Linux) SetIsolation(on bool) error {
	var arg uintptr
	if on {
		arg = prTaskIsolationEnable
	}
	_, _, errno := unix.RawSyscall(unix.SYS_PRCTL, prTaskIsolation, arg, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (Linux) NumCPU() int {
	return runtime.NumCPU()
}

func (Linux) IsolationCapableCPUs() (cpuset.Set, error) {
	data, err := os.ReadFile(sysfsTaskIsolation)
	if err != nil {
		data, err = os.ReadFile(sysfsIsolated)
		if err != nil {
			return cpuset.Set{}, fmt.Errorf("platform: reading isolation-capable cpu list: %w", err)
		}
	}
	return cpuset.Parse(strings.TrimSpace(string(data)))
}

func (Linux) OpenTimerFeed() (io.ReadCloser, error) {
	return os.Open(procTimerList)
}

// ListThreads enumerates every schedulable entity on the host by walking
// /proc/<pid>/task/<tid>/status, matching spec's "every schedulable
// entity on the machine" scope for the foreign-thread sweep.
func (Linux) ListThreads() ([]ThreadInfo, error) {
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var out []ThreadInfo
	for _, pe := range procEntries {
		pid, err := strconv.Atoi(pe.Name())
		if err != nil {
			continue
		}
		taskEntries, err := os.ReadDir(filepath.Join("/proc", pe.Name(), "task"))
		if err != nil {
			continue // process exited mid-scan, or no permission
		}
		for _, te := range taskEntries {
			tid, err := strconv.Atoi(te.Name())
			if err != nil {
				continue
			}
			info, err := readThreadStatus(pid, tid)
			if err != nil {
				continue
			}
			if cpu, err := readThreadStatCPU(pid, tid); err == nil {
				info.CurrentCPU = cpu
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func readThreadStatus(pid, tid int) (ThreadInfo, error) {
	f, err := os.Open(filepath.Join("/proc", strconv.Itoa(pid), "task", strconv.Itoa(tid), "status"))
	if err != nil {
		return ThreadInfo{}, err
	}
	defer f.Close()

	info := ThreadInfo{PID: pid, TID: tid}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Name:"):
			info.Comm = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "Cpus_allowed:"):
			mask := strings.TrimSpace(strings.TrimPrefix(line, "Cpus_allowed:"))
			set, err := cpuset.ParseHexMask(mask)
			if err != nil {
				return ThreadInfo{}, err
			}
			info.Allowed = set
		case strings.HasPrefix(line, "voluntary_ctxt_switches:"):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "voluntary_ctxt_switches:"))); err == nil {
				info.VolCtxSwitches = n
			}
		case strings.HasPrefix(line, "nonvoluntary_ctxt_switches:"):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "nonvoluntary_ctxt_switches:"))); err == nil {
				info.NonvolCtxSwitches = n
			}
		}
	}
	if err := sc.Err(); err != nil {
		return ThreadInfo{}, err
	}
	return info, nil
}

// statCPUFieldIndex is the 1-based field holding a thread's last-run cpu
// in /proc/<pid>/task/<tid>/stat. It is passed explicitly to
// ParseStatCPUField rather than baked into the parser, since the layout
// is a kernel ABI detail that has shifted across versions.
const statCPUFieldIndex = 39

func readThreadStatCPU(pid, tid int) (int, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "task", strconv.Itoa(tid), "stat"))
	if err != nil {
		return 0, err
	}
	return ParseStatCPUField(string(data), statCPUFieldIndex)
}

// ParseStatCPUField extracts one whitespace-separated field from a
// /proc/<pid>/stat (or task/<tid>/stat) line, counting from the closing
// parenthesis of the comm field (field 2, the comm, can contain
// arbitrary bytes, including spaces, inside "(...)").
func ParseStatCPUField(line string, fieldIndex int) (int, error) {
	close := strings.LastIndexByte(line, ')')
	if close < 0 || fieldIndex < 3 {
		return 0, fmt.Errorf("platform: malformed stat line")
	}
	fields := strings.Fields(line[close+1:])
	idx := fieldIndex - 3 // fields[0] is field 3 (state)
	if idx < 0 || idx >= len(fields) {
		return 0, fmt.Errorf("platform: stat line has no field %d", fieldIndex)
	}
	return strconv.Atoi(fields[idx])
}

// InstallLossSignal cannot give fn the async-signal-safety a native
// SIGUSR1 handler would have: the Go runtime only delivers signals to a
// channel, already past the point a C handler would run. fn is invoked
// from a dedicated goroutine for every delivery; callers keep it cheap
// (an atomic store, per spec) to approximate the same latency.
func (Linux) InstallLossSignal(fn func()) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGUSR1)
	go func() {
		for range c {
			fn()
		}
	}()
	return nil
}

func (Linux) IgnoreSIGPIPE() {
	signal.Ignore(unix.SIGPIPE)
}
